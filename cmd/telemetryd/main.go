package main

import "github.com/sensorvision/telemetry/internal/cmd"

func main() {
	cmd.Execute()
}
