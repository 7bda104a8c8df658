// Package cmd implements the telemetryd command line.
package cmd

import (
	"io"
	"os"

	"github.com/sensorvision/telemetry/internal/conf"
	"github.com/sensorvision/telemetry/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X .../internal/cmd.Version=...".
var Version = "dev"

type rootOptions struct {
	cfgFile  string
	logLevel string
}

// NewRootCommand builds the command tree. out receives logs and command
// output.
func NewRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	v := viper.New()

	root := &cobra.Command{
		Use:           "telemetryd",
		Short:         "IoT telemetry ingestion service",
		Long:          "telemetryd ingests device readings over HTTP and MQTT, evaluates threshold rules and synthetic variables, and exports live metrics.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(out)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default searches ./telemetry.yaml, ./config, /etc/telemetry)")
	flags.StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	load := func() (*conf.Settings, logger.Logger, error) {
		if opts.logLevel != "" {
			v.Set("log.level", opts.logLevel)
		}
		settings, err := conf.Load(v, opts.cfgFile)
		if err != nil {
			return nil, nil, err
		}
		log := logger.NewSlogLogger(out, logger.ParseLevel(settings.Log.Level), &logger.Options{
			Format:    settings.Log.Format,
			Component: "telemetryd",
		})
		return settings, log, nil
	}

	root.AddCommand(
		newServeCommand(load),
		newMigrateCommand(load),
		newConfigCommand(load),
	)
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	root := NewRootCommand(os.Stderr)
	if err := root.Execute(); err != nil {
		root.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

type loadFunc func() (*conf.Settings, logger.Logger, error)
