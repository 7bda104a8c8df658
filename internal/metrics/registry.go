// Package metrics owns the Prometheus registry shared by the pipeline
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sensorvision/telemetry/internal/errors"
)

// Namespace prefixes every metric exported by the pipeline.
const Namespace = "iot"

// NewRegistry returns a registry preloaded with Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Register adds collectors to reg. A nil reg disables export; the collectors
// still work, they are just never scraped.
func Register(reg prometheus.Registerer, cs ...prometheus.Collector) error {
	if reg == nil {
		return nil
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return errors.New(err).
				Component("metrics").
				Category(errors.CategoryConfiguration).
				Build()
		}
	}
	return nil
}
