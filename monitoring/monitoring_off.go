//go:build !monitoring
// +build !monitoring

package monitoring

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// ExportPrometheusMetrics is required for nodenet to compile so that
// Prometheus metric exporting can be hidden behind a build tag.
func ExportPrometheusMetrics(_ *Config, _ ...prometheus.Collector) error {
	return fmt.Errorf("nodenet must be built with the monitoring tag to " +
		"enable exporting Prometheus metrics")
}
