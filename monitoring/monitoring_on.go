//go:build monitoring
// +build monitoring

package monitoring

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var started sync.Once

// ExportPrometheusMetrics registers the given collectors and launches the
// Prometheus exporter on the configured address.
func ExportPrometheusMetrics(cfg *Config,
	collectors ...prometheus.Collector) error {

	var err error
	started.Do(func() {
		for _, collector := range collectors {
			if err = prometheus.Register(collector); err != nil {
				return
			}
		}

		log.Infof("Prometheus exporter started on %v/metrics",
			cfg.Listen)

		http.Handle("/metrics", promhttp.Handler())
		go func() {
			err := http.ListenAndServe(cfg.Listen, nil)
			if err != nil {
				log.Errorf("Prometheus exporter stopped: %v",
					err)
			}
		}()
	})

	return err
}
