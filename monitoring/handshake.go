package monitoring

import (
	"errors"
	"time"

	"github.com/lightningnetwork/nodenet/peer"
	"github.com/prometheus/client_golang/prometheus"
)

// Handshake results used as label values.
const (
	ResultSuccess = "success"
	ResultTimeout = "timeout"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// HandshakeResult classifies the outcome of a handshake for labelling.
func HandshakeResult(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, peer.ErrChannelTimeout):
		return ResultTimeout
	case errors.Is(err, peer.ErrChannelDropped):
		return ResultDropped
	default:
		return ResultFailed
	}
}

// HandshakeMetrics counts handshakes by result and tracks how long they took.
type HandshakeMetrics struct {
	results  *prometheus.CounterVec
	duration prometheus.Histogram
	stops    *prometheus.CounterVec
}

// NewHandshakeMetrics returns unregistered handshake metrics.
func NewHandshakeMetrics() *HandshakeMetrics {
	return &HandshakeMetrics{
		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodenet_handshakes_total",
				Help: "Completed version handshakes by result.",
			},
			[]string{"result"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name: "nodenet_handshake_duration_seconds",
				Help: "Time taken by successful version " +
					"handshakes.",
				Buckets: prometheus.ExponentialBuckets(
					0.01, 2, 12,
				),
			},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nodenet_channel_stops_total",
				Help: "Stopped channels by stop reason.",
			},
			[]string{"reason"},
		),
	}
}

// ObserveHandshake records the outcome of a handshake that started elapsed
// ago. Only successful handshakes are timed.
func (m *HandshakeMetrics) ObserveHandshake(err error, elapsed time.Duration) {
	result := HandshakeResult(err)
	m.results.WithLabelValues(result).Inc()

	if result == ResultSuccess {
		m.duration.Observe(elapsed.Seconds())
	}
}

// ObserveStop records the reason a channel stopped.
func (m *HandshakeMetrics) ObserveStop(reason error) {
	label := HandshakeResult(reason)
	if errors.Is(reason, peer.ErrChannelStopped) {
		label = "stopped"
	}

	m.stops.WithLabelValues(label).Inc()
}

// Collectors returns the collectors to register.
func (m *HandshakeMetrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.results, m.duration, m.stops}
}
