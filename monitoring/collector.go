package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// ChannelStats is a snapshot of one live channel.
type ChannelStats struct {
	// ID is the channel identifier.
	ID uint64

	// Address is the remote host:port.
	Address string

	// Inbound is true for connections the peer initiated.
	Inbound bool

	// Notify is true if the channel's traffic is surfaced to subscribers
	// beyond the handshake.
	Notify bool

	// Handshaken is true once the version handshake succeeded.
	Handshaken bool

	// BytesSent and BytesReceived count the framed traffic.
	BytesSent     uint64
	BytesReceived uint64

	// PingMicros is the last measured round trip, or -1 if unknown.
	PingMicros int64
}

// ChannelSource exposes the live channels of a server.
type ChannelSource interface {
	// ChannelStats returns a snapshot of every live channel.
	ChannelStats() []ChannelStats
}

// addressType classifies a host:port string by its IP family.
func addressType(addr string) string {
	if len(addr) >= 1 && addr[0] == '[' {
		return "ipv6"
	}
	if len(addr) >= 1 && '0' <= addr[0] && addr[0] <= '9' {
		return "ipv4"
	}
	return "unknown"
}

func direction(inbound bool) string {
	if inbound {
		return "inbound"
	}
	return "outbound"
}

type channelCollector struct {
	src ChannelSource

	countDesc           *prometheus.Desc
	countByProtocolDesc *prometheus.Desc
	pingDesc            *prometheus.Desc
	bytesSentDesc       *prometheus.Desc
	bytesRecvDesc       *prometheus.Desc
}

// NewChannelCollector returns a collector that reports the channels of src
// at scrape time.
func NewChannelCollector(src ChannelSource) prometheus.Collector {
	perChannel := []string{"id", "address", "direction"}

	return &channelCollector{
		src: src,
		countDesc: prometheus.NewDesc(
			"nodenet_channels_count",
			"Number of live channels.",
			[]string{"direction", "handshaken"}, nil,
		),
		countByProtocolDesc: prometheus.NewDesc(
			"nodenet_channels_count_by_protocol",
			"Number of live channels by IP protocol.",
			[]string{"protocol"}, nil,
		),
		pingDesc: prometheus.NewDesc(
			"nodenet_channel_ping_microseconds",
			"Last measured ping round trip of a channel.",
			perChannel, nil,
		),
		bytesSentDesc: prometheus.NewDesc(
			"nodenet_channel_bytes_sent",
			"Bytes written to a channel.",
			perChannel, nil,
		),
		bytesRecvDesc: prometheus.NewDesc(
			"nodenet_channel_bytes_received",
			"Bytes read from a channel.",
			perChannel, nil,
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *channelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.countDesc
	ch <- c.countByProtocolDesc
	ch <- c.pingDesc
	ch <- c.bytesSentDesc
	ch <- c.bytesRecvDesc
}

// Collect is part of the prometheus.Collector interface.
func (c *channelCollector) Collect(ch chan<- prometheus.Metric) {
	type countKey struct {
		direction  string
		handshaken bool
	}
	counts := map[countKey]int{
		{"inbound", false}:  0,
		{"inbound", true}:   0,
		{"outbound", false}: 0,
		{"outbound", true}:  0,
	}
	protocols := map[string]int{
		"ipv4":    0,
		"ipv6":    0,
		"unknown": 0,
	}

	for _, stats := range c.src.ChannelStats() {
		dir := direction(stats.Inbound)
		counts[countKey{dir, stats.Handshaken}]++
		protocols[addressType(stats.Address)]++

		labelValues := []string{
			strconv.FormatUint(stats.ID, 10), stats.Address, dir,
		}

		if stats.PingMicros >= 0 {
			ch <- prometheus.MustNewConstMetric(
				c.pingDesc, prometheus.GaugeValue,
				float64(stats.PingMicros), labelValues...,
			)
		}
		ch <- prometheus.MustNewConstMetric(
			c.bytesSentDesc, prometheus.CounterValue,
			float64(stats.BytesSent), labelValues...,
		)
		ch <- prometheus.MustNewConstMetric(
			c.bytesRecvDesc, prometheus.CounterValue,
			float64(stats.BytesReceived), labelValues...,
		)
	}

	for key, count := range counts {
		ch <- prometheus.MustNewConstMetric(
			c.countDesc, prometheus.GaugeValue, float64(count),
			key.direction, strconv.FormatBool(key.handshaken),
		)
	}
	for protocol, count := range protocols {
		ch <- prometheus.MustNewConstMetric(
			c.countByProtocolDesc, prometheus.GaugeValue,
			float64(count), protocol,
		)
	}
}
