package quicly

import "github.com/prometheus/client_golang/prometheus"

// Endpoint counters, exported through RegisterMetrics.
var (
	packetsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quicly_packets_sent_total",
		Help: "Datagrams written to the socket.",
	})
	packetsReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quicly_packets_received_total",
		Help: "Datagrams read from the socket.",
	})
	packetsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quicly_packets_dropped_total",
		Help: "Datagrams dropped before or during connection processing.",
	})
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quicly_bytes_sent_total",
		Help: "Bytes written to the socket.",
	})
	connectionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quicly_connections_open",
		Help: "Currently tracked connections.",
	})
	streamsOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "quicly_streams_opened_total",
		Help: "Peer-initiated streams opened.",
	})
)

// RegisterMetrics registers the endpoint collectors with r.
func RegisterMetrics(r prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		packetsSent, packetsReceived, packetsDropped,
		bytesSent, connectionsOpen, streamsOpened,
	} {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}
