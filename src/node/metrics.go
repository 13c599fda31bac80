package node

import (
	"sync"
	"time"

	"github.com/mosaicnetworks/peernet/src/peers"
	"github.com/mosaicnetworks/peernet/src/wire"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

// networkMetrics are registered once with the default prometheus registry and
// shared by every Network of the process; the local label tells them apart.
type networkMetrics struct {
	messages   *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	peers      *prometheus.GaugeVec
	pingRTT    *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			messages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_messages_total",
				Help: "Count of protocol messages by direction and type.",
			}, []string{"local", "direction", "type"}),
			handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"local", "result"}),
			peers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "peernet_peers",
				Help: "Number of known peers by status.",
			}, []string{"local", "status"}),
			pingRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "peernet_ping_rtt_seconds",
				Help:    "Round trip time of answered pings.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			}, []string{"local"}),
			bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "peernet_bytes_total",
				Help: "Bytes exchanged with closed connections.",
			}, []string{"local", "direction"}),
		}
		prometheus.MustRegister(nm.messages, nm.handshakes, nm.peers, nm.pingRTT, nm.bytes)
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) recordMessage(local peers.PeerAddress, direction string, t wire.MessageType) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(local.Key(), direction, t.String()).Inc()
}

func (m *networkMetrics) recordHandshake(local peers.PeerAddress, result string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(local.Key(), result).Inc()
}

func (m *networkMetrics) observeRTT(local peers.PeerAddress, rtt time.Duration) {
	if m == nil {
		return
	}
	m.pingRTT.WithLabelValues(local.Key()).Observe(rtt.Seconds())
}

func (m *networkMetrics) addBytes(local peers.PeerAddress, in, out uint64) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues(local.Key(), "in").Add(float64(in))
	m.bytes.WithLabelValues(local.Key(), "out").Add(float64(out))
}

var allStatuses = []peers.PeerStatus{
	peers.New,
	peers.Connecting,
	peers.Connected,
	peers.Active,
	peers.Failed,
	peers.Disconnected,
	peers.Banned,
}

func (m *networkMetrics) setPeers(local peers.PeerAddress, records []peers.PeerRecord) {
	if m == nil {
		return
	}
	counts := make(map[peers.PeerStatus]int)
	for _, rec := range records {
		counts[rec.Status]++
	}
	for _, s := range allStatuses {
		m.peers.WithLabelValues(local.Key(), s.String()).Set(float64(counts[s]))
	}
}
