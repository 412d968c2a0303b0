// Package metrics exposes the Prometheus gauges and counters that describe
// a replica's consensus and transport behaviour.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pbft"

var (
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Number of currently connected replica peers",
	})

	PeersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_total",
		Help:      "Total number of peer connections observed since start",
	})

	PeersDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_disconnected_total",
		Help:      "Total number of peer disconnections",
	})

	PeersBanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_banned_total",
		Help:      "Total number of peers banned for misbehavior",
	})

	// Consensus metrics
	RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_started_total",
		Help:      "Total number of sequence slots that reached pre-prepare",
	})

	RoundsExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_executed_total",
		Help:      "Total number of sequence slots executed",
	})

	ViewChanges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "view_changes_total",
		Help:      "Total number of view changes initiated",
	})

	PrepareVotes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "prepare_votes",
		Help:      "Prepare votes recorded for the most recent slot",
	})

	CommitVotes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "commit_votes",
		Help:      "Commit votes recorded for the most recent slot",
	})

	LastExecutedSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_executed_sequence",
		Help:      "Highest sequence number executed so far",
	})

	// Transport / network metrics
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_received_total",
		Help:      "Total number of messages received by kind",
	}, []string{"kind"})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Total number of messages sent by kind",
	}, []string{"kind"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_dropped_total",
		Help:      "Total number of messages dropped because an outbound queue was full",
	}, []string{"kind"})

	MessageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "message_latency_seconds",
		Help:      "End-to-end time from request receipt to client reply",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"kind"})

	// DHT / discovery metrics
	DHTRoutingTableSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dht_routing_table_size",
		Help:      "Number of peers in the DHT routing table",
	})

	DiscoveredPeers = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "discovered_peers_total",
		Help:      "Total number of peers discovered via mDNS or DHT",
	})
)

func RecordPeerConnected() {
	PeersConnected.Inc()
	PeersTotal.Inc()
}

func RecordPeerDisconnected() {
	PeersConnected.Dec()
	PeersDisconnected.Inc()
}

func RecordPeerBanned() {
	PeersBanned.Inc()
}

func RecordRoundStarted() {
	RoundsStarted.Inc()
}

func RecordRoundExecuted(sequence int64) {
	RoundsExecuted.Inc()
	LastExecutedSequence.Set(float64(sequence))
}

func RecordViewChange() {
	ViewChanges.Inc()
}

func SetPrepareVotes(count int) {
	PrepareVotes.Set(float64(count))
}

func SetCommitVotes(count int) {
	CommitVotes.Set(float64(count))
}

func RecordMessageReceived(kind string) {
	MessagesReceived.WithLabelValues(kind).Inc()
}

func RecordMessageSent(kind string) {
	MessagesSent.WithLabelValues(kind).Inc()
}

func RecordMessageDropped(kind string) {
	MessagesDropped.WithLabelValues(kind).Inc()
}

func RecordMessageLatency(kind string, seconds float64) {
	MessageLatency.WithLabelValues(kind).Observe(seconds)
}

func SetDHTRoutingTableSize(size int) {
	DHTRoutingTableSize.Set(float64(size))
}

func RecordDiscoveredPeer() {
	DiscoveredPeers.Inc()
}
