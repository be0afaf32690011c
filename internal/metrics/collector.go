package hyperdeskmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "hyperdesk"
	subsystem = "daemon"
)

// Label names for hyperdesk metrics.
const (
	labelDirection = "direction"
	labelStatus    = "status"
	labelType      = "type"
	labelSource    = "source"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Daemon Metrics
// -------------------------------------------------------------------------

// Collector holds all hyperdesk Prometheus metrics.
//
//   - Session gauges track whether a peer is currently paired.
//   - Transfer counters track job outcomes and bytes moved.
//   - Control message counters record bus traffic per message type.
//   - Scan counters distinguish mDNS results from the simulated fallback.
type Collector struct {
	// ActiveSessions tracks the number of active sessions (0 or 1; the
	// daemon hosts one peer at a time).
	ActiveSessions prometheus.Gauge

	// TransfersTotal counts finished transfer jobs by direction and
	// terminal status.
	TransfersTotal *prometheus.CounterVec

	// TransferBytesTotal counts payload bytes moved by direction.
	TransferBytesTotal *prometheus.CounterVec

	// ControlMessagesTotal counts inbound control messages by type.
	ControlMessagesTotal *prometheus.CounterVec

	// ControlBroadcastsTotal counts outbound broadcast frames by type.
	ControlBroadcastsTotal *prometheus.CounterVec

	// DiscoveryScansTotal counts scans by source ("mdns" or "simulated").
	DiscoveryScansTotal *prometheus.CounterVec

	// PairingOutcomesTotal counts pairing confirmations and mismatches.
	PairingOutcomesTotal *prometheus.CounterVec

	// FileRequestsTotal counts file requests by terminal status.
	FileRequestsTotal *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics carry the "hyperdesk_daemon_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveSessions,
		c.TransfersTotal,
		c.TransferBytesTotal,
		c.ControlMessagesTotal,
		c.ControlBroadcastsTotal,
		c.DiscoveryScansTotal,
		c.PairingOutcomesTotal,
		c.FileRequestsTotal,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Number of currently active paired sessions.",
		}),

		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfers_total",
			Help:      "Total finished transfer jobs by direction and terminal status.",
		}, []string{labelDirection, labelStatus}),

		TransferBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transfer_bytes_total",
			Help:      "Total payload bytes moved by completed transfers.",
		}, []string{labelDirection}),

		ControlMessagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "control_messages_total",
			Help:      "Total inbound control messages by message type.",
		}, []string{labelType}),

		ControlBroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "control_broadcasts_total",
			Help:      "Total outbound control broadcasts by message type.",
		}, []string{labelType}),

		DiscoveryScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "discovery_scans_total",
			Help:      "Total discovery scans by result source.",
		}, []string{labelSource}),

		PairingOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pairing_outcomes_total",
			Help:      "Total pairing attempts by outcome (confirmed, code_mismatch, not_found).",
		}, []string{labelStatus}),

		FileRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "file_requests_total",
			Help:      "Total file requests reaching a terminal status.",
		}, []string{labelStatus}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionStarted marks a session as active.
func (c *Collector) SessionStarted() {
	c.ActiveSessions.Inc()
}

// SessionEnded marks the active session as gone.
func (c *Collector) SessionEnded() {
	c.ActiveSessions.Dec()
}

// -------------------------------------------------------------------------
// Transfers
// -------------------------------------------------------------------------

// TransferFinished records a terminal transfer outcome and its byte count.
func (c *Collector) TransferFinished(direction, status string, bytes int64) {
	c.TransfersTotal.WithLabelValues(direction, status).Inc()
	if bytes > 0 {
		c.TransferBytesTotal.WithLabelValues(direction).Add(float64(bytes))
	}
}

// -------------------------------------------------------------------------
// Control Plane
// -------------------------------------------------------------------------

// IncControlMessage counts one inbound control message.
func (c *Collector) IncControlMessage(messageType string) {
	c.ControlMessagesTotal.WithLabelValues(messageType).Inc()
}

// IncControlBroadcast counts one outbound broadcast.
func (c *Collector) IncControlBroadcast(messageType string) {
	c.ControlBroadcastsTotal.WithLabelValues(messageType).Inc()
}

// -------------------------------------------------------------------------
// Discovery and Pairing
// -------------------------------------------------------------------------

// IncDiscoveryScan counts a scan, labeled by where the results came from.
func (c *Collector) IncDiscoveryScan(source string) {
	c.DiscoveryScansTotal.WithLabelValues(source).Inc()
}

// IncPairingOutcome counts a pairing attempt outcome.
func (c *Collector) IncPairingOutcome(outcome string) {
	c.PairingOutcomesTotal.WithLabelValues(outcome).Inc()
}

// IncFileRequest counts a file request reaching a terminal status.
func (c *Collector) IncFileRequest(status string) {
	c.FileRequestsTotal.WithLabelValues(status).Inc()
}
