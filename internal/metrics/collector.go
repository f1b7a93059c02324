package acdmetrics

import (
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "goacd"
	subsystem = "acd"
)

// Label names for ACD metrics.
const (
	labelInterface = "interface"
	labelAddress   = "address"
	labelKind      = "kind"
	labelReason    = "reason"
	labelFromPhase = "from_phase"
	labelToPhase   = "to_phase"
	labelEvent     = "event"
)

// -------------------------------------------------------------------------
// Collector — Prometheus ACD Metrics
// -------------------------------------------------------------------------

// Collector holds all ACD Prometheus metrics. It implements
// acd.MetricsReporter.
//
// Every series is labeled with the interface name and the claimed address:
//   - The session gauge tracks configured sessions.
//   - Frame counters track probes, announcements and defenses sent, frames
//     received and frames dropped by the codec.
//   - Phase and event counters record PROBE/ANNOUNCED/DEFEND movement and
//     AVAILABLE/CONFLICT/LOST notifications for alerting.
type Collector struct {
	// Sessions tracks the number of sessions held by the Manager.
	Sessions *prometheus.GaugeVec

	// FramesSent counts ARP frames transmitted, labeled by kind
	// (probe, announce, defend).
	FramesSent *prometheus.CounterVec

	// FramesReceived counts well-formed ARP frames processed by a session.
	FramesReceived *prometheus.CounterVec

	// FramesDropped counts frames rejected by the codec, labeled by reason
	// (short, opcode, malformed).
	FramesDropped *prometheus.CounterVec

	// SendErrors counts failed frame transmissions.
	SendErrors *prometheus.CounterVec

	// PhaseTransitions counts session phase changes.
	PhaseTransitions *prometheus.CounterVec

	// Events counts AVAILABLE, CONFLICT and LOST notifications.
	Events *prometheus.CounterVec

	// Restarts counts automatic restarts scheduled by the Manager, labeled
	// by reason (conflict, lost, link_up).
	Restarts *prometheus.CounterVec
}

// NewCollector creates a Collector with all ACD metrics registered against
// the provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created with the "goacd_acd_" prefix (namespace_subsystem).
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.SendErrors,
		c.PhaseTransitions,
		c.Events,
		c.Restarts,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	sessionLabels := []string{labelInterface, labelAddress}

	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of configured ACD sessions.",
		}, sessionLabels),

		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total ARP probes, announcements and defenses transmitted.",
		}, []string{labelInterface, labelAddress, labelKind}),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total well-formed ARP frames received.",
		}, sessionLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total ARP frames dropped by the decoder.",
		}, []string{labelInterface, labelAddress, labelReason}),

		SendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "send_errors_total",
			Help:      "Total failed ARP frame transmissions.",
		}, sessionLabels),

		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "phase_transitions_total",
			Help:      "Total ACD session phase transitions.",
		}, []string{labelInterface, labelAddress, labelFromPhase, labelToPhase}),

		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total ACD events delivered (RFC 5227 Section 2.1 and 2.4).",
		}, []string{labelInterface, labelAddress, labelEvent}),

		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "restarts_total",
			Help:      "Total automatic session restarts.",
		}, []string{labelInterface, labelAddress, labelReason}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the sessions gauge for the given address.
// Called when the Manager creates a session.
func (c *Collector) RegisterSession(iface string, addr netip.Addr) {
	c.Sessions.WithLabelValues(iface, addr.String()).Inc()
}

// UnregisterSession decrements the sessions gauge for the given address.
// Called when the Manager destroys a session.
func (c *Collector) UnregisterSession(iface string, addr netip.Addr) {
	c.Sessions.WithLabelValues(iface, addr.String()).Dec()
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted frames counter for kind.
func (c *Collector) IncFramesSent(iface string, addr netip.Addr, kind string) {
	c.FramesSent.WithLabelValues(iface, addr.String(), kind).Inc()
}

// IncFramesReceived increments the received frames counter.
func (c *Collector) IncFramesReceived(iface string, addr netip.Addr) {
	c.FramesReceived.WithLabelValues(iface, addr.String()).Inc()
}

// IncFramesDropped increments the dropped frames counter for reason.
func (c *Collector) IncFramesDropped(iface string, addr netip.Addr, reason string) {
	c.FramesDropped.WithLabelValues(iface, addr.String(), reason).Inc()
}

// IncSendErrors increments the send error counter.
func (c *Collector) IncSendErrors(iface string, addr netip.Addr) {
	c.SendErrors.WithLabelValues(iface, addr.String()).Inc()
}

// -------------------------------------------------------------------------
// Phases, Events and Restarts
// -------------------------------------------------------------------------

// RecordPhaseTransition increments the phase transition counter with the
// old and new phase labels. A Defend->Announced transition after a
// successful defense is the usual alerting signal for a duplicate host.
func (c *Collector) RecordPhaseTransition(iface string, addr netip.Addr, from, to string) {
	c.PhaseTransitions.WithLabelValues(iface, addr.String(), from, to).Inc()
}

// IncEvents increments the event counter for the given event name.
func (c *Collector) IncEvents(iface string, addr netip.Addr, event string) {
	c.Events.WithLabelValues(iface, addr.String(), event).Inc()
}

// IncRestarts increments the restart counter for reason.
func (c *Collector) IncRestarts(iface string, addr netip.Addr, reason string) {
	c.Restarts.WithLabelValues(iface, addr.String(), reason).Inc()
}
