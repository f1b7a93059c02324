package acd

import "net/netip"

// MetricsReporter receives protocol counters from sessions and the
// manager. Implemented by internal/metrics.Collector.
type MetricsReporter interface {
	RegisterSession(iface string, addr netip.Addr)
	UnregisterSession(iface string, addr netip.Addr)
	IncFramesSent(iface string, addr netip.Addr, kind string)
	IncFramesReceived(iface string, addr netip.Addr)
	IncFramesDropped(iface string, addr netip.Addr, reason string)
	IncSendErrors(iface string, addr netip.Addr)
	RecordPhaseTransition(iface string, addr netip.Addr, from, to string)
	IncEvents(iface string, addr netip.Addr, event string)
	IncRestarts(iface string, addr netip.Addr, reason string)
}

// noopMetrics is used when no collector is configured.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(string, netip.Addr)                       {}
func (noopMetrics) UnregisterSession(string, netip.Addr)                     {}
func (noopMetrics) IncFramesSent(string, netip.Addr, string)                 {}
func (noopMetrics) IncFramesReceived(string, netip.Addr)                     {}
func (noopMetrics) IncFramesDropped(string, netip.Addr, string)              {}
func (noopMetrics) IncSendErrors(string, netip.Addr)                         {}
func (noopMetrics) RecordPhaseTransition(string, netip.Addr, string, string) {}
func (noopMetrics) IncEvents(string, netip.Addr, string)                     {}
func (noopMetrics) IncRestarts(string, netip.Addr, string)                   {}
