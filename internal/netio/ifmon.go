package netio

import (
	"context"
	"log/slog"
)

// -------------------------------------------------------------------------
// Interface Monitor — network interface state change detection
// -------------------------------------------------------------------------

// InterfaceEvent represents a network interface state change. The ACD
// manager stops sessions on an interface that goes down and probes again
// when it comes back.
type InterfaceEvent struct {
	// IfName is the network interface name (e.g., "eth0", "bond0").
	IfName string

	// IfIndex is the kernel interface index.
	IfIndex int

	// Up indicates whether the interface transitioned to Up (true) or
	// Down (false). This maps to IFF_UP | IFF_RUNNING in the kernel.
	Up bool
}

// InterfaceMonitor watches for network interface state changes and emits
// events when interfaces go up or down.
//
// Usage:
//
//	mon, err := netio.NewLinkMonitor(logger)
//	if err != nil {
//	    mon = netio.NewStubInterfaceMonitor(logger)
//	}
//	go func() {
//	    for ev := range mon.Events() {
//	        mgr.HandleLinkEvent(ev)
//	    }
//	}()
//	mon.Run(ctx) // blocks until ctx is cancelled
type InterfaceMonitor interface {
	// Run starts monitoring interface state changes. It blocks until ctx
	// is cancelled. Detected events are sent to the channel returned by
	// Events(). Run must be called at most once.
	Run(ctx context.Context) error

	// Events returns a read-only channel that receives interface state
	// change events. The channel is created at construction time and is
	// closed when Run returns.
	Events() <-chan InterfaceEvent

	// Close releases any resources held by the monitor. If Run is still
	// active, the caller should cancel the context first.
	Close() error
}

// eventsChSize buffers link events between the monitor and its consumer.
const eventsChSize = 16

// -------------------------------------------------------------------------
// StubInterfaceMonitor — no-op implementation
// -------------------------------------------------------------------------

// StubInterfaceMonitor is a no-op implementation of InterfaceMonitor that
// never emits events. It is used when no platform-specific monitor is
// available or when interface monitoring is disabled.
type StubInterfaceMonitor struct {
	events chan InterfaceEvent
	logger *slog.Logger
}

// NewStubInterfaceMonitor creates a no-op interface monitor.
func NewStubInterfaceMonitor(logger *slog.Logger) *StubInterfaceMonitor {
	return &StubInterfaceMonitor{
		events: make(chan InterfaceEvent, eventsChSize),
		logger: logger.With(slog.String("component", "ifmon.stub")),
	}
}

// Run blocks until ctx is cancelled, then closes the events channel.
func (m *StubInterfaceMonitor) Run(ctx context.Context) error {
	m.logger.Info("stub interface monitor started (no-op)")
	<-ctx.Done()
	close(m.events)
	m.logger.Info("stub interface monitor stopped")
	return nil
}

// Events returns the (always empty) event channel.
func (m *StubInterfaceMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close is a no-op for the stub monitor.
func (m *StubInterfaceMonitor) Close() error {
	return nil
}

// -------------------------------------------------------------------------
// Link state tracking
// -------------------------------------------------------------------------

// linkTracker suppresses RTM_NEWLINK messages that do not change the
// up/down state of an interface (address, MTU or flag changes).
type linkTracker struct {
	up map[int]bool
}

func newLinkTracker() *linkTracker {
	return &linkTracker{up: make(map[int]bool)}
}

// update records ev and reports whether it is a state transition. The
// first message seen for an index counts as a transition. A removed
// interface is forgotten.
func (t *linkTracker) update(ev InterfaceEvent, removed bool) bool {
	prev, known := t.up[ev.IfIndex]
	if removed {
		delete(t.up, ev.IfIndex)
	} else {
		t.up[ev.IfIndex] = ev.Up
	}
	return !known || prev != ev.Up
}
