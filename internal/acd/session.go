package acd

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// -------------------------------------------------------------------------
// Collaborators
// -------------------------------------------------------------------------

// PacketConn is a link-layer socket bound to one interface and filtered
// to the ARP ethertype. Writes go to the link-layer broadcast address.
type PacketConn interface {
	// ReadFrame reads one ARP payload into buf. It blocks until a frame
	// arrives or the connection is closed.
	ReadFrame(buf []byte) (int, error)

	// WriteFrame broadcasts one ARP payload.
	WriteFrame(buf []byte) error

	// Close releases the socket and unblocks a pending ReadFrame.
	Close() error
}

// ConnOpener opens a PacketConn on the interface with the given index.
type ConnOpener interface {
	Open(ifIndex int) (PacketConn, error)
}

// ConnOpenerFunc adapts a function to ConnOpener.
type ConnOpenerFunc func(ifIndex int) (PacketConn, error)

// Open implements ConnOpener.
func (f ConnOpenerFunc) Open(ifIndex int) (PacketConn, error) { return f(ifIndex) }

// HardwareAddrResolver returns the link-layer address of an interface.
type HardwareAddrResolver interface {
	HardwareAddr(ifIndex int) (net.HardwareAddr, error)
}

// HardwareAddrResolverFunc adapts a function to HardwareAddrResolver.
type HardwareAddrResolverFunc func(ifIndex int) (net.HardwareAddr, error)

// HardwareAddr implements HardwareAddrResolver.
func (f HardwareAddrResolverFunc) HardwareAddr(ifIndex int) (net.HardwareAddr, error) {
	return f(ifIndex)
}

// interfaceHardwareAddr is the default resolver.
func interfaceHardwareAddr(ifIndex int) (net.HardwareAddr, error) {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %d: %w", ifIndex, err)
	}
	return ifi.HardwareAddr, nil
}

// -------------------------------------------------------------------------
// Session Options — functional options pattern
// -------------------------------------------------------------------------

// SessionOption configures optional Session parameters.
type SessionOption func(*Session)

// WithConnOpener sets how the session opens its ARP socket.
func WithConnOpener(o ConnOpener) SessionOption {
	return func(s *Session) {
		if o != nil {
			s.opener = o
		}
	}
}

// WithHardwareAddrResolver overrides the interface MAC lookup.
func WithHardwareAddrResolver(r HardwareAddrResolver) SessionOption {
	return func(s *Session) {
		if r != nil {
			s.resolver = r
		}
	}
}

// WithHardwareAddr pre-seeds the cached hardware address so that Start
// does not resolve it.
func WithHardwareAddr(hw net.HardwareAddr) SessionOption {
	return func(s *Session) {
		if len(hw) == hwAddrLen {
			s.hwAddr = append(net.HardwareAddr(nil), hw...)
		}
	}
}

// WithRandom sets the random source for probe delays. Defaults to
// crypto/rand.
func WithRandom(r io.Reader) SessionOption {
	return func(s *Session) {
		if r != nil {
			s.rand = r
		}
	}
}

// WithLogger sets the session logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		if l != nil {
			s.baseLogger = l
		}
	}
}

// WithMetrics attaches a MetricsReporter to the session. If mr is nil,
// the default no-op reporter is used.
func WithMetrics(mr MetricsReporter) SessionOption {
	return func(s *Session) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithInterfaceName sets the interface name used in logs and metric
// labels. Defaults to the decimal interface index.
func WithInterfaceName(name string) SessionOption {
	return func(s *Session) {
		if name != "" {
			s.ifName = name
		}
	}
}

// -------------------------------------------------------------------------
// Session Errors
// -------------------------------------------------------------------------

// Sentinel errors returned by Start.
var (
	// ErrNilSession indicates Start was called on a nil session.
	ErrNilSession = errors.New("nil acd session")

	// ErrInvalidAddress indicates the address is not a usable IPv4 address.
	ErrInvalidAddress = errors.New("invalid ipv4 address")

	// ErrAlreadyStarted indicates Start was called on an active session.
	ErrAlreadyStarted = errors.New("acd session already started")

	// ErrOpenSocket indicates the ARP socket could not be opened or bound.
	ErrOpenSocket = errors.New("open arp socket")

	// ErrHardwareAddr indicates the interface hardware address could not
	// be resolved or is not an Ethernet address.
	ErrHardwareAddr = errors.New("resolve hardware address")

	// errNoOpener is wrapped by ErrOpenSocket when no ConnOpener is set.
	errNoOpener = errors.New("no connection opener configured")
)

// -------------------------------------------------------------------------
// Session Constants
// -------------------------------------------------------------------------

const (
	// framesChSize buffers frames between the reader and the session loop.
	framesChSize = 16

	// readBufSize leaves room for link-layer padding after the payload.
	readBufSize = 128
)

// Frame kinds used in logs and metric labels.
const (
	kindProbe    = "probe"
	kindAnnounce = "announce"
	kindDefend   = "defend"
)

// -------------------------------------------------------------------------
// Session — one monitored interface+address pair
// -------------------------------------------------------------------------

// Session runs RFC 5227 address conflict detection for one IPv4 address
// on one interface.
//
// A new session is dormant. Start opens the socket and begins probing;
// Stop returns it to dormant and may be followed by another Start. Each
// Start spawns a run: a loop goroutine that owns the phase, the retry
// counters and the single timer, plus a reader goroutine that feeds
// inbound frames to the loop. Handlers are invoked on the loop
// goroutine without internal locks held.
type Session struct {
	ifIndex int
	ifName  string

	opener   ConnOpener
	resolver HardwareAddrResolver
	rand     io.Reader
	metrics  MetricsReporter

	baseLogger *slog.Logger
	logger     *slog.Logger

	mu sync.Mutex

	// hwAddr is resolved on the first Start and cached.
	hwAddr net.HardwareAddr

	// run is the active run, nil while dormant.
	run *run

	onEvent      EventHandler
	eventDestroy func()
	onDebug      DebugHandler
	debugDestroy func()

	// Lifetime counters. Atomic for external reads.
	probesSent     atomic.Uint64
	announcesSent  atomic.Uint64
	defendsSent    atomic.Uint64
	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	conflicts      atomic.Uint64

	lastEvent   atomic.Uint32
	lastEventAt atomic.Int64
}

// run holds the state of one Start..Stop cycle.
type run struct {
	addr netip.Addr
	hw   net.HardwareAddr
	conn PacketConn

	logger *slog.Logger

	frames chan []byte
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once

	// phase is written by the loop goroutine, read by snapshots.
	phase atomic.Uint32

	// dispatching counts handler calls in flight for this run. Stop
	// skips waiting for the loop while it is non-zero.
	dispatching atomic.Int32

	// Loop-owned.
	timer         phaseTimer
	probesSent    int
	announcesSent int
}

// NewSession creates a dormant session for the interface. No I/O is
// performed until Start.
func NewSession(ifIndex int, opts ...SessionOption) *Session {
	s := &Session{
		ifIndex:    ifIndex,
		ifName:     strconv.Itoa(ifIndex),
		resolver:   HardwareAddrResolverFunc(interfaceHardwareAddr),
		rand:       rand.Reader,
		metrics:    noopMetrics{},
		baseLogger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.baseLogger.With(
		slog.String("component", "acd.session"),
		slog.String("interface", s.ifName),
		slog.Int("ifindex", s.ifIndex),
	)
	return s
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Start begins conflict detection for ip. On error the session is left
// unchanged and nothing is leaked. On success the session is in
// PhaseProbe with the first probe armed within [0, ProbeWait).
func (s *Session) Start(ip string) error {
	if s == nil {
		return ErrNilSession
	}

	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() || addr.IsUnspecified() {
		return fmt.Errorf("start acd for %q: %w", ip, ErrInvalidAddress)
	}

	r, delay, err := s.startRun(addr)
	if err != nil {
		return fmt.Errorf("start acd for %s: %w", addr, err)
	}

	r.logger.Info("acd session started",
		slog.String("hw_addr", r.hw.String()),
		slog.Duration("probe_delay", delay),
	)
	s.debugf(r, "probing in %s", delay)

	return nil
}

// startRun opens the socket, resolves the hardware address if needed and
// launches the run goroutines.
func (s *Session) startRun(addr netip.Addr) (*run, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.run != nil {
		return nil, 0, ErrAlreadyStarted
	}
	if s.opener == nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrOpenSocket, errNoOpener)
	}

	conn, err := s.opener.Open(s.ifIndex)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", ErrOpenSocket, err)
	}

	if len(s.hwAddr) == 0 {
		hw, rErr := s.resolver.HardwareAddr(s.ifIndex)
		if rErr == nil && len(hw) != hwAddrLen {
			rErr = fmt.Errorf("%d-byte address %q", len(hw), hw)
		}
		if rErr != nil {
			_ = conn.Close()
			return nil, 0, fmt.Errorf("%w: %w", ErrHardwareAddr, rErr)
		}
		s.hwAddr = append(net.HardwareAddr(nil), hw...)
	}

	r := &run{
		addr:   addr,
		hw:     s.hwAddr,
		conn:   conn,
		logger: s.logger.With(slog.String("address", addr.String())),
		frames: make(chan []byte, framesChSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.phase.Store(uint32(PhaseProbe))

	delay := s.randomDelay(r, ProbeWait)
	r.timer.arm(delay, InputProbeTimer)

	s.run = r

	go s.readLoop(r)
	go s.loop(r)

	return r, delay, nil
}

// Stop cancels the timer and closes the socket. It is idempotent and may
// be called from an event or debug handler. With no handler in flight it
// waits for the session loop to exit, so no handler runs after it
// returns. Otherwise it returns at once: the handler already in flight
// completes and the loop exits after its current step.
func (s *Session) Stop() {
	if s == nil {
		return
	}

	s.mu.Lock()
	r := s.run
	s.run = nil
	s.mu.Unlock()

	if r == nil {
		return
	}

	r.stop()
	if r.dispatching.Load() == 0 {
		<-r.done
	}

	r.logger.Info("acd session stopped")
}

// Destroy stops the session and runs the event and debug destroy hooks.
// As with Stop, a handler already in flight may still be running when the
// hooks run. A nil session is a no-op.
func (s *Session) Destroy() {
	if s == nil {
		return
	}

	s.Stop()

	s.mu.Lock()
	eventDestroy, debugDestroy := s.eventDestroy, s.debugDestroy
	s.onEvent, s.eventDestroy = nil, nil
	s.onDebug, s.debugDestroy = nil, nil
	s.mu.Unlock()

	if eventDestroy != nil {
		eventDestroy()
	}
	if debugDestroy != nil {
		debugDestroy()
	}
}

// SetEventHandler replaces the event handler. The destroy hook of the
// previous handler, if any, runs before SetEventHandler returns. destroy
// runs when the handler is replaced again or the session is destroyed,
// never on Stop.
func (s *Session) SetEventHandler(h EventHandler, destroy func()) {
	s.mu.Lock()
	prev := s.eventDestroy
	s.onEvent, s.eventDestroy = h, destroy
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// SetDebugHandler replaces the debug handler, with the same destroy
// semantics as SetEventHandler.
func (s *Session) SetDebugHandler(h DebugHandler, destroy func()) {
	s.mu.Lock()
	prev := s.debugDestroy
	s.onDebug, s.debugDestroy = h, destroy
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
}

// stop closes the run exactly once.
func (r *run) stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if err := r.conn.Close(); err != nil {
			r.logger.Debug("close arp socket", slog.String("error", err.Error()))
		}
	})
}

func (r *run) stopped() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// IfIndex returns the interface index.
func (s *Session) IfIndex() int { return s.ifIndex }

// InterfaceName returns the interface name used for logging.
func (s *Session) InterfaceName() string { return s.ifName }

// active returns the current run, or nil.
func (s *Session) active() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Active reports whether the session has been started and not stopped.
func (s *Session) Active() bool { return s.active() != nil }

// Phase returns the current phase, or PhaseIdle while dormant.
func (s *Session) Phase() Phase {
	if r := s.active(); r != nil {
		return Phase(r.phase.Load())
	}
	return PhaseIdle
}

// Address returns the monitored address. It is the zero Addr while
// dormant.
func (s *Session) Address() netip.Addr {
	if r := s.active(); r != nil {
		return r.addr
	}
	return netip.Addr{}
}

// HardwareAddr returns the cached interface hardware address, or nil if
// it has not been resolved yet.
func (s *Session) HardwareAddr() net.HardwareAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(net.HardwareAddr(nil), s.hwAddr...)
}

// ProbesSent returns the number of probes sent over the session lifetime.
func (s *Session) ProbesSent() uint64 { return s.probesSent.Load() }

// AnnouncesSent returns the number of announcements sent over the
// session lifetime. Defend frames are not included.
func (s *Session) AnnouncesSent() uint64 { return s.announcesSent.Load() }

// DefendsSent returns the number of defend frames sent.
func (s *Session) DefendsSent() uint64 { return s.defendsSent.Load() }

// FramesReceived returns the number of well-formed ARP frames received.
func (s *Session) FramesReceived() uint64 { return s.framesReceived.Load() }

// FramesDropped returns the number of malformed frames discarded.
func (s *Session) FramesDropped() uint64 { return s.framesDropped.Load() }

// Conflicts returns the number of CONFLICT and LOST events delivered.
func (s *Session) Conflicts() uint64 { return s.conflicts.Load() }

// LastEvent returns the most recent event and when it was delivered. The
// event is zero if none has been delivered.
func (s *Session) LastEvent() (Event, time.Time) {
	ns := s.lastEventAt.Load()
	if ns == 0 {
		return 0, time.Time{}
	}
	return Event(s.lastEvent.Load()), time.Unix(0, ns)
}

// -------------------------------------------------------------------------
// Run Loop
// -------------------------------------------------------------------------

// readLoop delivers inbound frames to the loop until the socket closes.
func (s *Session) readLoop(r *run) {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.conn.ReadFrame(buf)
		if err != nil {
			if !r.stopped() {
				r.logger.Warn("read arp frame failed, no longer monitoring",
					slog.String("error", err.Error()),
				)
				s.debugf(r, "read failed: %v", err)
			}
			return
		}

		frame := append([]byte(nil), buf[:n]...)
		select {
		case r.frames <- frame:
		case <-r.stopCh:
			return
		}
	}
}

// loop is the session event loop. It owns the timer and the counters.
func (s *Session) loop(r *run) {
	defer close(r.done)
	defer r.timer.cancel()

	for {
		select {
		case <-r.stopCh:
			return

		case data := <-r.frames:
			s.handleFrame(r, data)

		case <-r.timer.C():
			s.apply(r, r.timer.fired())
		}

		if r.stopped() {
			return
		}
	}
}

// handleFrame parses, filters and classifies one inbound frame.
func (s *Session) handleFrame(r *run, data []byte) {
	f, err := ParseFrame(data)
	if err != nil {
		s.framesDropped.Add(1)
		s.metrics.IncFramesDropped(s.ifName, r.addr, dropReason(err))
		r.logger.Debug("dropped arp frame", slog.String("error", err.Error()))
		return
	}

	s.framesReceived.Add(1)
	s.metrics.IncFramesReceived(s.ifName, r.addr)

	c := Classify(f, r.hw, r.addr)
	if c.SelfOrigin {
		return
	}

	in, ok := c.Input()
	if !ok {
		s.debugf(r, "no target or source conflict detected for %s", r.addr)
		return
	}

	s.debugf(r, "%s from %s (%s) for %s", in, f.SenderHW, f.SenderIP, r.addr)
	s.apply(r, in)
}

// dropReason maps a ParseFrame error to a metric label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrFrameTooShort):
		return "short"
	case errors.Is(err, ErrFrameOpcode):
		return "opcode"
	default:
		return "malformed"
	}
}

// apply runs the FSM for one input and executes the resulting actions.
func (s *Session) apply(r *run, in Input) {
	old := Phase(r.phase.Load())
	result := ApplyInput(old, in)

	if result.Changed {
		r.phase.Store(uint32(result.NewPhase))
		s.metrics.RecordPhaseTransition(s.ifName, r.addr,
			result.OldPhase.String(), result.NewPhase.String())
		r.logger.Info("acd phase changed",
			slog.String("old_phase", result.OldPhase.String()),
			slog.String("new_phase", result.NewPhase.String()),
			slog.String("input", in.String()),
		)
	}

	for _, action := range result.Actions {
		if r.stopped() {
			return
		}
		if !s.executeAction(r, action) {
			return
		}
	}
}

// executeAction performs one FSM action. It returns false when the rest
// of the transition must be abandoned.
func (s *Session) executeAction(r *run, action Action) bool {
	switch action {
	case ActionSendProbe:
		if !s.send(r, NewProbe(r.hw, r.addr), kindProbe) {
			return false
		}
		r.probesSent++
		s.probesSent.Add(1)

	case ActionArmNextProbe:
		if r.probesSent < ProbeNum {
			lo, hi := ProbeDelayRange(r.probesSent)
			d := lo + s.randomDelay(r, hi-lo)
			r.timer.arm(d, InputProbeTimer)
			s.debugf(r, "next probe in %s", d)
		} else {
			r.timer.arm(AnnounceWait, InputAnnounceTimer)
			s.debugf(r, "announcing in %s", AnnounceWait)
		}

	case ActionSendAnnounce:
		if r.announcesSent >= AnnounceNum {
			return false
		}
		if !s.send(r, NewAnnouncement(r.hw, r.addr), kindAnnounce) {
			return false
		}
		r.announcesSent++
		s.announcesSent.Add(1)

	case ActionArmNextAnnounce:
		if r.announcesSent < AnnounceNum {
			r.timer.arm(AnnounceInterval, InputAnnounceTimer)
		}

	case ActionSendDefend:
		// A failed defend still arms the defend interval.
		if s.send(r, NewAnnouncement(r.hw, r.addr), kindDefend) {
			s.defendsSent.Add(1)
		}
		s.debugf(r, "defending %s", r.addr)

	case ActionArmDefend:
		r.timer.arm(DefendInterval, InputDefendTimer)

	case ActionCancelTimer:
		r.timer.cancel()

	case ActionNotifyAvailable:
		s.notify(r, EventAvailable)

	case ActionNotifyConflict:
		s.notify(r, EventConflict)

	case ActionNotifyLost:
		s.notify(r, EventLost)

	case ActionStop:
		s.finish(r)

	default:
		r.logger.Warn("unknown FSM action", slog.Int("action", int(action)))
	}

	return true
}

// send encodes and broadcasts f. Failures are logged and reported as
// false; the caller decides whether the phase stalls.
func (s *Session) send(r *run, f Frame, kind string) bool {
	buf, err := MarshalFrame(f)
	if err == nil {
		err = r.conn.WriteFrame(buf)
	}
	if err != nil {
		s.metrics.IncSendErrors(s.ifName, r.addr)
		r.logger.Debug("send arp frame failed",
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		s.debugf(r, "failed to send %s: %v", kind, err)
		return false
	}

	s.metrics.IncFramesSent(s.ifName, r.addr, kind)
	return true
}

// notify delivers ev to the event handler on the loop goroutine.
func (s *Session) notify(r *run, ev Event) {
	s.lastEvent.Store(uint32(ev))
	s.lastEventAt.Store(time.Now().UnixNano())
	if ev != EventAvailable {
		s.conflicts.Add(1)
	}
	s.metrics.IncEvents(s.ifName, r.addr, ev.String())

	r.logger.Info("acd event", slog.String("event", ev.String()))

	s.mu.Lock()
	h := s.onEvent
	s.mu.Unlock()

	if h == nil {
		return
	}

	r.dispatch(func() { h(ev) })
}

// dispatch invokes a handler. Stop called from inside fn must not wait
// for the loop that is running fn.
func (r *run) dispatch(fn func()) {
	r.dispatching.Add(1)
	defer r.dispatching.Add(-1)
	fn()
}

// finish ends run r from inside its own loop. A run started by an event
// handler in the meantime is left alone.
func (s *Session) finish(r *run) {
	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	r.stop()
	r.logger.Info("acd session stopped")
}

// randomDelay draws a delay in [0, limit). If the random source fails the
// session falls back to math/rand.
func (s *Session) randomDelay(r *run, limit time.Duration) time.Duration {
	d, err := RandomDelay(s.rand, limit)
	if err == nil {
		return d
	}

	r.logger.Warn("random source failed, using math/rand",
		slog.String("error", err.Error()),
	)
	ms := int64(limit / time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return time.Duration(mrand.Int64N(ms)) * time.Millisecond
}

// debugf formats a diagnostic for the debug handler.
func (s *Session) debugf(r *run, format string, args ...any) {
	s.mu.Lock()
	h := s.onDebug
	s.mu.Unlock()

	if h == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if r == nil {
		h(msg)
		return
	}
	r.dispatch(func() { h(r.addr.String() + ": " + msg) })
}
