package acd

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/dantte-lp/goacd/internal/netio"
)

// -------------------------------------------------------------------------
// Manager Errors
// -------------------------------------------------------------------------

// Sentinel errors for Manager operations.
var (
	// ErrSessionNotFound indicates no session exists for the given key.
	ErrSessionNotFound = errors.New("session not found")

	// ErrDuplicateSession indicates a session already exists for the
	// interface and address.
	ErrDuplicateSession = errors.New("duplicate session for interface and address")

	// ErrInvalidInterface indicates an empty or unknown interface name.
	ErrInvalidInterface = errors.New("invalid interface")

	// ErrManagerClosed indicates the manager no longer accepts sessions.
	ErrManagerClosed = errors.New("manager closed")
)

// createSessionErrPrefix is the common error prefix for session creation failures.
const createSessionErrPrefix = "create session"

// Restart reasons used in logs and metric labels.
const (
	restartConflict = "conflict"
	restartLost     = "lost"
	restartLinkUp   = "link_up"
)

const (
	// notifyChSize is the buffer size for the aggregated event channels.
	notifyChSize = 64
)

// -------------------------------------------------------------------------
// Configuration and snapshots
// -------------------------------------------------------------------------

// SessionConfig identifies one monitored address.
type SessionConfig struct {
	// Interface is the network interface name (e.g. "eth0").
	Interface string

	// Address is the IPv4 address to claim and defend.
	Address netip.Addr
}

// Key returns the string used to identify the session in the manager,
// in logs and in the HTTP API: "interface|address".
func (c SessionConfig) Key() string {
	return c.Interface + "|" + c.Address.String()
}

// StateChange is an event delivered by a managed session.
type StateChange struct {
	Key       string
	Interface string
	IfIndex   int
	Address   netip.Addr
	Event     Event

	// Conflicts is the number of consecutive conflicts for this key. It
	// resets when the address becomes available.
	Conflicts int

	// RestartIn is the delay before probing restarts. Zero when no restart
	// is scheduled.
	RestartIn time.Duration

	Timestamp time.Time
}

// SessionCounters holds per-session counter snapshots.
type SessionCounters struct {
	ProbesSent     uint64
	AnnouncesSent  uint64
	DefendsSent    uint64
	FramesReceived uint64
	FramesDropped  uint64
	Conflicts      uint64
}

// SessionSnapshot is a point-in-time copy of a managed session.
type SessionSnapshot struct {
	Key          string
	Interface    string
	IfIndex      int
	Address      netip.Addr
	HardwareAddr net.HardwareAddr
	Phase        Phase
	Active       bool
	LinkDown     bool
	LastEvent    Event
	LastEventAt  time.Time
	Counters     SessionCounters
}

// -------------------------------------------------------------------------
// Retry Policy — RFC 5227 Section 2.1.1
// -------------------------------------------------------------------------

// RetryPolicy decides when a session is probed again after it gave up
// the address.
type RetryPolicy struct {
	// MaxConflicts is the number of consecutive conflicts after which
	// restarts are rate limited. Zero disables rate limiting.
	MaxConflicts int

	// RateLimitInterval is the minimum delay between restarts once
	// MaxConflicts is reached.
	RateLimitInterval time.Duration

	// RestartDelay is the delay before probing restarts after a conflict.
	RestartDelay time.Duration

	// RestartOnLost restarts probing after LOST. When false a lost
	// address stays released until the link flaps or the config reloads.
	RestartOnLost bool
}

// DefaultRetryPolicy returns the RFC 5227 limits with a one second
// restart delay.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxConflicts:      MaxConflicts,
		RateLimitInterval: RateLimitInterval,
		RestartDelay:      time.Second,
	}
}

// NextDelay returns the delay before the next attempt, given the number
// of consecutive conflicts including the one that just happened.
func (p RetryPolicy) NextDelay(conflicts int) time.Duration {
	d := max(p.RestartDelay, 0)
	if p.MaxConflicts > 0 && conflicts >= p.MaxConflicts {
		d = max(d, p.RateLimitInterval)
	}
	return d
}

// -------------------------------------------------------------------------
// Manager
// -------------------------------------------------------------------------

// InterfaceIndexer resolves an interface name to its kernel index.
type InterfaceIndexer func(name string) (int, error)

// interfaceIndex is the default InterfaceIndexer.
func interfaceIndex(name string) (int, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return 0, err
	}
	return ifi.Index, nil
}

// Manager owns one Session per configured (interface, address) pair,
// restarts sessions according to its RetryPolicy and follows link state.
type Manager struct {
	sessions map[string]*sessionEntry
	closed   bool

	mu sync.RWMutex

	policy      RetryPolicy
	indexer     InterfaceIndexer
	sessionOpts []SessionOption

	// metrics is never nil; noopMetrics when no collector is configured.
	metrics MetricsReporter

	// rawNotifyCh receives events from session goroutines. RunDispatch
	// forwards them to publicNotifyCh.
	rawNotifyCh    chan StateChange
	publicNotifyCh chan StateChange

	baseLogger *slog.Logger
	logger     *slog.Logger
}

// sessionEntry holds a managed session.
//
// opMu serializes Start/Stop/Destroy issued by the manager. It is never
// taken by the session event handler, so holders may wait for a run to
// exit. mu guards the remaining fields and is never held across a call
// that waits for the session.
type sessionEntry struct {
	cfg SessionConfig

	opMu sync.Mutex

	mu        sync.Mutex
	session   *Session
	ifIndex   int
	conflicts int
	restart   *time.Timer
	linkDown  bool
	closed    bool
}

// ManagerOption configures optional Manager parameters.
type ManagerOption func(*Manager)

// WithManagerMetrics sets the MetricsReporter for the manager and all
// sessions it creates. If mr is nil, a no-op reporter is used.
func WithManagerMetrics(mr MetricsReporter) ManagerOption {
	return func(m *Manager) {
		if mr != nil {
			m.metrics = mr
		}
	}
}

// WithRetryPolicy sets the restart policy. Defaults to DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithSessionOptions appends options applied to every session the
// manager creates, after the manager's own logger, metrics and
// interface name.
func WithSessionOptions(opts ...SessionOption) ManagerOption {
	return func(m *Manager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// WithInterfaceIndexer overrides the interface name lookup.
func WithInterfaceIndexer(fn InterfaceIndexer) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.indexer = fn
		}
	}
}

// NewManager creates a session manager.
func NewManager(logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		sessions:       make(map[string]*sessionEntry),
		policy:         DefaultRetryPolicy(),
		indexer:        interfaceIndex,
		metrics:        noopMetrics{},
		rawNotifyCh:    make(chan StateChange, notifyChSize),
		publicNotifyCh: make(chan StateChange, notifyChSize),
		baseLogger:     logger,
		logger:         logger.With(slog.String("component", "acd.manager")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// -------------------------------------------------------------------------
// Session CRUD
// -------------------------------------------------------------------------

// CreateSession resolves the interface, creates a session for cfg and
// starts probing. The session is only registered if Start succeeds.
func (m *Manager) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", createSessionErrPrefix, err)
	}
	if cfg.Interface == "" {
		return nil, fmt.Errorf("%s: empty name: %w", createSessionErrPrefix, ErrInvalidInterface)
	}
	if !cfg.Address.Is4() || cfg.Address.IsUnspecified() {
		return nil, fmt.Errorf("%s %s: %w", createSessionErrPrefix, cfg.Address, ErrInvalidAddress)
	}

	ifIndex, err := m.indexer(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w: %w", createSessionErrPrefix, cfg.Interface, ErrInvalidInterface, err)
	}

	key := cfg.Key()
	entry := &sessionEntry{cfg: cfg, ifIndex: ifIndex}
	entry.session = m.newSession(entry, ifIndex)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", createSessionErrPrefix, key, ErrManagerClosed)
	}
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%s %s: %w", createSessionErrPrefix, key, ErrDuplicateSession)
	}
	m.sessions[key] = entry
	m.mu.Unlock()

	entry.opMu.Lock()
	err = entry.session.Start(cfg.Address.String())
	entry.opMu.Unlock()

	if err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		entry.session.Destroy()
		return nil, fmt.Errorf("%s %s: %w", createSessionErrPrefix, key, err)
	}

	m.metrics.RegisterSession(cfg.Interface, cfg.Address)

	m.logger.Info("session created",
		slog.String("interface", cfg.Interface),
		slog.Int("ifindex", ifIndex),
		slog.String("address", cfg.Address.String()),
	)

	return entry.session, nil
}

// newSession builds a session whose events flow into the manager.
func (m *Manager) newSession(entry *sessionEntry, ifIndex int) *Session {
	opts := make([]SessionOption, 0, 3+len(m.sessionOpts))
	opts = append(opts,
		WithLogger(m.baseLogger),
		WithMetrics(m.metrics),
		WithInterfaceName(entry.cfg.Interface),
	)
	opts = append(opts, m.sessionOpts...)

	s := NewSession(ifIndex, opts...)
	s.SetEventHandler(func(ev Event) { m.handleEvent(entry, ev) }, nil)

	if m.logger.Enabled(context.Background(), slog.LevelDebug) {
		key := entry.cfg.Key()
		s.SetDebugHandler(func(msg string) {
			m.logger.Debug(msg, slog.String("key", key))
		}, nil)
	}

	return s
}

// DestroySession stops and removes the session identified by key.
// A pending restart is cancelled.
func (m *Manager) DestroySession(key string) error {
	m.mu.Lock()
	entry, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("destroy session %s: %w", key, ErrSessionNotFound)
	}

	m.destroyEntry(entry)

	m.logger.Info("session destroyed", slog.String("key", key))

	return nil
}

// destroyEntry marks entry closed and destroys its session. The entry
// must already be removed from the map.
func (m *Manager) destroyEntry(entry *sessionEntry) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	entry.closed = true
	if entry.restart != nil {
		entry.restart.Stop()
		entry.restart = nil
	}
	sess := entry.session
	entry.mu.Unlock()

	sess.Destroy()
	m.metrics.UnregisterSession(entry.cfg.Interface, entry.cfg.Address)
}

// Lookup returns the session for key.
func (m *Manager) Lookup(key string) (*Session, bool) {
	m.mu.RLock()
	entry, ok := m.sessions[key]
	m.mu.RUnlock()

	if !ok {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.session, true
}

// Sessions returns a snapshot of all managed sessions, sorted by key.
func (m *Manager) Sessions() []SessionSnapshot {
	m.mu.RLock()
	entries := make([]*sessionEntry, 0, len(m.sessions))
	for _, entry := range m.sessions {
		entries = append(entries, entry)
	}
	m.mu.RUnlock()

	snapshots := make([]SessionSnapshot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		s, linkDown, ifIndex := entry.session, entry.linkDown, entry.ifIndex
		entry.mu.Unlock()

		ev, at := s.LastEvent()
		snapshots = append(snapshots, SessionSnapshot{
			Key:          entry.cfg.Key(),
			Interface:    entry.cfg.Interface,
			IfIndex:      ifIndex,
			Address:      entry.cfg.Address,
			HardwareAddr: s.HardwareAddr(),
			Phase:        s.Phase(),
			Active:       s.Active(),
			LinkDown:     linkDown,
			LastEvent:    ev,
			LastEventAt:  at,
			Counters: SessionCounters{
				ProbesSent:     s.ProbesSent(),
				AnnouncesSent:  s.AnnouncesSent(),
				DefendsSent:    s.DefendsSent(),
				FramesReceived: s.FramesReceived(),
				FramesDropped:  s.FramesDropped(),
				Conflicts:      s.Conflicts(),
			},
		})
	}

	slices.SortFunc(snapshots, func(a, b SessionSnapshot) int {
		return cmp.Compare(a.Key, b.Key)
	})

	return snapshots
}

// -------------------------------------------------------------------------
// Events and restarts
// -------------------------------------------------------------------------

// Events returns a read-only channel of session events. The channel is
// fed by RunDispatch; events are dropped with a warning when the
// consumer falls behind.
func (m *Manager) Events() <-chan StateChange {
	return m.publicNotifyCh
}

// handleEvent runs on the session goroutine. It updates the conflict
// count, schedules a restart if the policy asks for one and queues the
// event for RunDispatch.
func (m *Manager) handleEvent(entry *sessionEntry, ev Event) {
	entry.mu.Lock()
	switch ev {
	case EventAvailable:
		entry.conflicts = 0
	case EventConflict, EventLost:
		entry.conflicts++
	}

	sc := StateChange{
		Key:       entry.cfg.Key(),
		Interface: entry.cfg.Interface,
		IfIndex:   entry.ifIndex,
		Address:   entry.cfg.Address,
		Event:     ev,
		Conflicts: entry.conflicts,
		Timestamp: time.Now(),
	}

	reason := restartReason(ev, m.policy)
	if reason != "" && !entry.closed && !entry.linkDown {
		delay := m.policy.NextDelay(entry.conflicts)
		if entry.restart != nil {
			entry.restart.Stop()
		}
		entry.restart = time.AfterFunc(delay, func() { m.restartSession(entry, reason) })
		sc.RestartIn = delay
	}
	entry.mu.Unlock()

	if sc.RestartIn > 0 && sc.Conflicts >= m.policy.MaxConflicts && m.policy.MaxConflicts > 0 {
		m.logger.Warn("conflict limit reached, rate limiting restarts",
			slog.String("key", sc.Key),
			slog.Int("conflicts", sc.Conflicts),
			slog.Duration("restart_in", sc.RestartIn),
		)
	}

	select {
	case m.rawNotifyCh <- sc:
	default:
		m.logger.Warn("notification channel full, dropping event",
			slog.String("key", sc.Key),
			slog.String("event", ev.String()),
		)
	}
}

// restartReason returns the restart reason for ev, or "" when the policy
// does not restart after it.
func restartReason(ev Event, p RetryPolicy) string {
	switch ev {
	case EventConflict:
		return restartConflict
	case EventLost:
		if p.RestartOnLost {
			return restartLost
		}
	}
	return ""
}

// restartSession probes the entry's address again. Runs on a timer
// goroutine.
func (m *Manager) restartSession(entry *sessionEntry, reason string) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	entry.restart = nil
	skip := entry.closed || entry.linkDown
	sess := entry.session
	entry.mu.Unlock()

	if skip {
		return
	}

	// The run that reported the event may not have detached yet.
	sess.Stop()

	if err := sess.Start(entry.cfg.Address.String()); err != nil {
		m.logger.Warn("restart session failed",
			slog.String("key", entry.cfg.Key()),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}

	m.metrics.IncRestarts(entry.cfg.Interface, entry.cfg.Address, reason)
	m.logger.Info("session restarted",
		slog.String("key", entry.cfg.Key()),
		slog.String("reason", reason),
	)
}

// RunDispatch forwards session events to the channel returned by Events.
// It must be running for events to reach consumers. Blocks until ctx is
// cancelled.
func (m *Manager) RunDispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc := <-m.rawNotifyCh:
			select {
			case m.publicNotifyCh <- sc:
			default:
				m.logger.Warn("public notification channel full, dropping event",
					slog.String("key", sc.Key),
					slog.String("event", sc.Event.String()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// Link events
// -------------------------------------------------------------------------

// HandleLinkEvent stops the sessions on an interface that went down and
// restarts probing on an interface that came back up. If the interface
// was recreated with a new index the sessions are rebuilt on it.
func (m *Manager) HandleLinkEvent(ev netio.InterfaceEvent) {
	m.mu.RLock()
	var entries []*sessionEntry
	for _, entry := range m.sessions {
		if entry.cfg.Interface == ev.IfName {
			entries = append(entries, entry)
		}
	}
	m.mu.RUnlock()

	for _, entry := range entries {
		if ev.Up {
			m.linkUp(entry, ev.IfIndex)
		} else {
			m.linkDown(entry)
		}
	}
}

func (m *Manager) linkDown(entry *sessionEntry) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	if entry.closed || entry.linkDown {
		entry.mu.Unlock()
		return
	}
	entry.linkDown = true
	if entry.restart != nil {
		entry.restart.Stop()
		entry.restart = nil
	}
	sess := entry.session
	entry.mu.Unlock()

	sess.Stop()

	m.logger.Info("link down, session stopped", slog.String("key", entry.cfg.Key()))
}

func (m *Manager) linkUp(entry *sessionEntry, ifIndex int) {
	entry.opMu.Lock()
	defer entry.opMu.Unlock()

	entry.mu.Lock()
	if entry.closed {
		entry.mu.Unlock()
		return
	}
	wasDown := entry.linkDown
	entry.linkDown = false
	sess := entry.session
	oldIndex := entry.ifIndex
	entry.mu.Unlock()

	if !wasDown {
		return
	}

	if ifIndex > 0 && ifIndex != oldIndex {
		sess.Destroy()
		sess = m.newSession(entry, ifIndex)

		entry.mu.Lock()
		entry.session = sess
		entry.ifIndex = ifIndex
		entry.mu.Unlock()

		m.logger.Info("interface index changed, session rebuilt",
			slog.String("key", entry.cfg.Key()),
			slog.Int("old_ifindex", oldIndex),
			slog.Int("new_ifindex", ifIndex),
		)
	}

	if err := sess.Start(entry.cfg.Address.String()); err != nil {
		m.logger.Warn("restart session on link up failed",
			slog.String("key", entry.cfg.Key()),
			slog.String("error", err.Error()),
		)
		return
	}

	m.metrics.IncRestarts(entry.cfg.Interface, entry.cfg.Address, restartLinkUp)
	m.logger.Info("link up, session restarted", slog.String("key", entry.cfg.Key()))
}

// -------------------------------------------------------------------------
// Session Reconciliation — SIGHUP reload
// -------------------------------------------------------------------------

// ReconcileSessions diffs the desired set against the current sessions.
// Missing sessions are created and sessions no longer desired are
// destroyed. Existing sessions are left untouched.
//
// Returns the number of sessions created and destroyed. Partial failures
// are accumulated; reconciliation continues for all sessions.
func (m *Manager) ReconcileSessions(
	ctx context.Context,
	desired []SessionConfig,
) (int, int, error) {
	desiredKeys := make(map[string]SessionConfig, len(desired))
	for _, cfg := range desired {
		desiredKeys[cfg.Key()] = cfg
	}

	currentKeys := m.sessionKeySet()

	var created, destroyed int
	var errs []error
	for key := range currentKeys {
		if _, want := desiredKeys[key]; want {
			continue
		}

		m.logger.Info("reconcile: destroying removed session", slog.String("key", key))

		if err := m.DestroySession(key); err != nil {
			errs = append(errs, fmt.Errorf("reconcile destroy %s: %w", key, err))
			continue
		}

		destroyed++
	}

	for key, cfg := range desiredKeys {
		if _, exists := currentKeys[key]; exists {
			continue
		}

		m.logger.Info("reconcile: creating new session", slog.String("key", key))

		if _, err := m.CreateSession(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("reconcile create %s: %w", key, err))
			continue
		}

		created++
	}

	m.logger.Info("session reconciliation complete",
		slog.Int("created", created),
		slog.Int("destroyed", destroyed),
	)

	return created, destroyed, errors.Join(errs...)
}

// sessionKeySet returns the keys of all managed sessions.
func (m *Manager) sessionKeySet() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make(map[string]struct{}, len(m.sessions))
	for key := range m.sessions {
		keys[key] = struct{}{}
	}
	return keys
}

// -------------------------------------------------------------------------
// Lifecycle
// -------------------------------------------------------------------------

// Close destroys all sessions and cancels pending restarts. After Close
// returns CreateSession fails with ErrManagerClosed.
func (m *Manager) Close() {
	m.mu.Lock()
	entries := m.sessions
	m.sessions = make(map[string]*sessionEntry)
	m.closed = true
	m.mu.Unlock()

	for _, entry := range entries {
		m.destroyEntry(entry)
	}

	m.logger.Info("manager closed", slog.Int("sessions", len(entries)))
}
