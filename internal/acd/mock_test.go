package acd_test

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/goacd/internal/acd"
)

// -------------------------------------------------------------------------
// mockConn — acd.PacketConn backed by channels
// -------------------------------------------------------------------------

// sentFrame is one frame written by the session, with the (fake) time it
// was written.
type sentFrame struct {
	at    time.Time
	frame acd.Frame
}

// mockConn captures written frames and lets tests inject inbound ones.
// It must be created inside the synctest bubble that uses it.
type mockConn struct {
	mu       sync.Mutex
	sent     []sentFrame
	writeErr error

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

// ReadFrame implements acd.PacketConn.
func (c *mockConn) ReadFrame(buf []byte) (int, error) {
	select {
	case b := <-c.inbound:
		return copy(buf, b), nil
	case <-c.closed:
		return 0, net.ErrClosed
	}
}

// WriteFrame implements acd.PacketConn by decoding and recording buf.
func (c *mockConn) WriteFrame(buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeErr != nil {
		return c.writeErr
	}
	f, err := acd.ParseFrame(buf)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, sentFrame{at: time.Now(), frame: f})
	return nil
}

// Close implements acd.PacketConn.
func (c *mockConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *mockConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *mockConn) setWriteErr(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *mockConn) frames() []sentFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentFrame(nil), c.sent...)
}

// inject queues f as if it arrived from the link.
func (c *mockConn) inject(t *testing.T, f acd.Frame) {
	t.Helper()
	buf, err := acd.MarshalFrame(f)
	if err != nil {
		t.Fatalf("MarshalFrame: %v", err)
	}
	c.inbound <- buf
}

// injectRaw queues arbitrary bytes.
func (c *mockConn) injectRaw(b []byte) {
	c.inbound <- b
}

// -------------------------------------------------------------------------
// eventRecorder
// -------------------------------------------------------------------------

type eventRecorder struct {
	mu     sync.Mutex
	events []acd.Event
}

func (r *eventRecorder) handle(ev acd.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []acd.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]acd.Event(nil), r.events...)
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

var errMockWrite = errors.New("mock: write failed")

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// opener returns a ConnOpener that hands out conns in order.
func opener(conns ...*mockConn) acd.ConnOpener {
	var mu sync.Mutex
	return acd.ConnOpenerFunc(func(int) (acd.PacketConn, error) {
		mu.Lock()
		defer mu.Unlock()
		if len(conns) == 0 {
			return nil, errors.New("mock: no more conns")
		}
		c := conns[0]
		conns = conns[1:]
		return c, nil
	})
}

// newTestSession builds a session with a fixed random source (500) so
// probes go out at 0.5s, 2.0s and 3.5s, AVAILABLE and the first
// announcement at 5.5s and the second announcement at 7.5s.
func newTestSession(t *testing.T, conns ...*mockConn) (*acd.Session, *eventRecorder) {
	t.Helper()

	rec := &eventRecorder{}
	sess := acd.NewSession(3,
		acd.WithConnOpener(opener(conns...)),
		acd.WithHardwareAddr(localHW),
		acd.WithRandom(constReader(500)),
		acd.WithLogger(discardLogger()),
		acd.WithInterfaceName("eth0"),
	)
	sess.SetEventHandler(rec.handle, nil)
	return sess, rec
}

// Offsets from Start for the fixed random source used by newTestSession.
const (
	firstProbeAt     = 500 * time.Millisecond
	availableAt      = 5500 * time.Millisecond
	lastAnnounceAt   = 7500 * time.Millisecond
	afterAnnouncing  = 8 * time.Second
	defendCompletion = acd.DefendInterval + time.Millisecond
)

func isProbe(f acd.Frame) bool {
	return f.Op == acd.OpRequest && f.SenderIP.IsUnspecified() && f.TargetIP == testAddr
}

func isAnnouncement(f acd.Frame) bool {
	return f.Op == acd.OpRequest && f.SenderIP == testAddr && f.TargetIP == testAddr
}

// conflictFrom returns a frame from another host claiming testAddr.
func conflictFrom() acd.Frame {
	return acd.NewAnnouncement(remoteHW, testAddr)
}

// -------------------------------------------------------------------------
// connPool — acd.ConnOpener that creates a mockConn per Open
// -------------------------------------------------------------------------

// connPool must be used inside the synctest bubble that owns the
// sessions, since it creates the conns on demand.
type connPool struct {
	mu      sync.Mutex
	conns   []*mockConn
	indexes []int
	err     error
}

// Open implements acd.ConnOpener.
func (p *connPool) Open(ifIndex int) (acd.PacketConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	c := newMockConn()
	p.conns = append(p.conns, c)
	p.indexes = append(p.indexes, ifIndex)
	return c, nil
}

func (p *connPool) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *connPool) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *connPool) get(t *testing.T, i int) *mockConn {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.conns) {
		t.Fatalf("conn %d not opened (have %d)", i, len(p.conns))
	}
	return p.conns[i]
}

func (p *connPool) ifIndex(i int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexes[i]
}
