package netio_test

import (
	"net"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// mockPacketConn — Test double for net.PacketConn
// -------------------------------------------------------------------------

// mockPacketConn implements net.PacketConn for testing ARPConn without a
// real AF_PACKET socket. Reads are served from inbound; writes are
// recorded.
type mockPacketConn struct {
	mu      sync.Mutex
	written []writtenFrame
	closes  int

	writeErr error
	closeErr error

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

// writtenFrame records a single WriteTo call.
type writtenFrame struct {
	data []byte
	addr net.Addr
}

func newMockPacketConn() *mockPacketConn {
	return &mockPacketConn{
		inbound: make(chan []byte, 4),
		closed:  make(chan struct{}),
	}
}

func (m *mockPacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case b := <-m.inbound:
		return copy(p, b), nil, nil
	case <-m.closed:
		return 0, nil, net.ErrClosed
	}
}

func (m *mockPacketConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.written = append(m.written, writtenFrame{data: append([]byte(nil), p...), addr: addr})
	return len(p), nil
}

func (m *mockPacketConn) Close() error {
	m.mu.Lock()
	m.closes++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.closed) })
	return m.closeErr
}

func (m *mockPacketConn) LocalAddr() net.Addr              { return nil }
func (m *mockPacketConn) SetDeadline(time.Time) error      { return nil }
func (m *mockPacketConn) SetReadDeadline(time.Time) error  { return nil }
func (m *mockPacketConn) SetWriteDeadline(time.Time) error { return nil }

func (m *mockPacketConn) frames() []writtenFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]writtenFrame(nil), m.written...)
}

func (m *mockPacketConn) closeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closes
}
