package netio

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed socket.
	ErrSocketClosed = errors.New("socket closed")

	// ErrUnsupportedPlatform indicates the operation needs Linux.
	ErrUnsupportedPlatform = errors.New("not supported on this platform")
)

// -------------------------------------------------------------------------
// ARPConn — link-layer ARP socket
// -------------------------------------------------------------------------

// ARPConn sends and receives ARP payloads on one interface. Outbound
// frames go to the Ethernet broadcast address; the kernel adds the
// link-layer header.
//
// ARPConn satisfies acd.PacketConn.
type ARPConn struct {
	conn   net.PacketConn
	ifName string

	mu     sync.Mutex
	closed bool
}

// NewARPConn wraps a datagram packet connection already bound to the ARP
// ethertype. ListenARP is the usual constructor.
func NewARPConn(conn net.PacketConn, ifName string) *ARPConn {
	return &ARPConn{conn: conn, ifName: ifName}
}

// broadcastAddr is the destination of every outbound ARP frame.
var broadcastAddr = &packet.Addr{HardwareAddr: ethernet.Broadcast}

// ReadFrame reads one ARP payload into buf.
func (c *ARPConn) ReadFrame(buf []byte) (int, error) {
	n, _, err := c.conn.ReadFrom(buf)
	if err != nil {
		return 0, fmt.Errorf("read arp frame on %s: %w", c.ifName, err)
	}
	return n, nil
}

// WriteFrame broadcasts one ARP payload.
func (c *ARPConn) WriteFrame(buf []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return fmt.Errorf("write arp frame on %s: %w", c.ifName, ErrSocketClosed)
	}

	if _, err := c.conn.WriteTo(buf, broadcastAddr); err != nil {
		return fmt.Errorf("write arp frame on %s: %w", c.ifName, err)
	}
	return nil
}

// Close releases the socket and unblocks a pending ReadFrame. Closing an
// already closed ARPConn is a no-op.
func (c *ARPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close arp socket on %s: %w", c.ifName, err)
	}
	return nil
}

// InterfaceName returns the name of the bound interface.
func (c *ARPConn) InterfaceName() string {
	return c.ifName
}
