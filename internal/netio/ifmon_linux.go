//go:build linux

package netio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// NetlinkMonitor — rtnetlink RTMGRP_LINK subscriber
// -------------------------------------------------------------------------

// ifInfoMsgLen is sizeof(struct ifinfomsg).
const ifInfoMsgLen = 16

// errShortIfInfo indicates a link message too short for struct ifinfomsg.
var errShortIfInfo = errors.New("link message shorter than ifinfomsg")

// NetlinkMonitor implements InterfaceMonitor with a NETLINK_ROUTE socket
// subscribed to the RTMGRP_LINK multicast group.
type NetlinkMonitor struct {
	conn   *netlink.Conn
	events chan InterfaceEvent
	links  *linkTracker
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewLinkMonitor opens the rtnetlink socket. It does not need privileges.
func NewLinkMonitor(logger *slog.Logger) (*NetlinkMonitor, error) {
	conn, err := netlink.Dial(unix.NETLINK_ROUTE, &netlink.Config{
		Groups: unix.RTMGRP_LINK,
	})
	if err != nil {
		return nil, fmt.Errorf("dial rtnetlink: %w", err)
	}

	return &NetlinkMonitor{
		conn:   conn,
		events: make(chan InterfaceEvent, eventsChSize),
		links:  newLinkTracker(),
		logger: logger.With(slog.String("component", "ifmon.netlink")),
	}, nil
}

// Run receives link messages until ctx is cancelled or the socket fails.
// Only up/down transitions are emitted.
func (m *NetlinkMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	stop := context.AfterFunc(ctx, func() { _ = m.Close() })
	defer stop()

	m.logger.Info("netlink interface monitor started")

	for {
		msgs, err := m.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				m.logger.Info("netlink interface monitor stopped")
				return nil
			}
			return fmt.Errorf("receive rtnetlink: %w", err)
		}

		for _, msg := range msgs {
			ev, removed, ok := m.parse(msg)
			if !ok || !m.links.update(ev, removed) {
				continue
			}

			m.logger.Debug("link state changed",
				slog.String("interface", ev.IfName),
				slog.Int("ifindex", ev.IfIndex),
				slog.Bool("up", ev.Up),
			)

			select {
			case m.events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (m *NetlinkMonitor) parse(msg netlink.Message) (InterfaceEvent, bool, bool) {
	ev, removed, err := ParseLinkMessage(msg)
	if err != nil {
		m.logger.Debug("ignoring link message", slog.String("error", err.Error()))
		return InterfaceEvent{}, false, false
	}
	return ev, removed, ev.IfName != ""
}

// Events returns the link event channel.
func (m *NetlinkMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close closes the netlink socket, unblocking Run.
func (m *NetlinkMonitor) Close() error {
	m.closeOnce.Do(func() {
		if err := m.conn.Close(); err != nil {
			m.closeErr = fmt.Errorf("close rtnetlink: %w", err)
		}
	})
	return m.closeErr
}

// ParseLinkMessage decodes an RTM_NEWLINK or RTM_DELLINK message. removed
// is true for RTM_DELLINK, whose event is always down. Other message
// types yield a zero event and no error.
func ParseLinkMessage(msg netlink.Message) (ev InterfaceEvent, removed bool, err error) {
	switch msg.Header.Type {
	case unix.RTM_NEWLINK:
	case unix.RTM_DELLINK:
		removed = true
	default:
		return InterfaceEvent{}, false, nil
	}

	if len(msg.Data) < ifInfoMsgLen {
		return InterfaceEvent{}, false, errShortIfInfo
	}

	ev.IfIndex = int(int32(binary.NativeEndian.Uint32(msg.Data[4:8])))
	flags := binary.NativeEndian.Uint32(msg.Data[8:12])
	ev.Up = !removed && flags&unix.IFF_UP != 0 && flags&unix.IFF_RUNNING != 0

	ad, err := netlink.NewAttributeDecoder(msg.Data[ifInfoMsgLen:])
	if err != nil {
		return InterfaceEvent{}, false, fmt.Errorf("decode link attributes: %w", err)
	}
	for ad.Next() {
		if ad.Type() == unix.IFLA_IFNAME {
			ev.IfName = ad.String()
		}
	}
	if err := ad.Err(); err != nil {
		return InterfaceEvent{}, false, fmt.Errorf("decode link attributes: %w", err)
	}

	return ev, removed, nil
}
