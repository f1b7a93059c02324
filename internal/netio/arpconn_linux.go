//go:build linux

package netio

import (
	"fmt"
	"net"

	"github.com/mdlayher/ethernet"
	"github.com/mdlayher/packet"
)

// ListenARP opens an AF_PACKET SOCK_DGRAM socket on the interface with
// the given index, bound to ETH_P_ARP and filtered by ARPFilter.
// Requires CAP_NET_RAW.
func ListenARP(ifIndex int) (*ARPConn, error) {
	ifi, err := net.InterfaceByIndex(ifIndex)
	if err != nil {
		return nil, fmt.Errorf("listen arp on ifindex %d: %w", ifIndex, err)
	}

	filter, err := ARPFilter()
	if err != nil {
		return nil, fmt.Errorf("listen arp on %s: %w", ifi.Name, err)
	}

	conn, err := packet.Listen(ifi, packet.Datagram, int(ethernet.EtherTypeARP), &packet.Config{
		Filter: filter,
	})
	if err != nil {
		return nil, fmt.Errorf("listen arp on %s: %w", ifi.Name, err)
	}

	return NewARPConn(conn, ifi.Name), nil
}
