//go:build !linux

package netio

import "fmt"

// ListenARP is only implemented on Linux.
func ListenARP(ifIndex int) (*ARPConn, error) {
	return nil, fmt.Errorf("listen arp on ifindex %d: %w", ifIndex, ErrUnsupportedPlatform)
}
