//go:build linux

package netio_test

import (
	"encoding/binary"
	"testing"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/goacd/internal/netio"
)

// linkMessage builds an rtnetlink link message with an ifinfomsg header
// and an IFLA_IFNAME attribute.
func linkMessage(t *testing.T, typ netlink.HeaderType, index int32, flags uint32, name string) netlink.Message {
	t.Helper()

	hdr := make([]byte, 16)
	hdr[0] = unix.AF_UNSPEC
	binary.NativeEndian.PutUint32(hdr[4:8], uint32(index))
	binary.NativeEndian.PutUint32(hdr[8:12], flags)

	ae := netlink.NewAttributeEncoder()
	if name != "" {
		ae.String(unix.IFLA_IFNAME, name)
	}
	ae.Uint32(unix.IFLA_MTU, 1500)
	attrs, err := ae.Encode()
	if err != nil {
		t.Fatalf("encode attributes: %v", err)
	}

	return netlink.Message{
		Header: netlink.Header{Type: typ},
		Data:   append(hdr, attrs...),
	}
}

func TestParseLinkMessage(t *testing.T) {
	t.Parallel()

	const upRunning = unix.IFF_UP | unix.IFF_RUNNING

	tests := []struct {
		name        string
		msg         netlink.Message
		want        netio.InterfaceEvent
		wantRemoved bool
		wantErr     bool
	}{
		{
			name: "new link up",
			msg:  linkMessage(t, unix.RTM_NEWLINK, 2, upRunning, "eth0"),
			want: netio.InterfaceEvent{IfName: "eth0", IfIndex: 2, Up: true},
		},
		{
			name: "admin up without carrier",
			msg:  linkMessage(t, unix.RTM_NEWLINK, 2, unix.IFF_UP, "eth0"),
			want: netio.InterfaceEvent{IfName: "eth0", IfIndex: 2},
		},
		{
			name: "new link down",
			msg:  linkMessage(t, unix.RTM_NEWLINK, 7, 0, "bond0"),
			want: netio.InterfaceEvent{IfName: "bond0", IfIndex: 7},
		},
		{
			name:        "deleted link",
			msg:         linkMessage(t, unix.RTM_DELLINK, 7, upRunning, "bond0"),
			want:        netio.InterfaceEvent{IfName: "bond0", IfIndex: 7},
			wantRemoved: true,
		},
		{
			name: "no name attribute",
			msg:  linkMessage(t, unix.RTM_NEWLINK, 3, upRunning, ""),
			want: netio.InterfaceEvent{IfIndex: 3, Up: true},
		},
		{
			name: "other message type",
			msg:  linkMessage(t, unix.RTM_NEWADDR, 2, upRunning, "eth0"),
			want: netio.InterfaceEvent{},
		},
		{
			name:    "short ifinfomsg",
			msg:     netlink.Message{Header: netlink.Header{Type: unix.RTM_NEWLINK}, Data: make([]byte, 8)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, removed, err := netio.ParseLinkMessage(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want || removed != tt.wantRemoved {
				t.Errorf("ParseLinkMessage = %+v, removed %v; want %+v, removed %v",
					got, removed, tt.want, tt.wantRemoved)
			}
		})
	}
}
