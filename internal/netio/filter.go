package netio

import (
	"fmt"

	"golang.org/x/net/bpf"
)

// ARP header values accepted by the socket filter (RFC 826).
const (
	arpHTypeEthernet = 1
	arpPTypeIPv4     = 0x0800
	arpLenEthIPv4    = 0x0604 // hlen=6, plen=4
	arpOpRequest     = 1
	arpOpReply       = 2

	// arpSnapLen is the number of bytes the filter passes to userspace.
	arpSnapLen = 256
)

// arpFilterProgram accepts ARP over Ethernet for IPv4 with a request or
// reply opcode. Offsets are relative to the ARP header, which is where a
// SOCK_DGRAM packet socket starts the packet.
var arpFilterProgram = []bpf.Instruction{
	bpf.LoadAbsolute{Off: 0, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: arpHTypeEthernet, SkipTrue: 8},
	bpf.LoadAbsolute{Off: 2, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: arpPTypeIPv4, SkipTrue: 6},
	bpf.LoadAbsolute{Off: 4, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: arpLenEthIPv4, SkipTrue: 4},
	bpf.LoadAbsolute{Off: 6, Size: 2},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: arpOpRequest, SkipTrue: 1},
	bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: arpOpReply, SkipTrue: 1},
	bpf.RetConstant{Val: arpSnapLen},
	bpf.RetConstant{Val: 0},
}

// ARPFilter assembles the socket filter used by ListenARP.
func ARPFilter() ([]bpf.RawInstruction, error) {
	raw, err := bpf.Assemble(arpFilterProgram)
	if err != nil {
		return nil, fmt.Errorf("assemble arp filter: %w", err)
	}
	return raw, nil
}
