package acd

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// -------------------------------------------------------------------------
// Frame Constants — RFC 826 / RFC 5227 Section 2.1.1
// -------------------------------------------------------------------------

// FrameSize is the size of an Ethernet/IPv4 ARP payload in bytes:
// 8-byte fixed header + 2 x (6-byte hardware + 4-byte protocol address).
const FrameSize = 28

const (
	hwAddrLen    = 6
	protoAddrLen = 4

	// hwTypeEthernet is the 16-bit ARP hardware type for Ethernet.
	// gopacket's LinkType is 8 bits wide and cannot tell 0x0101 from 1.
	hwTypeEthernet = 1
)

// unknownStr is the string representation for unrecognized enum values.
const unknownStr = "Unknown"

// Opcode is the ARP operation code.
type Opcode uint16

const (
	// OpRequest is an ARP REQUEST. All probes, announcements and defend
	// frames are sent as requests (RFC 5227 Section 2.3).
	OpRequest Opcode = layers.ARPRequest

	// OpReply is an ARP REPLY. Accepted on receive only.
	OpReply Opcode = layers.ARPReply
)

// String returns the human-readable name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpRequest:
		return "Request"
	case OpReply:
		return "Reply"
	default:
		return unknownStr
	}
}

// Sentinel errors for frame decoding.
var (
	// ErrFrameTooShort indicates fewer than FrameSize bytes were supplied.
	ErrFrameTooShort = errors.New("arp frame too short")

	// ErrFrameHardwareType indicates a hardware type other than Ethernet
	// or an address size other than 6.
	ErrFrameHardwareType = errors.New("arp frame is not ethernet")

	// ErrFrameProtocolType indicates a protocol type other than IPv4 or
	// an address size other than 4.
	ErrFrameProtocolType = errors.New("arp frame is not ipv4")

	// ErrFrameOpcode indicates an opcode other than REQUEST or REPLY.
	ErrFrameOpcode = errors.New("arp frame opcode is not request or reply")

	// ErrFrameHardwareAddr indicates a sender hardware address that is
	// not 6 bytes long on encode.
	ErrFrameHardwareAddr = errors.New("sender hardware address must be 6 bytes")
)

// -------------------------------------------------------------------------
// Frame
// -------------------------------------------------------------------------

// Frame is a decoded Ethernet/IPv4 ARP payload. Only the fields that
// matter for conflict detection are kept; hardware and protocol types are
// validated during decoding.
type Frame struct {
	Op       Opcode
	SenderHW net.HardwareAddr
	SenderIP netip.Addr
	TargetHW net.HardwareAddr
	TargetIP netip.Addr
}

// NewProbe builds an ARP probe for addr (RFC 5227 Section 2.1.1): sender
// protocol address all zero, target protocol address set to addr.
func NewProbe(hw net.HardwareAddr, addr netip.Addr) Frame {
	return Frame{
		Op:       OpRequest,
		SenderHW: hw,
		SenderIP: netip.IPv4Unspecified(),
		TargetHW: make(net.HardwareAddr, hwAddrLen),
		TargetIP: addr,
	}
}

// NewAnnouncement builds an ARP announcement for addr (RFC 5227 Section
// 2.3): sender and target protocol addresses both set to addr. Defend
// frames use the same layout.
func NewAnnouncement(hw net.HardwareAddr, addr netip.Addr) Frame {
	return Frame{
		Op:       OpRequest,
		SenderHW: hw,
		SenderIP: addr,
		TargetHW: make(net.HardwareAddr, hwAddrLen),
		TargetIP: addr,
	}
}

// MarshalFrame encodes f into a FrameSize-byte ARP payload.
func MarshalFrame(f Frame) ([]byte, error) {
	if len(f.SenderHW) != hwAddrLen {
		return nil, fmt.Errorf("marshal arp frame: %w", ErrFrameHardwareAddr)
	}

	targetHW := f.TargetHW
	if len(targetHW) != hwAddrLen {
		targetHW = make(net.HardwareAddr, hwAddrLen)
	}

	spa := ipv4Bytes(f.SenderIP)
	tpa := ipv4Bytes(f.TargetIP)

	arp := &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     hwAddrLen,
		ProtAddressSize:   protoAddrLen,
		Operation:         uint16(f.Op),
		SourceHwAddress:   f.SenderHW,
		SourceProtAddress: spa[:],
		DstHwAddress:      targetHW,
		DstProtAddress:    tpa[:],
	}

	buf := gopacket.NewSerializeBuffer()
	if err := arp.SerializeTo(buf, gopacket.SerializeOptions{FixLengths: true}); err != nil {
		return nil, fmt.Errorf("marshal arp frame: %w", err)
	}

	return buf.Bytes(), nil
}

// ParseFrame decodes an ARP payload. Bytes beyond FrameSize (link-layer
// padding) are ignored. Returned address slices do not alias data.
func ParseFrame(data []byte) (Frame, error) {
	if len(data) < FrameSize {
		return Frame{}, fmt.Errorf("parse arp frame: %d bytes: %w", len(data), ErrFrameTooShort)
	}

	// The fixed header is checked before gopacket sees the address sizes:
	// DecodeFromBytes sums them in uint8 and can slice past data.
	if binary.BigEndian.Uint16(data[0:2]) != hwTypeEthernet || data[4] != hwAddrLen {
		return Frame{}, fmt.Errorf("parse arp frame: %w", ErrFrameHardwareType)
	}
	if layers.EthernetType(binary.BigEndian.Uint16(data[2:4])) != layers.EthernetTypeIPv4 || data[5] != protoAddrLen {
		return Frame{}, fmt.Errorf("parse arp frame: %w", ErrFrameProtocolType)
	}

	var arp layers.ARP
	if err := arp.DecodeFromBytes(data[:FrameSize], gopacket.NilDecodeFeedback); err != nil {
		return Frame{}, fmt.Errorf("parse arp frame: %w", err)
	}

	op := Opcode(arp.Operation)
	if op != OpRequest && op != OpReply {
		return Frame{}, fmt.Errorf("parse arp frame: opcode %d: %w", arp.Operation, ErrFrameOpcode)
	}

	return Frame{
		Op:       op,
		SenderHW: append(net.HardwareAddr(nil), arp.SourceHwAddress...),
		SenderIP: netip.AddrFrom4([4]byte(arp.SourceProtAddress)),
		TargetHW: append(net.HardwareAddr(nil), arp.DstHwAddress...),
		TargetIP: netip.AddrFrom4([4]byte(arp.DstProtAddress)),
	}, nil
}

// ipv4Bytes returns the 4-byte form of addr, or all zeros when addr is
// not an IPv4 address.
func ipv4Bytes(addr netip.Addr) [4]byte {
	if addr.Is4() {
		return addr.As4()
	}
	return [4]byte{}
}

// -------------------------------------------------------------------------
// Classification — RFC 5227 Sections 2.1.1 and 2.4
// -------------------------------------------------------------------------

// Classification describes how an inbound frame relates to a monitored
// address.
type Classification struct {
	// SelfOrigin is true when the frame was sent from the local hardware
	// address. Such frames are never conflicts.
	SelfOrigin bool

	// SourceConflict is true when the sender protocol address equals the
	// monitored address.
	SourceConflict bool

	// Probe is true when the sender protocol address is all zero.
	Probe bool

	// TargetConflict is true when the frame is a probe whose target
	// protocol address equals the monitored address.
	TargetConflict bool
}

// Conflict reports whether the frame conflicts with the monitored address.
func (c Classification) Conflict() bool {
	return !c.SelfOrigin && (c.SourceConflict || c.TargetConflict)
}

// Input maps the classification to an FSM input. Source conflicts take
// precedence over target conflicts. The second result is false when the
// frame carries no conflict.
func (c Classification) Input() (Input, bool) {
	switch {
	case !c.Conflict():
		return 0, false
	case c.SourceConflict:
		return InputSourceConflict, true
	default:
		return InputTargetConflict, true
	}
}

// Classify is a pure function over a decoded frame, the local hardware
// address and the monitored address.
func Classify(f Frame, localHW net.HardwareAddr, addr netip.Addr) Classification {
	if len(localHW) > 0 && bytes.Equal(f.SenderHW, localHW) {
		return Classification{SelfOrigin: true}
	}

	probe := !f.SenderIP.IsValid() || f.SenderIP == netip.IPv4Unspecified()
	source := f.SenderIP == addr

	return Classification{
		SourceConflict: source,
		Probe:          probe,
		TargetConflict: probe && f.TargetIP == addr,
	}
}
