// Package netio provides link-layer socket and interface monitoring
// abstractions for ARP-based address conflict detection.
//
// The Linux implementation uses github.com/mdlayher/packet for AF_PACKET
// sockets filtered with a classic BPF program (golang.org/x/net/bpf), and
// github.com/mdlayher/netlink for RTM_NEWLINK / RTM_DELLINK link events.
package netio
