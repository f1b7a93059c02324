// Package acd implements IPv4 Address Conflict Detection (RFC 5227).
//
// This includes the ARP frame codec, the probe/announce/defend state
// machine (Sections 2.1-2.4), per-address sessions, and a manager that
// applies the conflict rate limiting of Section 2.1.1.
package acd
