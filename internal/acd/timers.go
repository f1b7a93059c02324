package acd

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// -------------------------------------------------------------------------
// Protocol Constants — RFC 5227 Section 1.1
// -------------------------------------------------------------------------

const (
	// ProbeWait is the upper bound of the initial random delay.
	ProbeWait = 1 * time.Second

	// ProbeNum is the number of probe packets.
	ProbeNum = 3

	// ProbeMin is the minimum delay until repeated probe.
	ProbeMin = 1 * time.Second

	// ProbeMax is the maximum delay until repeated probe.
	ProbeMax = 2 * time.Second

	// AnnounceWait is the delay before announcing.
	AnnounceWait = 2 * time.Second

	// AnnounceNum is the number of announcement packets.
	AnnounceNum = 2

	// AnnounceInterval is the time between announcement packets.
	AnnounceInterval = 2 * time.Second

	// MaxConflicts is the max conflicts before rate limiting.
	MaxConflicts = 10

	// RateLimitInterval is the delay between successive attempts once
	// MaxConflicts is reached.
	RateLimitInterval = 60 * time.Second

	// DefendInterval is the minimum interval between defensive ARPs.
	DefendInterval = 10 * time.Second
)

// RandomDelay returns a delay in [0, limit) with millisecond granularity.
// Four bytes are read from r and reduced modulo the range in
// milliseconds. A limit below one millisecond yields zero.
func RandomDelay(r io.Reader, limit time.Duration) (time.Duration, error) {
	ms := uint32(limit / time.Millisecond)
	if ms == 0 {
		return 0, nil
	}

	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read random delay: %w", err)
	}

	return time.Duration(binary.NativeEndian.Uint32(b[:])%ms) * time.Millisecond, nil
}

// ProbeDelayRange returns the bounds [lo, hi) of the delay armed before
// probe number n (zero based): PROBE_WAIT for the first probe,
// PROBE_MIN..PROBE_MAX for the rest.
func ProbeDelayRange(n int) (time.Duration, time.Duration) {
	if n == 0 {
		return 0, ProbeWait
	}
	return ProbeMin, ProbeMax
}

// -------------------------------------------------------------------------
// Phase Timer
// -------------------------------------------------------------------------

// phaseTimer is the single timer owned by a session run. Arming always
// cancels the previous timer first. The zero value is disarmed.
type phaseTimer struct {
	t     *time.Timer
	input Input
}

// arm replaces any pending timer with one that delivers in after d.
func (pt *phaseTimer) arm(d time.Duration, in Input) {
	pt.cancel()
	pt.t = time.NewTimer(d)
	pt.input = in
}

// cancel stops the pending timer, if any.
func (pt *phaseTimer) cancel() {
	if pt.t != nil {
		pt.t.Stop()
	}
	pt.t = nil
	pt.input = 0
}

// C returns the channel of the pending timer. A nil channel blocks
// forever in a select, which is what a disarmed timer should do.
func (pt *phaseTimer) C() <-chan time.Time {
	if pt.t == nil {
		return nil
	}
	return pt.t.C
}

// fired consumes the expired timer and returns the input it carries.
func (pt *phaseTimer) fired() Input {
	in := pt.input
	pt.t = nil
	pt.input = 0
	return in
}
