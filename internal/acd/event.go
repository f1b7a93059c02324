package acd

// Event is a notification delivered to the session owner.
type Event uint8

const (
	// EventAvailable means probing completed without conflict and the
	// address may be used. Delivered before the first announcement.
	EventAvailable Event = iota + 1

	// EventConflict means another host uses or probes for the address.
	// The session is stopped; retrying is up to the owner.
	EventConflict

	// EventLost means a second conflict arrived within DefendInterval of
	// a defended one. The address must no longer be used. The session is
	// stopped.
	EventLost
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventAvailable:
		return "Available"
	case EventConflict:
		return "Conflict"
	case EventLost:
		return "Lost"
	default:
		return unknownStr
	}
}

// EventHandler receives session events. It runs on the session
// goroutine and may call Stop, Start or Destroy on the same session.
// Long-running work should be handed off to another goroutine.
type EventHandler func(ev Event)

// DebugHandler receives human-readable diagnostics. It has no effect on
// protocol behavior.
type DebugHandler func(msg string)
