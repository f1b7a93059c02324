package server

import (
	"time"

	"github.com/dantte-lp/goacd/internal/acd"
)

// -------------------------------------------------------------------------
// Wire Types
// -------------------------------------------------------------------------

// SessionView is the JSON representation of acd.SessionSnapshot.
type SessionView struct {
	Key          string       `json:"key"                     yaml:"key"`
	Interface    string       `json:"interface"               yaml:"interface"`
	IfIndex      int          `json:"ifindex"                 yaml:"ifindex"`
	Address      string       `json:"address"                 yaml:"address"`
	HardwareAddr string       `json:"hardware_addr,omitempty" yaml:"hardware_addr,omitempty"`
	Phase        string       `json:"phase"                   yaml:"phase"`
	Active       bool         `json:"active"                  yaml:"active"`
	LinkDown     bool         `json:"link_down"               yaml:"link_down"`
	LastEvent    string       `json:"last_event,omitempty"    yaml:"last_event,omitempty"`
	LastEventAt  *time.Time   `json:"last_event_at,omitempty" yaml:"last_event_at,omitempty"`
	Counters     CountersView `json:"counters"                yaml:"counters"`
}

// CountersView is the JSON representation of acd.SessionCounters.
type CountersView struct {
	ProbesSent     uint64 `json:"probes_sent"     yaml:"probes_sent"`
	AnnouncesSent  uint64 `json:"announces_sent"  yaml:"announces_sent"`
	DefendsSent    uint64 `json:"defends_sent"    yaml:"defends_sent"`
	FramesReceived uint64 `json:"frames_received" yaml:"frames_received"`
	FramesDropped  uint64 `json:"frames_dropped"  yaml:"frames_dropped"`
	Conflicts      uint64 `json:"conflicts"       yaml:"conflicts"`
}

// EventView is the JSON representation of acd.StateChange, one per
// WatchEvents stream message.
type EventView struct {
	Key       string    `json:"key"                  yaml:"key"`
	Interface string    `json:"interface"            yaml:"interface"`
	IfIndex   int       `json:"ifindex"              yaml:"ifindex"`
	Address   string    `json:"address"              yaml:"address"`
	Event     string    `json:"event"                yaml:"event"`
	Conflicts int       `json:"conflicts"            yaml:"conflicts"`
	RestartIn string    `json:"restart_in,omitempty" yaml:"restart_in,omitempty"`
	Timestamp time.Time `json:"timestamp"            yaml:"timestamp"`
}

// ListSessionsRequest filters ListSessions. An empty Interface lists all
// sessions.
type ListSessionsRequest struct {
	Interface string `json:"interface,omitempty"`
}

// ListSessionsResponse is the ListSessions result.
type ListSessionsResponse struct {
	Sessions []SessionView `json:"sessions"`
}

// GetSessionRequest selects one session by interface and address.
type GetSessionRequest struct {
	Interface string `json:"interface"`
	Address   string `json:"address"`
}

// GetSessionResponse is the GetSession result.
type GetSessionResponse struct {
	Session SessionView `json:"session"`
}

// WatchEventsRequest filters WatchEvents. An empty Interface streams events
// for all sessions.
type WatchEventsRequest struct {
	Interface string `json:"interface,omitempty"`
}

// -------------------------------------------------------------------------
// Conversion
// -------------------------------------------------------------------------

// SessionFromSnapshot converts a manager snapshot to its wire form.
func SessionFromSnapshot(snap acd.SessionSnapshot) SessionView {
	v := SessionView{
		Key:       snap.Key,
		Interface: snap.Interface,
		IfIndex:   snap.IfIndex,
		Address:   snap.Address.String(),
		Phase:     snap.Phase.String(),
		Active:    snap.Active,
		LinkDown:  snap.LinkDown,
		Counters: CountersView{
			ProbesSent:     snap.Counters.ProbesSent,
			AnnouncesSent:  snap.Counters.AnnouncesSent,
			DefendsSent:    snap.Counters.DefendsSent,
			FramesReceived: snap.Counters.FramesReceived,
			FramesDropped:  snap.Counters.FramesDropped,
			Conflicts:      snap.Counters.Conflicts,
		},
	}

	if len(snap.HardwareAddr) > 0 {
		v.HardwareAddr = snap.HardwareAddr.String()
	}

	if snap.LastEvent != 0 {
		v.LastEvent = snap.LastEvent.String()
		at := snap.LastEventAt
		v.LastEventAt = &at
	}

	return v
}

// EventFromStateChange converts a manager notification to its wire form.
func EventFromStateChange(sc acd.StateChange) EventView {
	v := EventView{
		Key:       sc.Key,
		Interface: sc.Interface,
		IfIndex:   sc.IfIndex,
		Address:   sc.Address.String(),
		Event:     sc.Event.String(),
		Conflicts: sc.Conflicts,
		Timestamp: sc.Timestamp,
	}

	if sc.RestartIn > 0 {
		v.RestartIn = sc.RestartIn.String()
	}

	return v
}
