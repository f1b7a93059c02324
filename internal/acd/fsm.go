package acd

// This file implements the ACD state machine (RFC 5227 Sections 2.1-2.4)
// as a pure function over a transition table. Wire parsing lives in
// packet.go; timer arithmetic lives in timers.go; the session executes
// the returned actions.
//
//	          start
//	            |
//	            V
//	       +---------+  source/target conflict
//	       |  PROBE  |------------------------> (CONFLICT, stop)
//	       +---------+
//	            | announce-wait timer
//	            V
//	      +-----------+  defend timer  +--------+
//	      | ANNOUNCED |<---------------| DEFEND |---> (LOST, stop)
//	      |           |--------------->|        |  source conflict
//	      +-----------+ source conflict+--------+

// Phase is the ACD session phase.
type Phase uint8

const (
	// PhaseIdle is reported while the session is dormant (not started or
	// stopped). It never appears in the transition table as a source.
	PhaseIdle Phase = iota

	// PhaseProbe is the probing phase (RFC 5227 Section 2.1.1).
	PhaseProbe

	// PhaseAnnounced is entered once probing completes without conflict
	// (RFC 5227 Section 2.3). The address is in use.
	PhaseAnnounced

	// PhaseDefend is entered after a single defended conflict (RFC 5227
	// Section 2.4 (b)).
	PhaseDefend
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseProbe:
		return "Probe"
	case PhaseAnnounced:
		return "Announced"
	case PhaseDefend:
		return "Defend"
	default:
		return unknownStr
	}
}

// Input is an FSM input: a timer firing or a classified inbound frame.
type Input uint8

const (
	// InputProbeTimer fires before each probe transmission.
	InputProbeTimer Input = iota + 1

	// InputAnnounceTimer fires after ANNOUNCE_WAIT and between
	// announcements.
	InputAnnounceTimer

	// InputDefendTimer fires DEFEND_INTERVAL after a defended conflict.
	InputDefendTimer

	// InputSourceConflict is a frame whose sender protocol address is the
	// monitored address.
	InputSourceConflict

	// InputTargetConflict is a probe from another host for the monitored
	// address.
	InputTargetConflict
)

// String returns the human-readable name of the input.
func (i Input) String() string {
	switch i {
	case InputProbeTimer:
		return "ProbeTimer"
	case InputAnnounceTimer:
		return "AnnounceTimer"
	case InputDefendTimer:
		return "DefendTimer"
	case InputSourceConflict:
		return "SourceConflict"
	case InputTargetConflict:
		return "TargetConflict"
	default:
		return unknownStr
	}
}

// Action is a side-effect the session executes after a transition, in
// order. A failed SendProbe or SendAnnounce aborts the remaining actions
// of that transition.
type Action uint8

const (
	// ActionSendProbe transmits a probe and counts it.
	ActionSendProbe Action = iota + 1

	// ActionArmNextProbe arms the next probe delay, or ANNOUNCE_WAIT once
	// PROBE_NUM probes have been sent.
	ActionArmNextProbe

	// ActionSendAnnounce transmits an announcement and counts it.
	ActionSendAnnounce

	// ActionArmNextAnnounce arms ANNOUNCE_INTERVAL until ANNOUNCE_NUM
	// announcements have been sent.
	ActionArmNextAnnounce

	// ActionSendDefend transmits a single defending announcement.
	ActionSendDefend

	// ActionArmDefend arms DEFEND_INTERVAL.
	ActionArmDefend

	// ActionCancelTimer cancels the pending timer, if any.
	ActionCancelTimer

	// ActionNotifyAvailable delivers EventAvailable.
	ActionNotifyAvailable

	// ActionNotifyConflict delivers EventConflict.
	ActionNotifyConflict

	// ActionNotifyLost delivers EventLost.
	ActionNotifyLost

	// ActionStop ends the current run: closes the socket, leaves the
	// session dormant.
	ActionStop
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionSendProbe:
		return "SendProbe"
	case ActionArmNextProbe:
		return "ArmNextProbe"
	case ActionSendAnnounce:
		return "SendAnnounce"
	case ActionArmNextAnnounce:
		return "ArmNextAnnounce"
	case ActionSendDefend:
		return "SendDefend"
	case ActionArmDefend:
		return "ArmDefend"
	case ActionCancelTimer:
		return "CancelTimer"
	case ActionNotifyAvailable:
		return "NotifyAvailable"
	case ActionNotifyConflict:
		return "NotifyConflict"
	case ActionNotifyLost:
		return "NotifyLost"
	case ActionStop:
		return "Stop"
	default:
		return unknownStr
	}
}

// phaseInput is the transition table key.
type phaseInput struct {
	phase Phase
	input Input
}

type transition struct {
	newPhase Phase
	actions  []Action
}

// FSMResult holds the outcome of applying an input to the FSM.
type FSMResult struct {
	// OldPhase is the phase before the input was applied.
	OldPhase Phase

	// NewPhase is the phase after the input was applied. Equal to
	// OldPhase for ignored inputs and self-loops.
	NewPhase Phase

	// Actions lists the side-effects the caller must execute, in order.
	Actions []Action

	// Changed is true when NewPhase differs from OldPhase.
	Changed bool
}

// fsmTable is the complete ACD transition table. Unlisted pairs are
// ignored.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[phaseInput]transition{
	// ===================================================================
	// Probe
	// ===================================================================

	// RFC 5227 Section 2.1.1: send PROBE_NUM probes spaced PROBE_MIN to
	// PROBE_MAX apart, then wait ANNOUNCE_WAIT.
	{PhaseProbe, InputProbeTimer}: {
		newPhase: PhaseProbe,
		actions:  []Action{ActionSendProbe, ActionArmNextProbe},
	},

	// ANNOUNCE_WAIT elapsed without conflict: the address is ours. The
	// caller is told before the first announcement goes out (Section 2.3).
	{PhaseProbe, InputAnnounceTimer}: {
		newPhase: PhaseAnnounced,
		actions:  []Action{ActionNotifyAvailable, ActionSendAnnounce, ActionArmNextAnnounce},
	},

	// Any conflict while probing ends the attempt. The session does not
	// retry on its own.
	{PhaseProbe, InputSourceConflict}: {
		newPhase: PhaseIdle,
		actions:  []Action{ActionCancelTimer, ActionNotifyConflict, ActionStop},
	},
	{PhaseProbe, InputTargetConflict}: {
		newPhase: PhaseIdle,
		actions:  []Action{ActionCancelTimer, ActionNotifyConflict, ActionStop},
	},

	// ===================================================================
	// Announced
	// ===================================================================

	// Remaining announcements of the cascade.
	{PhaseAnnounced, InputAnnounceTimer}: {
		newPhase: PhaseAnnounced,
		actions:  []Action{ActionSendAnnounce, ActionArmNextAnnounce},
	},

	// RFC 5227 Section 2.4 (b): defend once. A pending announcement is
	// dropped; the defend frame replaces it.
	{PhaseAnnounced, InputSourceConflict}: {
		newPhase: PhaseDefend,
		actions:  []Action{ActionCancelTimer, ActionSendDefend, ActionArmDefend},
	},

	// Another host probing for an address in use is not a conflict.
	// (PhaseAnnounced, InputTargetConflict) is deliberately unlisted.

	// ===================================================================
	// Defend
	// ===================================================================

	// The announce cascade is timer driven and runs regardless of phase.
	{PhaseDefend, InputAnnounceTimer}: {
		newPhase: PhaseDefend,
		actions:  []Action{ActionSendAnnounce, ActionArmNextAnnounce},
	},

	// Second conflict within DEFEND_INTERVAL: cease using the address.
	{PhaseDefend, InputSourceConflict}: {
		newPhase: PhaseIdle,
		actions:  []Action{ActionCancelTimer, ActionNotifyLost, ActionStop},
	},

	// Defense succeeded.
	{PhaseDefend, InputDefendTimer}: {
		newPhase: PhaseAnnounced,
		actions:  nil,
	},
}

// ApplyInput is a pure function that returns the transition for the
// given phase and input. Unknown pairs yield an unchanged phase and no
// actions.
func ApplyInput(phase Phase, input Input) FSMResult {
	t, ok := fsmTable[phaseInput{phase: phase, input: input}]
	if !ok {
		return FSMResult{OldPhase: phase, NewPhase: phase}
	}

	return FSMResult{
		OldPhase: phase,
		NewPhase: t.newPhase,
		Actions:  t.actions,
		Changed:  t.newPhase != phase,
	}
}
