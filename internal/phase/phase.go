// Package phase defines the conversation phases of a call and the lifecycle
// contract that gates engine actions by phase. The contract is a static,
// total table: every (phase, action) pair has an answer, and the engine
// consults it before every playback, STT init, snoop creation, bridge
// creation, and teardown.
package phase

// Phase is a node in the conversation state machine. Exactly one phase is
// current per call at any instant; transitions happen only through the domain
// port's result.
type Phase string

const (
	StartGreeting      Phase = "START_GREETING"
	ListenRUT          Phase = "LISTEN_RUT"
	ListenOption       Phase = "LISTEN_OPTION"
	ListenConfirmation Phase = "LISTEN_CONFIRMATION"
	WaitBody           Phase = "WAIT_BODY"
	WaitDV             Phase = "WAIT_DV"
	Confirm            Phase = "CONFIRM"
	AskSpecialty       Phase = "ASK_SPECIALTY"
	CheckAvailability  Phase = "CHECK_AVAILABILITY"
	InformAvailability Phase = "INFORM_AVAILABILITY"
	Finalize           Phase = "FINALIZE"
	Complete           Phase = "COMPLETE"
	Goodbye            Phase = "GOODBYE"
	EndCall            Phase = "END_CALL"
	None               Phase = "NONE"
)

// All lists every phase. Order matters only for deterministic iteration in
// tests and logs.
var All = []Phase{
	StartGreeting, ListenRUT, ListenOption, ListenConfirmation,
	WaitBody, WaitDV, Confirm, AskSpecialty,
	CheckAvailability, InformAvailability, Finalize, Complete,
	Goodbye, EndCall, None,
}

// IsValid reports whether p is a recognised phase.
func (p Phase) IsValid() bool {
	for _, known := range All {
		if p == known {
			return true
		}
	}
	return false
}

// IsListening reports whether p is one of the phases in which the turn
// machine must always open a listening window (skip-input is forcibly
// cleared for these).
func (p Phase) IsListening() bool {
	switch p {
	case ListenRUT, ListenOption, ListenConfirmation:
		return true
	}
	return false
}

// Action is an engine operation gated by the lifecycle contract.
type Action string

const (
	ActionPlayback       Action = "PLAYBACK"
	ActionSTT            Action = "STT"
	ActionCreateSnoop    Action = "CREATE_SNOOP"
	ActionCreateBridge   Action = "CREATE_BRIDGE"
	ActionTeardown       Action = "TEARDOWN"
	ActionCancelResponse Action = "CANCEL_RESPONSE"
)

// Actions is the full action alphabet.
var Actions = []Action{
	ActionPlayback, ActionSTT, ActionCreateSnoop,
	ActionCreateBridge, ActionTeardown, ActionCancelResponse,
}

// Resource is a media-plane resource a phase may require before its actions
// can run.
type Resource string

const (
	ResourceSnoop  Resource = "SNOOP"
	ResourceBridge Resource = "BRIDGE"
)

// Descriptor governs one phase: whether it expects caller input, which
// actions it explicitly allows or denies, and which resources must exist
// before the phase can act.
type Descriptor struct {
	RequiresInput bool
	Allow         []Action
	Deny          []Action
	Requires      []Resource
}

// Silent reports whether the phase runs without caller input.
func (d Descriptor) Silent() bool { return !d.RequiresInput }
