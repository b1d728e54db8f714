package phase

import "slices"

// Contract is the declarative allow/deny/require matrix indexed by phase.
// It is immutable after construction and all queries are pure, so a single
// instance is shared by every call.
//
// The matrix is total: a phase or action missing from the table answers
// "deny". An action is allowed only when the phase's descriptor explicitly
// allows it.
type Contract struct {
	table map[Phase]Descriptor
}

// NewContract returns the production lifecycle contract.
func NewContract() *Contract {
	return &Contract{table: defaultTable()}
}

func defaultTable() map[Phase]Descriptor {
	return map[Phase]Descriptor{
		StartGreeting: {
			RequiresInput: false,
			Allow:         []Action{ActionPlayback, ActionCreateBridge, ActionCreateSnoop},
			Deny:          []Action{ActionSTT, ActionCancelResponse},
			Requires:      []Resource{ResourceBridge},
		},
		ListenRUT: {
			RequiresInput: true,
			Allow:         []Action{ActionSTT, ActionCreateSnoop, ActionCancelResponse},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceSnoop, ResourceBridge},
		},
		ListenOption: {
			RequiresInput: true,
			Allow:         []Action{ActionSTT, ActionCancelResponse},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceSnoop},
		},
		ListenConfirmation: {
			RequiresInput: true,
			Allow:         []Action{ActionSTT, ActionCancelResponse},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceSnoop},
		},
		WaitBody: {
			RequiresInput: true,
			Allow:         []Action{ActionPlayback, ActionSTT, ActionCreateSnoop, ActionCancelResponse},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceSnoop, ResourceBridge},
		},
		WaitDV: {
			RequiresInput: true,
			Allow:         []Action{ActionPlayback, ActionSTT, ActionCreateSnoop, ActionCancelResponse},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceSnoop, ResourceBridge},
		},
		Confirm: {
			RequiresInput: true,
			Allow:         []Action{ActionPlayback, ActionSTT},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceBridge},
		},
		AskSpecialty: {
			RequiresInput: true,
			Allow:         []Action{ActionPlayback, ActionSTT},
			Deny:          []Action{ActionTeardown},
			Requires:      []Resource{ResourceBridge},
		},
		CheckAvailability: {
			RequiresInput: false,
			Allow:         []Action{ActionPlayback},
			Deny:          []Action{ActionSTT, ActionTeardown},
			Requires:      []Resource{ResourceBridge},
		},
		InformAvailability: {
			RequiresInput: false,
			Allow:         []Action{ActionPlayback},
			Deny:          []Action{ActionSTT},
			Requires:      []Resource{ResourceBridge},
		},
		Finalize: {
			RequiresInput: false,
			Allow:         []Action{ActionPlayback},
			Deny:          []Action{ActionSTT, ActionCancelResponse},
			Requires:      []Resource{ResourceBridge},
		},
		Complete: {
			RequiresInput: false,
			Allow:         []Action{ActionPlayback},
			Deny:          []Action{ActionSTT},
			Requires:      []Resource{ResourceBridge},
		},
		Goodbye: {
			RequiresInput: false,
			Allow:         []Action{ActionPlayback},
			Deny:          []Action{ActionSTT, ActionCancelResponse},
			Requires:      []Resource{ResourceBridge},
		},
		EndCall: {
			RequiresInput: false,
			Allow:         []Action{ActionTeardown},
			Deny:          []Action{ActionPlayback, ActionSTT},
		},
		None: {
			RequiresInput: false,
			Deny:          Actions,
		},
	}
}

// Descriptor returns the descriptor for p. Unknown phases resolve to the
// all-deny None descriptor, keeping every query total.
func (c *Contract) Descriptor(p Phase) Descriptor {
	if d, ok := c.table[p]; ok {
		return d
	}
	return c.table[None]
}

// IsActionAllowed reports whether action may run in phase p. Anything not
// explicitly allowed is denied.
func (c *Contract) IsActionAllowed(p Phase, action Action) bool {
	return slices.Contains(c.Descriptor(p).Allow, action)
}

// IsResourceRequired reports whether phase p requires resource r to exist
// before acting.
func (c *Contract) IsResourceRequired(p Phase, r Resource) bool {
	return slices.Contains(c.Descriptor(p).Requires, r)
}

// IsTeardownAllowed reports whether media teardown may run in phase p.
// Call-end teardown bypasses this check; see the media controller.
func (c *Contract) IsTeardownAllowed(p Phase) bool {
	return c.IsActionAllowed(p, ActionTeardown)
}

// RequiresInput reports whether phase p expects caller input.
func (c *Contract) RequiresInput(p Phase) bool {
	return c.Descriptor(p).RequiresInput
}
