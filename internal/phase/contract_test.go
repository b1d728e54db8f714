package phase

import "testing"

func TestContract_RepresentativeEntries(t *testing.T) {
	t.Parallel()

	c := NewContract()

	cases := []struct {
		phase  Phase
		action Action
		want   bool
	}{
		{StartGreeting, ActionPlayback, true},
		{StartGreeting, ActionCreateSnoop, true},
		{StartGreeting, ActionSTT, false},
		{ListenRUT, ActionSTT, true},
		{ListenRUT, ActionCancelResponse, true},
		{ListenRUT, ActionTeardown, false},
		{ListenOption, ActionSTT, true},
		{ListenConfirmation, ActionCancelResponse, true},
		{WaitBody, ActionPlayback, true},
		{WaitBody, ActionSTT, true},
		{WaitDV, ActionCreateSnoop, true},
		{Confirm, ActionPlayback, true},
		{AskSpecialty, ActionSTT, true},
		{Goodbye, ActionPlayback, true},
		{Goodbye, ActionSTT, false},
		{EndCall, ActionTeardown, true},
		{EndCall, ActionPlayback, false},
	}
	for _, tc := range cases {
		if got := c.IsActionAllowed(tc.phase, tc.action); got != tc.want {
			t.Errorf("IsActionAllowed(%s, %s) = %v, want %v", tc.phase, tc.action, got, tc.want)
		}
	}
}

func TestContract_IsTotal(t *testing.T) {
	t.Parallel()

	c := NewContract()

	// Every (phase, action) pair answers without panicking, including phases
	// that never appear in the table.
	phases := append([]Phase{}, All...)
	phases = append(phases, Phase("BOGUS"))
	for _, p := range phases {
		for _, a := range Actions {
			_ = c.IsActionAllowed(p, a)
		}
		_ = c.IsTeardownAllowed(p)
		_ = c.RequiresInput(p)
	}

	// An unknown phase denies everything.
	for _, a := range Actions {
		if c.IsActionAllowed(Phase("BOGUS"), a) {
			t.Fatalf("unknown phase allowed %s", a)
		}
	}
}

func TestContract_UnlistedActionIsDenied(t *testing.T) {
	t.Parallel()

	c := NewContract()

	// CREATE_BRIDGE appears in neither allow nor deny for LISTEN_RUT; the
	// contract must still answer deny.
	if c.IsActionAllowed(ListenRUT, ActionCreateBridge) {
		t.Fatal("action outside allow ∪ deny must be denied")
	}
}

func TestContract_ResourceRequirements(t *testing.T) {
	t.Parallel()

	c := NewContract()

	if !c.IsResourceRequired(ListenRUT, ResourceSnoop) || !c.IsResourceRequired(ListenRUT, ResourceBridge) {
		t.Fatal("LISTEN_RUT requires snoop and bridge")
	}
	if !c.IsResourceRequired(ListenOption, ResourceSnoop) {
		t.Fatal("LISTEN_OPTION requires snoop")
	}
	if !c.IsResourceRequired(WaitBody, ResourceSnoop) || !c.IsResourceRequired(WaitDV, ResourceBridge) {
		t.Fatal("piecewise capture phases require the live tap")
	}
	if c.IsResourceRequired(EndCall, ResourceBridge) {
		t.Fatal("END_CALL requires nothing")
	}
}

func TestPhase_IsListening(t *testing.T) {
	t.Parallel()

	for _, p := range []Phase{ListenRUT, ListenOption, ListenConfirmation} {
		if !p.IsListening() {
			t.Errorf("%s must be a listening phase", p)
		}
	}
	if StartGreeting.IsListening() || Goodbye.IsListening() {
		t.Fatal("non-listen phases reported as listening")
	}
}
