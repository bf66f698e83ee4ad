package v1alpha1

import "testing"

func TestStateCanTransitionTo(t *testing.T) {
	tests := []struct {
		from State
		to   State
		want bool
	}{
		{StatePending, StateProvisioning, true},
		{StatePending, StateError, true},
		{StatePending, StateReady, false},
		{StateProvisioning, StateProvisioning, true},
		{StateProvisioning, StateReady, true},
		{StateProvisioning, StateError, true},
		{StateReady, StateProvisioning, true},
		{StateReady, StateDeleting, true},
		{StateReady, StateError, false},
		{StateError, StateDeleting, true},
		{StateError, StateProvisioning, false},
		{StateDeleting, StateDeleted, true},
		{StateDeleting, StateReady, false},
		{StateDeleted, StatePending, false},
		{State("bogus"), StatePending, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStatePredicates(t *testing.T) {
	for _, s := range States() {
		if !s.IsValid() {
			t.Errorf("%q should be valid", s)
		}
		if s.IsTerminal() != (s == StateDeleted) {
			t.Errorf("%q IsTerminal() = %v", s, s.IsTerminal())
		}
	}
	if State("bogus").IsValid() {
		t.Error("unknown state should be invalid")
	}
	for _, s := range []State{StateReady, StateError, StateDeleted} {
		if !s.AtRest() {
			t.Errorf("%q should be at rest", s)
		}
	}
	for _, s := range []State{StatePending, StateProvisioning, StateDeleting} {
		if s.AtRest() {
			t.Errorf("%q should not be at rest", s)
		}
	}
}

func TestResourceListArithmetic(t *testing.T) {
	a := ResourceList{CPUMillicores: 1000, MemoryBytes: 10, DiskBytes: 100}
	b := ResourceList{CPUMillicores: 400, MemoryBytes: 20, DiskBytes: 100}

	if got := a.Add(b); got != (ResourceList{CPUMillicores: 1400, MemoryBytes: 30, DiskBytes: 200}) {
		t.Errorf("Add() = %+v", got)
	}
	if got := a.Sub(b); got != (ResourceList{CPUMillicores: 600, MemoryBytes: 0, DiskBytes: 0}) {
		t.Errorf("Sub() = %+v", got)
	}

	tenant := &Tenant{Limits: a, Used: ResourceList{CPUMillicores: 250, MemoryBytes: 5, DiskBytes: 1}}
	if got := tenant.Available(); got != (ResourceList{CPUMillicores: 750, MemoryBytes: 5, DiskBytes: 99}) {
		t.Errorf("Available() = %+v", got)
	}
}
