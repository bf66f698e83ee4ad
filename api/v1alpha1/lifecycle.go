package v1alpha1

import "slices"

// State is the lifecycle state of a Site.
type State string

const (
	// StatePending is a site accepted by the API and not yet picked up.
	StatePending State = "pending"

	// StateProvisioning is a site whose cluster objects are being applied, or
	// rolled back after an unrecoverable failure.
	StateProvisioning State = "provisioning"

	// StateReady is a site with all mandatory cluster objects in place.
	StateReady State = "ready"

	// StateError is a site whose provisioning failed. No cluster objects
	// remain and its quota has been released.
	StateError State = "error"

	// StateDeleting is a site whose cluster objects are being torn down.
	StateDeleting State = "deleting"

	// StateDeleted is the terminal state. The record is removed right after.
	StateDeleted State = "deleted"
)

// validTransitions maps each state to the states it may move to.
var validTransitions = map[State][]State{
	StatePending:      {StateProvisioning, StateError, StateDeleting},
	StateProvisioning: {StateProvisioning, StateReady, StateError, StateDeleting},
	StateReady:        {StateProvisioning, StateDeleting},
	StateError:        {StateDeleting},
	StateDeleting:     {StateDeleting, StateDeleted},
	StateDeleted:      {},
}

// IsValid returns true if s is a known state.
func (s State) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDeleted
}

// AtRest returns true if the engine has nothing left to do for a site in s,
// unless its deletion is requested.
func (s State) AtRest() bool {
	return s == StateReady || s == StateError || s == StateDeleted
}

// CanTransitionTo returns true if moving from s to target is allowed.
func (s State) CanTransitionTo(target State) bool {
	return slices.Contains(validTransitions[s], target)
}

// States returns every lifecycle state.
func States() []State {
	return []State{
		StatePending,
		StateProvisioning,
		StateReady,
		StateError,
		StateDeleting,
		StateDeleted,
	}
}
