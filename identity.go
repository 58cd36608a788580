package colony

import "fmt"

// AgentID is a string identifier unique within a session
// (e.g. "queen", "subqueen-0", "worker-7").
type AgentID string

// Role is advisory prompt metadata attached to a worker; it never restricts
// which operations a worker may perform.
type Role string

const (
	RoleAnalyst       Role = "analyst"
	RoleDataScientist Role = "data-scientist"
	RoleITArchitect   Role = "it-architect"
	RoleDeveloper     Role = "developer"
	RoleGeneric       Role = "generic"
)

// LifecycleState is an agent's position in its monotone lifecycle FSM.
// Transitions are monotone (no back-edges) except Active <-> Draining.
type LifecycleState string

const (
	StateCreating    LifecycleState = "creating"
	StateRegistering LifecycleState = "registering"
	StateActive      LifecycleState = "active"
	StateDraining    LifecycleState = "draining"
	StateTerminated  LifecycleState = "terminated"
	StateFailed      LifecycleState = "failed"
)

// IsTerminal reports whether s is a terminal lifecycle state.
func (s LifecycleState) IsTerminal() bool {
	return s == StateTerminated || s == StateFailed
}

// order gives each non-terminal state its position in the monotone chain.
var stateOrder = map[LifecycleState]int{
	StateCreating:    0,
	StateRegistering: 1,
	StateActive:      2,
	StateDraining:    3,
}

// ValidTransition reports whether moving from `from` to `to` respects the
// lifecycle invariant: monotone, except Active <-> Draining, and nothing
// leaves a terminal state.
func ValidTransition(from, to LifecycleState) bool {
	if from.IsTerminal() {
		return false
	}
	if from == StateActive && to == StateDraining {
		return true
	}
	if from == StateDraining && to == StateActive {
		return true
	}
	if to == StateTerminated || to == StateFailed {
		return true
	}
	fromN, fok := stateOrder[from]
	toN, tok := stateOrder[to]
	if !fok || !tok {
		return false
	}
	return toN == fromN+1
}

// AgentIdentity is the durable identity record for a single agent.
type AgentIdentity struct {
	ID        AgentID
	SessionID string
	Role      Role
	State     LifecycleState
	Model     string
	CreatedAt int64
	UpdatedAt int64
}

// Transition moves the identity to `to`, returning an error if the
// transition violates the lifecycle invariant.
func (a *AgentIdentity) Transition(to LifecycleState, now int64) error {
	if !ValidTransition(a.State, to) {
		return newErr(ErrStorage, fmt.Sprintf("invalid lifecycle transition %s -> %s for %s", a.State, to, a.ID), nil)
	}
	a.State = to
	a.UpdatedAt = now
	return nil
}
