// Package gates holds the canonical ordered gate sequence and lookup helpers.
// The sequence is a fixed total order: each gate's from-state equals the prior
// gate's to-state, with product.prd being the single legal self-loop.
package gates

import (
	"fmt"

	"gateline/internal/domain"
)

// Definition is one static gate entry.
type Definition struct {
	Name     string       `json:"name"`
	From     domain.State `json:"from_state"`
	To       domain.State `json:"to_state"`
	Owner    domain.Role  `json:"owning_role"`
	Evidence []string     `json:"evidence"`
}

// SelfLoop reports whether the gate repeats its own state (refinement).
func (d Definition) SelfLoop() bool { return d.From == d.To }

// UnknownGateError signals a gate name absent from the registry. It is a
// caller/configuration error, never recorded in the lifecycle log.
type UnknownGateError struct {
	Name string
}

func (e UnknownGateError) Error() string {
	return fmt.Sprintf("unknown gate %q", e.Name)
}

var sequence = []Definition{
	{Name: "product.discovery", From: domain.StateDraft, To: domain.StatePRDReady, Owner: domain.RoleProductOps,
		Evidence: []string{"problem statement", "user evidence"}},
	{Name: "product.prd", From: domain.StatePRDReady, To: domain.StatePRDReady, Owner: domain.RoleProductOps,
		Evidence: []string{"prd revision"}},
	{Name: "agile.planning", From: domain.StatePRDReady, To: domain.StatePlanned, Owner: domain.RoleProductOps,
		Evidence: []string{"backlog breakdown", "estimates"}},
	{Name: "code.implement", From: domain.StatePlanned, To: domain.StateBuilt, Owner: domain.RoleTechLead,
		Evidence: []string{"implementation branch", "unit tests"}},
	{Name: "code.review", From: domain.StateBuilt, To: domain.StateReviewed, Owner: domain.RoleTechLead,
		Evidence: []string{"review notes"}},
	{Name: "qa.ready", From: domain.StateReviewed, To: domain.StateQAReady, Owner: domain.RoleQA,
		Evidence: []string{"test plan"}},
	{Name: "qa.contract", From: domain.StateQAReady, To: domain.StateContractValidated, Owner: domain.RoleQA,
		Evidence: []string{"contract test report"}},
	{Name: "qa.e2e", From: domain.StateContractValidated, To: domain.StateE2EValidated, Owner: domain.RoleQA,
		Evidence: []string{"e2e test report"}},
	{Name: "pm.sync", From: domain.StateE2EValidated, To: domain.StateDelivered, Owner: domain.RoleProductOps,
		Evidence: []string{"release notes", "stakeholder sign-off"}},
}

// Sequence returns the nine gates in canonical order.
func Sequence() []Definition {
	out := make([]Definition, len(sequence))
	copy(out, sequence)
	return out
}

// Get returns the gate definition by name.
func Get(name string) (Definition, error) {
	for _, d := range sequence {
		if d.Name == name {
			return d, nil
		}
	}
	return Definition{}, UnknownGateError{Name: name}
}

// Next returns the earliest gate whose from-state matches the given state.
// ok is false when the state is terminal (no gate leaves it).
func Next(state domain.State) (Definition, bool) {
	for _, d := range sequence {
		if d.From == state {
			return d, true
		}
	}
	return Definition{}, false
}

// Progression returns the gate that moves the given state forward, skipping
// the self-loop. ok is false when the state is terminal.
func Progression(state domain.State) (Definition, bool) {
	for _, d := range sequence {
		if d.From == state && !d.SelfLoop() {
			return d, true
		}
	}
	return Definition{}, false
}

// OwningRole returns the role responsible while a task sits in the given
// state. Terminal states have no owner.
func OwningRole(state domain.State) (domain.Role, bool) {
	d, ok := Next(state)
	if !ok {
		return "", false
	}
	return d.Owner, true
}

// IsTerminal reports whether no gate leaves the given state.
func IsTerminal(state domain.State) bool {
	_, ok := Next(state)
	return !ok
}

// Position returns the 1-based index of the gate in the sequence.
func Position(name string) int {
	for i, d := range sequence {
		if d.Name == name {
			return i + 1
		}
	}
	return 0
}

// ValidState reports whether s is one of the sequence's states.
func ValidState(s domain.State) bool {
	if s == domain.StateDraft {
		return true
	}
	for _, d := range sequence {
		if d.To == s {
			return true
		}
	}
	return false
}
