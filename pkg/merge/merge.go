// Package merge folds per-state compliance results into a single
// provider-level window. Priority ordering is strict and total so that the
// merged output is deterministic regardless of input order.
package merge

import (
	"errors"
	"sort"

	"github.com/credentialmate/rules/pkg/contracts"
)

// ErrNoStates is returned when a merge is attempted with no per-state results.
var ErrNoStates = errors.New("merge: no state results")

// StateInput pairs a state's evaluation result with the gap records derived
// from it.
type StateInput struct {
	Result contracts.StateComplianceResult
	Gaps   []contracts.GapRecord
}

// Result is the provider-level rollup across all evaluated states.
type Result struct {
	NextDueDate contracts.Date
	Status      contracts.ComplianceStatus
	// DrivingState is the state that determined the merged status under the
	// priority ordering.
	DrivingState string
	Gaps         []contracts.GapRecord
}

// effectiveStatus returns the state's status after the controlled-substance
// floor: any DEA or CSR gap raises the state to at least urgent.
func effectiveStatus(r contracts.StateComplianceResult) contracts.ComplianceStatus {
	s := r.Status
	if r.HasControlledSubstanceGap() && s.Rank() < contracts.StatusUrgent.Rank() {
		s = contracts.StatusUrgent
	}
	return s
}

// less orders state a ahead of state b when a is the more pressing result.
// Criteria, in order: higher urgency rank, earlier due date, larger total CME
// deficiency, presence of a controlled-substance gap, then lexical state code
// as the final deterministic tie-break.
func less(a, b contracts.StateComplianceResult) bool {
	ra, rb := effectiveStatus(a).Rank(), effectiveStatus(b).Rank()
	if ra != rb {
		return ra > rb
	}
	da, db := a.EarliestDue(), b.EarliestDue()
	if !da.Equal(db.Time) {
		if da.IsZero() || db.IsZero() {
			return db.IsZero()
		}
		return da.Before(db.Time)
	}
	if ca, cb := a.CmeResult.TotalDeficiency(), b.CmeResult.TotalDeficiency(); ca != cb {
		return ca > cb
	}
	if ga, gb := a.HasControlledSubstanceGap(), b.HasControlledSubstanceGap(); ga != gb {
		return ga
	}
	return a.State < b.State
}

// Merge combines per-state results into a single provider rollup.
//
// The merged next_due_date is the earliest obligation across every state.
// The merged status comes from the highest-priority state under the strict
// ordering. Gaps are the union of all per-state gaps, concatenated in lexical
// state order, never deduplicated.
func Merge(states []StateInput) (Result, error) {
	if len(states) == 0 {
		return Result{}, ErrNoStates
	}

	ordered := make([]StateInput, len(states))
	copy(ordered, states)
	sort.SliceStable(ordered, func(i, j int) bool {
		return less(ordered[i].Result, ordered[j].Result)
	})
	driver := ordered[0].Result

	out := Result{
		Status:       effectiveStatus(driver),
		DrivingState: driver.State,
	}
	for _, s := range ordered {
		due := s.Result.EarliestDue()
		if due.IsZero() {
			continue
		}
		if out.NextDueDate.IsZero() || due.Before(out.NextDueDate.Time) {
			out.NextDueDate = due
		}
	}

	byState := make([]StateInput, len(states))
	copy(byState, states)
	sort.SliceStable(byState, func(i, j int) bool {
		return byState[i].Result.State < byState[j].Result.State
	})
	for _, s := range byState {
		out.Gaps = append(out.Gaps, s.Gaps...)
	}
	return out, nil
}
