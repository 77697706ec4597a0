// Package cme evaluates completed CME credits against a pinned requirement
// matrix: per-category sums, capped carryover from the prior cycle, specialty
// and conditional overrides, and per-category deficiency.
package cme

import (
	"fmt"
	"sort"

	"github.com/credentialmate/rules/pkg/contracts"
)

// Input is one state's CME evaluation request.
type Input struct {
	Cycle      contracts.RenewalCycle
	Events     []contracts.CmeEvent
	Specialty  string
	Attributes map[string]any
}

// Evaluator applies one state's CME matrix. Conditional requirement
// predicates are compiled once at construction; see conditions.go.
type Evaluator struct {
	matrix     contracts.CmeMatrix
	conditions []compiledCondition
}

// NewEvaluator compiles the matrix's conditional predicates. A matrix whose
// predicate does not compile is rejected here, before any provider is
// evaluated against it.
func NewEvaluator(matrix contracts.CmeMatrix) (*Evaluator, error) {
	conditions, err := compileConditions(matrix.ConditionalRules)
	if err != nil {
		return nil, err
	}
	return &Evaluator{matrix: matrix, conditions: conditions}, nil
}

// Evaluate computes the per-category result for the given cycle.
//
// Events are bucketed into the half-open window [cycle.start, cycle.end);
// the prior cycle window, used for carryover, spans the same length ending
// at cycle.start. An event whose category is not in the (overridden)
// requirement matrix fails closed: it joins no category sum and is reported
// as unclassified hours in the returned warnings.
func (e *Evaluator) Evaluate(in Input) (contracts.CmeEvaluationResult, []string, error) {
	required, err := e.requiredHours(in)
	if err != nil {
		return contracts.CmeEvaluationResult{}, nil, err
	}

	priorStart := in.Cycle.StartDate.AddMonths(-e.matrix.CycleMonths)
	earned := make(map[string]float64, len(required))
	priorEarned := make(map[string]float64, len(required))
	var unclassified float64
	var warnings []string

	for _, event := range in.Events {
		if _, known := required[event.Category]; !known {
			if inWindow(event.CompletedAt, in.Cycle.StartDate, in.Cycle.EndDate) {
				unclassified += event.Hours
				warnings = append(warnings, fmt.Sprintf(
					"unclassified CME category %q: %.1f hours excluded from all sums", event.Category, event.Hours))
			}
			continue
		}
		switch {
		case inWindow(event.CompletedAt, in.Cycle.StartDate, in.Cycle.EndDate):
			earned[event.Category] += event.Hours
		case inWindow(event.CompletedAt, priorStart, in.Cycle.StartDate):
			priorEarned[event.Category] += event.Hours
		}
	}

	result := contracts.CmeEvaluationResult{
		EarnedHours:       earned,
		RequiredHours:     required,
		DeficiencyHours:   make(map[string]float64, len(required)),
		UnclassifiedHours: unclassified,
	}

	carryover := make(map[string]float64)
	for _, category := range sortedKeys(required) {
		surplus := priorEarned[category] - required[category]
		if surplus > 0 {
			applied := surplus
			if applied > e.matrix.AllowedCarryoverHours {
				applied = e.matrix.AllowedCarryoverHours
			}
			if applied > 0 {
				carryover[category] = applied
			}
		}
		deficiency := required[category] - (earned[category] + carryover[category])
		if deficiency > 0 {
			result.DeficiencyHours[category] = deficiency
		}
	}
	if len(carryover) > 0 {
		result.CarryoverApplied = carryover
	}
	return result, warnings, nil
}

// requiredHours resolves the effective per-category requirements: base
// matrix, then specialty deltas, then matched conditional rules. Overrides
// apply before deficiency computation, never after.
func (e *Evaluator) requiredHours(in Input) (map[string]float64, error) {
	required := make(map[string]float64, len(e.matrix.RequiredHours))
	for category, hours := range e.matrix.RequiredHours {
		required[category] = hours
	}

	if overrides, ok := e.matrix.SpecialtyOverrides[in.Specialty]; ok {
		for category, delta := range overrides {
			applyDelta(required, category, delta)
		}
	}

	for _, condition := range e.conditions {
		matched, err := condition.eval(in.Specialty, in.Attributes)
		if err != nil {
			return nil, fmt.Errorf("conditional requirement %q: %w", condition.name, err)
		}
		if matched {
			applyDelta(required, condition.rule.Category, condition.rule.DeltaHours)
		}
	}
	return required, nil
}

func applyDelta(required map[string]float64, category string, delta float64) {
	next := required[category] + delta
	if next < 0 {
		next = 0
	}
	required[category] = next
}

// inWindow reports start <= d < end.
func inWindow(d, start, end contracts.Date) bool {
	return !d.Before(start.Time) && d.Before(end.Time)
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
