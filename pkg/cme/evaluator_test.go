package cme

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/credentialmate/rules/pkg/contracts"
)

func date(y int, m time.Month, d int) contracts.Date {
	return contracts.NewDate(y, m, d)
}

func txCycle() contracts.RenewalCycle {
	return contracts.RenewalCycle{
		StartDate:   date(2023, time.March, 31),
		EndDate:     date(2025, time.March, 31),
		NextDueDate: date(2025, time.March, 31),
	}
}

func baseMatrix() contracts.CmeMatrix {
	return contracts.CmeMatrix{
		State:                 "TX",
		CycleMonths:           24,
		RequiredHours:         map[string]float64{"general": 50, "ethics": 2},
		AllowedCarryoverHours: 10,
	}
}

func TestEvaluate_Deficiency(t *testing.T) {
	ev, err := NewEvaluator(baseMatrix())
	require.NoError(t, err)

	result, warnings, err := ev.Evaluate(Input{
		Cycle: txCycle(),
		Events: []contracts.CmeEvent{
			{Category: "general", Hours: 25, CompletedAt: date(2023, time.September, 1)},
			{Category: "general", Hours: 15, CompletedAt: date(2024, time.June, 10)},
			{Category: "ethics", Hours: 2, CompletedAt: date(2024, time.January, 5)},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, 40.0, result.EarnedHours["general"])
	assert.Equal(t, 50.0, result.RequiredHours["general"])
	assert.Equal(t, 10.0, result.DeficiencyHours["general"])
	assert.NotContains(t, result.DeficiencyHours, "ethics")
	assert.Equal(t, 10.0, result.TotalDeficiency())
}

func TestEvaluate_CarryoverCapped(t *testing.T) {
	ev, err := NewEvaluator(baseMatrix())
	require.NoError(t, err)

	// Prior cycle surplus of 15 general hours; only 10 may carry over.
	result, _, err := ev.Evaluate(Input{
		Cycle: txCycle(),
		Events: []contracts.CmeEvent{
			{Category: "general", Hours: 65, CompletedAt: date(2022, time.June, 1)},
			{Category: "general", Hours: 35, CompletedAt: date(2024, time.June, 1)},
			{Category: "ethics", Hours: 2, CompletedAt: date(2024, time.June, 1)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 10.0, result.CarryoverApplied["general"])
	assert.Equal(t, 5.0, result.DeficiencyHours["general"], "50 - (35 earned + 10 carryover)")
}

func TestEvaluate_NoCarryoverWithoutSurplus(t *testing.T) {
	ev, err := NewEvaluator(baseMatrix())
	require.NoError(t, err)

	result, _, err := ev.Evaluate(Input{
		Cycle: txCycle(),
		Events: []contracts.CmeEvent{
			{Category: "general", Hours: 40, CompletedAt: date(2022, time.June, 1)},
			{Category: "general", Hours: 50, CompletedAt: date(2024, time.June, 1)},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, result.CarryoverApplied)
	assert.NotContains(t, result.DeficiencyHours, "general")
}

func TestEvaluate_EventOutsideWindowIgnored(t *testing.T) {
	ev, err := NewEvaluator(baseMatrix())
	require.NoError(t, err)

	result, _, err := ev.Evaluate(Input{
		Cycle: txCycle(),
		Events: []contracts.CmeEvent{
			// Exactly on the exclusive cycle end: belongs to the next cycle.
			{Category: "general", Hours: 50, CompletedAt: date(2025, time.March, 31)},
		},
	})
	require.NoError(t, err)
	assert.Zero(t, result.EarnedHours["general"])
	assert.Equal(t, 50.0, result.DeficiencyHours["general"])
}

func TestEvaluate_UnclassifiedFailsClosed(t *testing.T) {
	ev, err := NewEvaluator(baseMatrix())
	require.NoError(t, err)

	result, warnings, err := ev.Evaluate(Input{
		Cycle: txCycle(),
		Events: []contracts.CmeEvent{
			{Category: "underwater-basket-weaving", Hours: 8, CompletedAt: date(2024, time.June, 1)},
		},
	})
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "underwater-basket-weaving")
	assert.Equal(t, 8.0, result.UnclassifiedHours)
	assert.Zero(t, result.EarnedHours["general"], "unclassified hours join no category sum")
}

func TestEvaluate_SpecialtyOverride(t *testing.T) {
	matrix := baseMatrix()
	matrix.SpecialtyOverrides = map[string]map[string]float64{
		"pain_management": {"opioid_prescribing": 10, "general": -10},
	}
	ev, err := NewEvaluator(matrix)
	require.NoError(t, err)

	result, _, err := ev.Evaluate(Input{
		Cycle:     txCycle(),
		Specialty: "pain_management",
		Events: []contracts.CmeEvent{
			{Category: "general", Hours: 40, CompletedAt: date(2024, time.June, 1)},
			{Category: "ethics", Hours: 2, CompletedAt: date(2024, time.June, 1)},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 40.0, result.RequiredHours["general"])
	assert.Equal(t, 10.0, result.RequiredHours["opioid_prescribing"])
	assert.NotContains(t, result.DeficiencyHours, "general")
	assert.Equal(t, 10.0, result.DeficiencyHours["opioid_prescribing"])
}

func TestEvaluate_ConditionalRequirement(t *testing.T) {
	matrix := baseMatrix()
	matrix.ConditionalRules = []contracts.ConditionalRequirement{{
		Name:       "dea-prescriber-opioid-training",
		Condition:  `attributes["prescribes_controlled_substances"] == true`,
		Category:   "opioid_prescribing",
		DeltaHours: 8,
	}}
	ev, err := NewEvaluator(matrix)
	require.NoError(t, err)

	result, _, err := ev.Evaluate(Input{
		Cycle:      txCycle(),
		Attributes: map[string]any{"prescribes_controlled_substances": true},
	})
	require.NoError(t, err)
	assert.Equal(t, 8.0, result.RequiredHours["opioid_prescribing"])

	result, _, err = ev.Evaluate(Input{
		Cycle:      txCycle(),
		Attributes: map[string]any{"prescribes_controlled_substances": false},
	})
	require.NoError(t, err)
	assert.NotContains(t, result.RequiredHours, "opioid_prescribing")
}

func TestNewEvaluator_RejectsBadCondition(t *testing.T) {
	matrix := baseMatrix()
	matrix.ConditionalRules = []contracts.ConditionalRequirement{{
		Name:      "broken",
		Condition: `this is not CEL`,
		Category:  "general",
	}}
	_, err := NewEvaluator(matrix)
	assert.Error(t, err)
}

func TestNewEvaluator_RejectsNonBooleanCondition(t *testing.T) {
	matrix := baseMatrix()
	matrix.ConditionalRules = []contracts.ConditionalRequirement{{
		Name:      "not-a-predicate",
		Condition: `specialty`,
		Category:  "general",
	}}
	_, err := NewEvaluator(matrix)
	assert.Error(t, err)
}
