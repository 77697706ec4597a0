//go:build property
// +build property

// Property-based tests for evaluation determinism and idempotence.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/credentialmate/rules/pkg/canonicalize"
	"github.com/credentialmate/rules/pkg/contracts"
	"github.com/credentialmate/rules/pkg/rulepack"
	"github.com/credentialmate/rules/pkg/store"
)

// genSnapshot builds a provider snapshot from generated primitives. Dates
// stay within ranges the fixture packs cover.
func genSnapshot() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(1, 12),      // birth month
		gen.IntRange(1, 28),      // birth day
		gen.IntRange(2019, 2024), // issue year
		gen.IntRange(1, 12),      // issue month
		gen.Float64Range(0, 80),  // earned general hours
	).Map(func(vals []interface{}) contracts.ProviderSnapshot {
		birthMonth := time.Month(vals[0].(int))
		birthDay := vals[1].(int)
		issueYear := vals[2].(int)
		issueMonth := time.Month(vals[3].(int))
		hours := vals[4].(float64)

		return contracts.ProviderSnapshot{
			ProviderID: fmt.Sprintf("prov-%d-%d-%d", issueYear, issueMonth, birthDay),
			BirthDate:  contracts.NewDate(1980, birthMonth, birthDay),
			Licenses: []contracts.License{{
				State: "TX", LicenseNumber: "A-1234",
				IssueDate: contracts.NewDate(issueYear, issueMonth, 15),
			}},
			CmeEvents: []contracts.CmeEvent{
				{Category: "general", Hours: hours, CompletedAt: contracts.NewDate(2025, 5, 1)},
			},
		}
	})
}

func TestRecalculateDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	packs := rulepack.NewMemoryStore()
	publishTestPacks(t, packs)
	asOf := contracts.NewDate(2025, 6, 15)

	properties.Property("identical inputs produce identical windows modulo computed_at", prop.ForAll(
		func(snap contracts.ProviderSnapshot) bool {
			e := New(packs, store.NewMemoryStore(), slog.New(slog.DiscardHandler))

			w1, e1, err1 := e.Recalculate(context.Background(), snap, testPins, asOf)
			w2, e2, err2 := e.Recalculate(context.Background(), snap, testPins, asOf)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			if e1.OutputHash != e2.OutputHash {
				return false
			}

			w1.ComputedAt = time.Time{}
			w2.ComputedAt = time.Time{}
			b1, err := canonicalize.JCS(w1)
			if err != nil {
				return false
			}
			b2, err := canonicalize.JCS(w2)
			if err != nil {
				return false
			}
			return string(b1) == string(b2)
		},
		genSnapshot(),
	))

	properties.TestingRun(t)
}

func TestRecalculateIdempotenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	packs := rulepack.NewMemoryStore()
	publishTestPacks(t, packs)
	asOf := contracts.NewDate(2025, 6, 15)

	properties.Property("reruns never drift status or gaps", prop.ForAll(
		func(snap contracts.ProviderSnapshot) bool {
			e := New(packs, store.NewMemoryStore(), slog.New(slog.DiscardHandler))

			var prevStatus contracts.ComplianceStatus
			var prevGaps string
			for i := 0; i < 3; i++ {
				w, _, err := e.Recalculate(context.Background(), snap, testPins, asOf)
				if err != nil {
					return true
				}
				gapBytes, err := canonicalize.JCS(w.Gaps)
				if err != nil {
					return false
				}
				if i > 0 && (w.MergedStatus != prevStatus || string(gapBytes) != prevGaps) {
					return false
				}
				prevStatus = w.MergedStatus
				prevGaps = string(gapBytes)
			}
			return true
		},
		genSnapshot(),
	))

	properties.TestingRun(t)
}
