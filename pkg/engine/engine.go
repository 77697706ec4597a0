// Package engine runs the full evaluation pipeline for one provider: pinned
// rule packs in, renewal cycles, CME deficiencies, DEA/CSR statuses, merged
// multi-state window, and an execution log entry out.
//
// The pipeline is a pure function of (provider snapshot, version pins, as-of
// date). It performs no fetches of its own and holds no client to any
// network service; reproducibility is structural, not a runtime flag.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/credentialmate/rules/pkg/canonicalize"
	"github.com/credentialmate/rules/pkg/contracts"
	"github.com/credentialmate/rules/pkg/cme"
	"github.com/credentialmate/rules/pkg/cycle"
	"github.com/credentialmate/rules/pkg/deacsr"
	"github.com/credentialmate/rules/pkg/gaps"
	"github.com/credentialmate/rules/pkg/merge"
	"github.com/credentialmate/rules/pkg/rulepack"
	"github.com/credentialmate/rules/pkg/store"
)

// Engine wires the evaluation stages to a rule pack source and the window
// store. One Engine serves concurrent callers; runs for the same provider
// are serialized.
type Engine struct {
	packs  rulepack.Store
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	locks  *keyedLocks
}

func New(packs rulepack.Store, st store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		packs:  packs,
		store:  st,
		logger: logger,
		now:    time.Now,
		locks:  newKeyedLocks(),
	}
}

// packSet holds the four decoded pack bodies one run evaluates against.
type packSet struct {
	pins    contracts.VersionPins
	license *contracts.LicensePackBody
	cme     *contracts.CmePackBody
	dea     *contracts.DeaPackBody
	csr     *contracts.CsrPackBody
}

func (e *Engine) loadPacks(ctx context.Context, pins contracts.VersionPins) (*packSet, error) {
	set := &packSet{pins: pins}
	for _, rt := range contracts.RuleTypes {
		pack, err := e.packs.Load(ctx, rt, pins.For(rt))
		if err != nil {
			return nil, err
		}
		switch rt {
		case contracts.RuleTypeLicense:
			set.license, err = rulepack.DecodeLicenseBody(pack)
		case contracts.RuleTypeCme:
			set.cme, err = rulepack.DecodeCmeBody(pack)
		case contracts.RuleTypeDea:
			set.dea, err = rulepack.DecodeDeaBody(pack)
		case contracts.RuleTypeCsr:
			set.csr, err = rulepack.DecodeCsrBody(pack)
		}
		if err != nil {
			return nil, err
		}
	}
	return set, nil
}

// Recalculate evaluates one provider against explicitly pinned rule pack
// versions and atomically persists the resulting window together with its
// execution log entry. On any fatal error nothing is written.
func (e *Engine) Recalculate(ctx context.Context, snap contracts.ProviderSnapshot, pins contracts.VersionPins, asOf contracts.Date) (*contracts.ComplianceWindow, *contracts.ExecutionLogEntry, error) {
	unlock := e.locks.lock(snap.ProviderID)
	defer unlock()

	window, err := e.evaluate(ctx, snap, pins, asOf)
	if err != nil {
		return nil, nil, err
	}

	draft, err := e.buildLogDraft(snap, pins, asOf, window)
	if err != nil {
		return nil, nil, err
	}
	entry, err := e.store.Commit(ctx, window, draft)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: provider %s: %v", ErrWriteFailure, snap.ProviderID, err)
	}

	e.logger.InfoContext(ctx, "provider recalculated",
		"provider_id", snap.ProviderID,
		"merged_status", window.MergedStatus,
		"merged_next_due_date", window.MergedNextDueDate.String(),
		"gaps", len(window.Gaps),
		"log_sequence", entry.Sequence,
	)
	return window, entry, nil
}

// evaluate runs the pure pipeline: no storage writes, no clock reads beyond
// the caller-supplied as-of date.
func (e *Engine) evaluate(ctx context.Context, snap contracts.ProviderSnapshot, pins contracts.VersionPins, asOf contracts.Date) (*contracts.ComplianceWindow, error) {
	if err := ValidateSnapshot(snap); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		return nil, validationErr(snap.ProviderID, "as_of", "must be set")
	}
	packs, err := e.loadPacks(ctx, pins)
	if err != nil {
		return nil, err
	}

	states := snap.States()
	sort.Strings(states)

	var (
		inputs   []merge.StateInput
		warnings []string
	)
	for _, state := range states {
		result, stateWarnings, err := e.evaluateState(snap, packs, state, asOf)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, merge.StateInput{
			Result: result,
			Gaps:   gaps.Analyze(result, asOf),
		})
		warnings = append(warnings, stateWarnings...)
	}
	warnings = append(warnings, unlicensedRegistrationWarnings(snap)...)

	merged, err := merge.Merge(inputs)
	if err != nil {
		return nil, fmt.Errorf("merge results for %s: %w", snap.ProviderID, err)
	}

	results := make([]contracts.StateComplianceResult, len(inputs))
	for i, in := range inputs {
		results[i] = in.Result
	}
	return &contracts.ComplianceWindow{
		ProviderID:           snap.ProviderID,
		MergedNextDueDate:    merged.NextDueDate,
		MergedStatus:         merged.Status,
		States:               results,
		Gaps:                 merged.Gaps,
		Warnings:             warnings,
		RulePackVersionsUsed: pins,
		ComputedAt:           e.now().UTC(),
	}, nil
}

func (e *Engine) evaluateState(snap contracts.ProviderSnapshot, packs *packSet, state string, asOf contracts.Date) (contracts.StateComplianceResult, []string, error) {
	lic, _ := snap.LicenseFor(state)
	rule, ok := packs.license.StateRules[state]
	if !ok {
		return contracts.StateComplianceResult{}, nil,
			validationErr(snap.ProviderID, "licenses", fmt.Sprintf("no renewal rule for state %q in pinned license pack", state))
	}

	renewal, err := cycle.Generate(cycle.Input{
		Rule:      rule,
		License:   lic,
		BirthDate: snap.BirthDate,
		AsOf:      asOf,
	})
	if err != nil {
		if errors.Is(err, cycle.ErrBirthDateRequired) || errors.Is(err, cycle.ErrParityUndetermined) || errors.Is(err, cycle.ErrAnchorDateRequired) {
			return contracts.StateComplianceResult{}, nil,
				validationErr(snap.ProviderID, "licenses", fmt.Sprintf("state %s: %v", state, err))
		}
		return contracts.StateComplianceResult{}, nil, fmt.Errorf("generate cycle for %s/%s: %w", snap.ProviderID, state, err)
	}

	result := contracts.StateComplianceResult{State: state, Cycle: renewal}
	var warnings []string

	if matrix, ok := packs.cme.StateMatrices[state]; ok {
		evaluator, err := cme.NewEvaluator(matrix)
		if err != nil {
			return contracts.StateComplianceResult{}, nil, fmt.Errorf("cme matrix for %s: %w", state, err)
		}
		cmeResult, cmeWarnings, err := evaluator.Evaluate(cme.Input{
			Cycle:      renewal,
			Events:     eventsForState(snap.CmeEvents, state),
			Specialty:  snap.Specialty,
			Attributes: snap.Attributes,
		})
		if err != nil {
			return contracts.StateComplianceResult{}, nil, fmt.Errorf("evaluate cme for %s/%s: %w", snap.ProviderID, state, err)
		}
		result.CmeResult = cmeResult
		for _, w := range cmeWarnings {
			warnings = append(warnings, state+": "+w)
		}
	} else {
		warnings = append(warnings, fmt.Sprintf("%s: no CME matrix in pinned cme pack; CME not evaluated", state))
	}

	if reg, ok := deaRegistrationFor(snap, state); ok {
		deaResult, err := deacsr.EvaluateDea(reg, asOf)
		if err != nil {
			return contracts.StateComplianceResult{}, nil,
				validationErr(snap.ProviderID, "dea_registrations", fmt.Sprintf("state %s: %v", state, err))
		}
		result.DeaResult = &deaResult
	}
	if reg, ok := csrRegistrationFor(snap, state); ok {
		csrRule, ok := packs.csr.StateRules[state]
		if !ok {
			return contracts.StateComplianceResult{}, nil,
				validationErr(snap.ProviderID, "csr_registrations", fmt.Sprintf("no CSR rule for state %q in pinned csr pack", state))
		}
		csrResult, err := deacsr.EvaluateCsr(reg, csrRule, renewal.NextDueDate, asOf)
		if err != nil {
			return contracts.StateComplianceResult{}, nil,
				validationErr(snap.ProviderID, "csr_registrations", fmt.Sprintf("state %s: %v", state, err))
		}
		result.CsrResult = &csrResult
	}

	result.Status = foldStatus(result, asOf)
	return result, warnings, nil
}

// unlicensedRegistrationWarnings flags DEA and CSR registrations in states
// where the provider holds no license. Evaluation is anchored on licenses, so
// such registrations are surfaced in the window instead of silently skipped.
func unlicensedRegistrationWarnings(snap contracts.ProviderSnapshot) []string {
	licensed := make(map[string]bool, len(snap.Licenses))
	for _, lic := range snap.Licenses {
		licensed[lic.State] = true
	}
	var warnings []string
	for _, reg := range snap.DeaRegistrations {
		if !licensed[reg.State] {
			warnings = append(warnings, fmt.Sprintf("%s: DEA registration without a license in that state; not evaluated", reg.State))
		}
	}
	for _, reg := range snap.CsrRegistrations {
		if !licensed[reg.State] {
			warnings = append(warnings, fmt.Sprintf("%s: CSR registration without a license in that state; not evaluated", reg.State))
		}
	}
	sort.Strings(warnings)
	return warnings
}

// foldStatus takes the worst of the license, DEA, and CSR statuses.
func foldStatus(r contracts.StateComplianceResult, asOf contracts.Date) contracts.ComplianceStatus {
	status := contracts.StatusForDue(asOf, r.Cycle.NextDueDate, r.Cycle.GraceUntil)
	for _, reg := range []*contracts.DeaCsrResult{r.DeaResult, r.CsrResult} {
		if reg != nil && reg.Status.Rank() > status.Rank() {
			status = reg.Status
		}
	}
	return status
}

// eventsForState keeps events tagged for the state plus untagged events,
// which count toward every state.
func eventsForState(events []contracts.CmeEvent, state string) []contracts.CmeEvent {
	var out []contracts.CmeEvent
	for _, e := range events {
		if e.State == "" || e.State == state {
			out = append(out, e)
		}
	}
	return out
}

func deaRegistrationFor(snap contracts.ProviderSnapshot, state string) (contracts.DeaRegistration, bool) {
	for _, reg := range snap.DeaRegistrations {
		if reg.State == state {
			return reg, true
		}
	}
	return contracts.DeaRegistration{}, false
}

func csrRegistrationFor(snap contracts.ProviderSnapshot, state string) (contracts.CsrRegistration, bool) {
	for _, reg := range snap.CsrRegistrations {
		if reg.State == state {
			return reg, true
		}
	}
	return contracts.CsrRegistration{}, false
}

// buildLogDraft assembles the audit record. The input hash covers the exact
// (snapshot, pins, as-of) triple; the output hash covers the window with
// computed_at zeroed, so two runs over identical inputs hash identically.
func (e *Engine) buildLogDraft(snap contracts.ProviderSnapshot, pins contracts.VersionPins, asOf contracts.Date, window *contracts.ComplianceWindow) (contracts.ExecutionLogEntry, error) {
	input, err := canonicalize.JCS(struct {
		Snapshot contracts.ProviderSnapshot `json:"provider_snapshot"`
		Pins     contracts.VersionPins      `json:"rule_pack_versions"`
		AsOf     contracts.Date             `json:"as_of"`
	}{snap, pins, asOf})
	if err != nil {
		return contracts.ExecutionLogEntry{}, fmt.Errorf("canonicalize input for %s: %w", snap.ProviderID, err)
	}

	output, err := canonicalize.JCS(window)
	if err != nil {
		return contracts.ExecutionLogEntry{}, fmt.Errorf("canonicalize window for %s: %w", snap.ProviderID, err)
	}

	deterministic := *window
	deterministic.ComputedAt = time.Time{}
	outputHash, err := canonicalize.CanonicalHash(deterministic)
	if err != nil {
		return contracts.ExecutionLogEntry{}, fmt.Errorf("hash window for %s: %w", snap.ProviderID, err)
	}

	return contracts.ExecutionLogEntry{
		ProviderID:           snap.ProviderID,
		RulePackVersionsUsed: pins,
		InputSnapshot:        input,
		OutputSnapshot:       output,
		InputHash:            canonicalize.HashBytes(input),
		OutputHash:           outputHash,
		ExecutedAt:           window.ComputedAt,
	}, nil
}
