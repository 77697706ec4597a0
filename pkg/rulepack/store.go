// Package rulepack loads immutable, version-addressed rule packs.
//
// Packs are published by an external workflow and are read-only here: the
// engine references a pack only by exact (rule_type, version), and a missing
// pin is a hard caller error, never resolved to "latest". Every pack is
// schema-validated and decoded into its typed body at load time so a
// malformed pack fails the run before evaluation starts.
package rulepack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/credentialmate/rules/pkg/contracts"
)

var (
	// ErrNotFound is returned when the pinned (rule_type, version) does not
	// exist. Not retried: a missing pin is a caller error.
	ErrNotFound = errors.New("rule pack not found")
	// ErrMalformedPack is returned when a stored pack fails schema
	// validation or typed decoding.
	ErrMalformedPack = errors.New("malformed rule pack")
)

// schemaConstraint is the pack schema_version range this engine understands.
var schemaConstraint = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Store is the read-only rule pack repository. Concurrent reads are safe;
// no write path exists.
type Store interface {
	// Load fetches the pack pinned by exact (rule_type, version).
	Load(ctx context.Context, ruleType contracts.RuleType, version int64) (*contracts.RulePack, error)

	// ListVersions returns the published versions for a rule type in
	// ascending order. Introspection only; evaluation never calls it.
	ListVersions(ctx context.Context, ruleType contracts.RuleType) ([]int64, error)
}

// Validate checks a loaded pack end to end: envelope coherence, schema
// version range, JSON Schema conformance of the body, and typed decode.
func Validate(p *contracts.RulePack) error {
	if !p.RuleType.Valid() {
		return fmt.Errorf("%w: unknown rule_type %q", ErrMalformedPack, p.RuleType)
	}
	if p.Version <= 0 {
		return fmt.Errorf("%w: non-positive version %d", ErrMalformedPack, p.Version)
	}
	sv, err := semver.NewVersion(p.SchemaVersion)
	if err != nil {
		return fmt.Errorf("%w: invalid schema_version %q: %v", ErrMalformedPack, p.SchemaVersion, err)
	}
	if !schemaConstraint.Check(sv) {
		return fmt.Errorf("%w: schema_version %s outside supported range %s", ErrMalformedPack, sv, schemaConstraint)
	}
	if err := validateBodySchema(p.RuleType, p.Body); err != nil {
		return err
	}
	// Typed decode catches what the schema cannot express.
	switch p.RuleType {
	case contracts.RuleTypeLicense:
		_, err = DecodeLicenseBody(p)
	case contracts.RuleTypeCme:
		_, err = DecodeCmeBody(p)
	case contracts.RuleTypeDea:
		_, err = DecodeDeaBody(p)
	case contracts.RuleTypeCsr:
		_, err = DecodeCsrBody(p)
	}
	return err
}

// DecodeLicenseBody decodes and sanity-checks a license pack body.
func DecodeLicenseBody(p *contracts.RulePack) (*contracts.LicensePackBody, error) {
	if p.RuleType != contracts.RuleTypeLicense {
		return nil, fmt.Errorf("%w: expected license pack, got %s", ErrMalformedPack, p.RuleType)
	}
	var body contracts.LicensePackBody
	if err := strictDecode(p.Body, &body); err != nil {
		return nil, err
	}
	for state, rule := range body.StateRules {
		if rule.CycleLengthMonths <= 0 {
			return nil, fmt.Errorf("%w: state %s cycle_length_months must be positive", ErrMalformedPack, state)
		}
		switch rule.RenewalMethod {
		case contracts.RenewalFixedDate:
			if rule.FixedMonth < 1 || rule.FixedMonth > 12 || rule.FixedDay < 1 || rule.FixedDay > 31 {
				return nil, fmt.Errorf("%w: state %s fixed_date rule needs fixed_month/fixed_day", ErrMalformedPack, state)
			}
			if rule.EpochYear <= 0 {
				return nil, fmt.Errorf("%w: state %s fixed_date rule needs epoch_year", ErrMalformedPack, state)
			}
		case contracts.RenewalBirthMonth, contracts.RenewalRolling, contracts.RenewalOddEvenYear:
		default:
			return nil, fmt.Errorf("%w: state %s unknown renewal_method %q", ErrMalformedPack, state, rule.RenewalMethod)
		}
	}
	return &body, nil
}

// DecodeCmeBody decodes and sanity-checks a cme pack body.
func DecodeCmeBody(p *contracts.RulePack) (*contracts.CmePackBody, error) {
	if p.RuleType != contracts.RuleTypeCme {
		return nil, fmt.Errorf("%w: expected cme pack, got %s", ErrMalformedPack, p.RuleType)
	}
	var body contracts.CmePackBody
	if err := strictDecode(p.Body, &body); err != nil {
		return nil, err
	}
	for state, matrix := range body.StateMatrices {
		if matrix.CycleMonths <= 0 {
			return nil, fmt.Errorf("%w: state %s cme cycle_months must be positive", ErrMalformedPack, state)
		}
		if matrix.AllowedCarryoverHours < 0 {
			return nil, fmt.Errorf("%w: state %s allowed_carryover_hours must not be negative", ErrMalformedPack, state)
		}
		for cat, hours := range matrix.RequiredHours {
			if hours < 0 {
				return nil, fmt.Errorf("%w: state %s category %s required_hours must not be negative", ErrMalformedPack, state, cat)
			}
		}
		for _, cond := range matrix.ConditionalRules {
			if cond.Condition == "" || cond.Category == "" {
				return nil, fmt.Errorf("%w: state %s conditional requirement %q incomplete", ErrMalformedPack, state, cond.Name)
			}
		}
	}
	return &body, nil
}

// DecodeDeaBody decodes a dea pack body. The cycle is federally fixed; a
// pack that disagrees is rejected rather than silently corrected.
func DecodeDeaBody(p *contracts.RulePack) (*contracts.DeaPackBody, error) {
	if p.RuleType != contracts.RuleTypeDea {
		return nil, fmt.Errorf("%w: expected dea pack, got %s", ErrMalformedPack, p.RuleType)
	}
	var body contracts.DeaPackBody
	if err := strictDecode(p.Body, &body); err != nil {
		return nil, err
	}
	if body.CycleMonths != contracts.DeaCycleMonths {
		return nil, fmt.Errorf("%w: dea cycle_months must be %d, got %d", ErrMalformedPack, contracts.DeaCycleMonths, body.CycleMonths)
	}
	return &body, nil
}

// DecodeCsrBody decodes and sanity-checks a csr pack body.
func DecodeCsrBody(p *contracts.RulePack) (*contracts.CsrPackBody, error) {
	if p.RuleType != contracts.RuleTypeCsr {
		return nil, fmt.Errorf("%w: expected csr pack, got %s", ErrMalformedPack, p.RuleType)
	}
	var body contracts.CsrPackBody
	if err := strictDecode(p.Body, &body); err != nil {
		return nil, err
	}
	for state, rule := range body.StateRules {
		if rule.CycleMonths <= 0 {
			return nil, fmt.Errorf("%w: state %s csr cycle_months must be positive", ErrMalformedPack, state)
		}
	}
	return &body, nil
}

func strictDecode(raw json.RawMessage, into any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPack, err)
	}
	return nil
}
