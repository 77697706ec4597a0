package contracts

import (
	"encoding/json"
	"time"
)

// RuleType is the discriminator for a rule pack body.
type RuleType string

const (
	RuleTypeLicense RuleType = "license"
	RuleTypeCme     RuleType = "cme"
	RuleTypeDea     RuleType = "dea"
	RuleTypeCsr     RuleType = "csr"
)

// RuleTypes lists every valid rule type, in pin order.
var RuleTypes = []RuleType{RuleTypeLicense, RuleTypeCme, RuleTypeDea, RuleTypeCsr}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeLicense, RuleTypeCme, RuleTypeDea, RuleTypeCsr:
		return true
	}
	return false
}

// RulePack is an immutable, version-addressed rule definition. Packs are
// published by an external workflow and never edited in place; the engine
// references them only by exact (rule_type, version).
type RulePack struct {
	RuleType      RuleType        `json:"rule_type"`
	Version       int64           `json:"version"`
	SchemaVersion string          `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
	Body          json.RawMessage `json:"body"`
}

// RenewalMethod selects the date-arithmetic rule for a renewal cycle.
type RenewalMethod string

const (
	RenewalFixedDate   RenewalMethod = "fixed_date"
	RenewalBirthMonth  RenewalMethod = "birth_month"
	RenewalRolling     RenewalMethod = "rolling"
	RenewalOddEvenYear RenewalMethod = "odd_even_year"
)

// YearParity configures odd_even_year renewal when the licensing board does
// not derive parity from the license number.
type YearParity string

const (
	ParityFromLicense YearParity = "" // derive from license-number parity
	ParityOdd         YearParity = "odd"
	ParityEven        YearParity = "even"
)

// RenewalRule is one state's license renewal rule within a license pack body.
type RenewalRule struct {
	State             string        `json:"state"`
	CycleLengthMonths int           `json:"cycle_length_months"`
	RenewalMethod     RenewalMethod `json:"renewal_method"`
	GracePeriodDays   int           `json:"grace_period_days"`

	// fixed_date only: the recurring month/day boundary and the epoch year
	// the cycle sequence is anchored to.
	FixedMonth int `json:"fixed_month,omitempty"`
	FixedDay   int `json:"fixed_day,omitempty"`
	EpochYear  int `json:"epoch_year,omitempty"`

	// odd_even_year only.
	Parity YearParity `json:"parity,omitempty"`
}

// LicensePackBody is the typed body of a license rule pack.
type LicensePackBody struct {
	StateRules map[string]RenewalRule `json:"state_rules"`
}

// ConditionalRequirement adds hours to a category when its predicate matches
// the provider's attributes (special-population requirements: patient
// demographics, prescribing activity, and similar board conditions).
// Condition is a CEL expression over the snapshot's attribute map; it is
// compiled at pack load and evaluated locally with no I/O.
type ConditionalRequirement struct {
	Name       string  `json:"name"`
	Condition  string  `json:"condition"`
	Category   string  `json:"category"`
	DeltaHours float64 `json:"delta_hours"`
}

// CmeMatrix is one state's CME requirement matrix within a cme pack body.
// SpecialtyOverrides holds per-category hour deltas applied to the base
// requirement before deficiency computation.
type CmeMatrix struct {
	State                 string                        `json:"state"`
	CycleMonths           int                           `json:"cycle_months"`
	RequiredHours         map[string]float64            `json:"required_hours"`
	AllowedCarryoverHours float64                       `json:"allowed_carryover_hours"`
	SpecialtyOverrides    map[string]map[string]float64 `json:"specialty_overrides,omitempty"`
	ConditionalRules      []ConditionalRequirement      `json:"conditional_requirements,omitempty"`
}

// CmePackBody is the typed body of a cme rule pack.
type CmePackBody struct {
	StateMatrices map[string]CmeMatrix `json:"state_matrices"`
}

// DeaCycleMonths is the federally fixed DEA registration cycle.
const DeaCycleMonths = 36

// DeaPackBody is the typed body of a dea rule pack. The cycle is federally
// fixed; the pack exists so DEA evaluation is pinned and auditable like every
// other rule type.
type DeaPackBody struct {
	CycleMonths int `json:"cycle_months"`
}

// CsrRule is one state's controlled-substance registration rule.
// Aligned marks CSR renewal as synchronized with the medical license: the CSR
// next-due date is clamped to the license's.
type CsrRule struct {
	State       string `json:"state"`
	CycleMonths int    `json:"cycle_months"`
	Aligned     bool   `json:"aligned,omitempty"`
}

// CsrPackBody is the typed body of a csr rule pack.
type CsrPackBody struct {
	StateRules map[string]CsrRule `json:"state_rules"`
}

// VersionPins names the exact rule pack versions an evaluation ran against.
// Callers supply every pin explicitly; the engine never resolves "latest".
type VersionPins struct {
	LicenseVersion int64 `json:"license_version"`
	CmeVersion     int64 `json:"cme_version"`
	DeaVersion     int64 `json:"dea_version"`
	CsrVersion     int64 `json:"csr_version"`
}

// For returns the pinned version for a rule type, or -1 for unknown types.
func (p VersionPins) For(t RuleType) int64 {
	switch t {
	case RuleTypeLicense:
		return p.LicenseVersion
	case RuleTypeCme:
		return p.CmeVersion
	case RuleTypeDea:
		return p.DeaVersion
	case RuleTypeCsr:
		return p.CsrVersion
	}
	return -1
}
