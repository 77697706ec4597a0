package contracts

import (
	"encoding/json"
	"time"
)

// ComplianceStatus is the urgency classification of a renewal obligation.
type ComplianceStatus string

const (
	StatusCompliant ComplianceStatus = "compliant"
	StatusAtRisk    ComplianceStatus = "at_risk"
	StatusWarning   ComplianceStatus = "warning"
	StatusUrgent    ComplianceStatus = "urgent"
	StatusExpired   ComplianceStatus = "expired"
)

// Day thresholds of the urgency ladder. These mirror the renewal tracker's
// 90/60/30-day notification flags collapsed to the engine's three pre-expiry
// bands.
const (
	UrgentWithinDays  = 7
	WarningWithinDays = 30
	AtRiskWithinDays  = 90
)

// Rank orders statuses by urgency: expired > urgent > warning > at_risk >
// compliant. Higher rank wins a merge.
func (s ComplianceStatus) Rank() int {
	switch s {
	case StatusExpired:
		return 4
	case StatusUrgent:
		return 3
	case StatusWarning:
		return 2
	case StatusAtRisk:
		return 1
	case StatusCompliant:
		return 0
	}
	return -1
}

// StatusForDue classifies a due date against the evaluation date. The grace
// date, when set, defers only the expired classification; the pre-expiry
// bands always measure against the due date itself.
func StatusForDue(asOf, due, graceUntil Date) ComplianceStatus {
	deadline := due
	if !graceUntil.IsZero() && graceUntil.After(due.Time) {
		deadline = graceUntil
	}
	if asOf.After(deadline.Time) {
		return StatusExpired
	}
	switch days := asOf.DaysUntil(due); {
	case days <= UrgentWithinDays:
		return StatusUrgent
	case days <= WarningWithinDays:
		return StatusWarning
	case days <= AtRiskWithinDays:
		return StatusAtRisk
	default:
		return StatusCompliant
	}
}

// Severity classifies a gap.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Rank orders severities: critical > high > medium > low.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0
	}
	return -1
}

// GapType names the kind of deficiency a gap record reports.
type GapType string

const (
	GapLicenseRenewal GapType = "license_renewal"
	GapCmeDeficiency  GapType = "cme_deficiency"
	GapDeaRenewal     GapType = "dea_renewal"
	GapCsrRenewal     GapType = "csr_renewal"
)

// GapRecord is one identified deficiency. Gaps are the contract surface the
// notification engine keys off of.
type GapRecord struct {
	GapType     GapType  `json:"gap_type"`
	State       string   `json:"state"`
	Description string   `json:"description"`
	Severity    Severity `json:"severity"`
}

// RenewalCycle is the current renewal window for one credential.
// Start is inclusive, End exclusive: a reference date landing exactly on a
// boundary belongs to the cycle that just started. GraceUntil extends the due
// date for status purposes only and never moves End.
type RenewalCycle struct {
	StartDate   Date `json:"start_date"`
	EndDate     Date `json:"end_date"`
	NextDueDate Date `json:"next_due_date"`
	GraceUntil  Date `json:"grace_until,omitempty"`
}

// CmeEvaluationResult is the per-category outcome of a CME evaluation.
type CmeEvaluationResult struct {
	EarnedHours       map[string]float64 `json:"earned_hours"`
	RequiredHours     map[string]float64 `json:"required_hours"`
	CarryoverApplied  map[string]float64 `json:"carryover_applied,omitempty"`
	DeficiencyHours   map[string]float64 `json:"deficiency_hours"`
	UnclassifiedHours float64            `json:"unclassified_hours,omitempty"`
}

// TotalDeficiency sums deficiency hours across categories.
func (r CmeEvaluationResult) TotalDeficiency() float64 {
	var total float64
	for _, h := range r.DeficiencyHours {
		total += h
	}
	return total
}

// DeaCsrResult is the cycle status of one DEA or CSR registration.
type DeaCsrResult struct {
	NextDueDate Date             `json:"next_due_date"`
	Status      ComplianceStatus `json:"status"`
}

// StateComplianceResult is the full evaluation outcome for one state.
type StateComplianceResult struct {
	State     string              `json:"state"`
	Cycle     RenewalCycle        `json:"cycle"`
	CmeResult CmeEvaluationResult `json:"cme_result"`
	DeaResult *DeaCsrResult       `json:"dea_result,omitempty"`
	CsrResult *DeaCsrResult       `json:"csr_result,omitempty"`
	Status    ComplianceStatus    `json:"status"`
}

// HasControlledSubstanceGap reports whether the state's DEA or CSR
// registration carries any deficiency. Controlled-substance gaps outrank
// CME-only findings and force the state's merged urgency to at least urgent.
func (r StateComplianceResult) HasControlledSubstanceGap() bool {
	for _, reg := range []*DeaCsrResult{r.DeaResult, r.CsrResult} {
		if reg != nil && reg.Status != StatusCompliant {
			return true
		}
	}
	return false
}

// EarliestDue returns the soonest due date among the state's license, DEA,
// and CSR obligations.
func (r StateComplianceResult) EarliestDue() Date {
	earliest := r.Cycle.NextDueDate
	for _, reg := range []*DeaCsrResult{r.DeaResult, r.CsrResult} {
		if reg != nil && !reg.NextDueDate.IsZero() &&
			(earliest.IsZero() || reg.NextDueDate.Before(earliest.Time)) {
			earliest = reg.NextDueDate
		}
	}
	return earliest
}

// ComplianceWindow is the persisted, merged per-provider compliance summary.
// It is replaced wholesale on every recompute, never patched field-by-field.
// Re-running with the same snapshot and pins must reproduce it byte-for-byte
// except ComputedAt.
type ComplianceWindow struct {
	ProviderID           string                  `json:"provider_id"`
	MergedNextDueDate    Date                    `json:"merged_next_due_date"`
	MergedStatus         ComplianceStatus        `json:"merged_status"`
	States               []StateComplianceResult `json:"states"`
	Gaps                 []GapRecord             `json:"gaps"`
	Warnings             []string                `json:"warnings,omitempty"`
	RulePackVersionsUsed VersionPins             `json:"rule_pack_versions_used"`
	ComputedAt           time.Time               `json:"computed_at"`
}

// ExecutionLogEntry is the immutable record of one evaluation run. Entries
// are append-only: created once per run, never modified or deleted.
type ExecutionLogEntry struct {
	ID                   string          `json:"id"`
	ProviderID           string          `json:"provider_id"`
	RulePackVersionsUsed VersionPins     `json:"rule_pack_versions_used"`
	InputSnapshot        json.RawMessage `json:"input_snapshot"`
	OutputSnapshot       json.RawMessage `json:"output_snapshot"`
	InputHash            string          `json:"input_hash"`
	OutputHash           string          `json:"output_hash"`
	Sequence             uint64          `json:"sequence"`
	PreviousHash         string          `json:"previous_hash"`
	EntryHash            string          `json:"entry_hash"`
	ExecutedAt           time.Time       `json:"executed_at"`
}
