// Package gaps classifies evaluation deficiencies into severity-ranked gap
// records, the contract surface downstream notification triggers key off of.
package gaps

import (
	"fmt"
	"sort"

	"github.com/credentialmate/rules/pkg/contracts"
)

// severityForStatus maps the urgency ladder onto severities:
// expired→critical, urgent→high, warning→medium, at_risk→low.
// A compliant component produces no gap at all.
func severityForStatus(status contracts.ComplianceStatus) (contracts.Severity, bool) {
	switch status {
	case contracts.StatusExpired:
		return contracts.SeverityCritical, true
	case contracts.StatusUrgent:
		return contracts.SeverityHigh, true
	case contracts.StatusWarning:
		return contracts.SeverityMedium, true
	case contracts.StatusAtRisk:
		return contracts.SeverityLow, true
	}
	return "", false
}

// Analyze produces the gap records for one state's evaluation result as of
// the evaluation date.
//
// A CME category deficiency always classifies at least medium regardless of
// days until due: a historical shortfall cannot self-resolve with time.
// Record ordering is deterministic: license, CME categories sorted by name,
// DEA, CSR.
func Analyze(result contracts.StateComplianceResult, asOf contracts.Date) []contracts.GapRecord {
	var records []contracts.GapRecord

	licenseStatus := contracts.StatusForDue(asOf, result.Cycle.NextDueDate, result.Cycle.GraceUntil)
	if sev, ok := severityForStatus(licenseStatus); ok {
		records = append(records, contracts.GapRecord{
			GapType:  contracts.GapLicenseRenewal,
			State:    result.State,
			Severity: sev,
			Description: fmt.Sprintf("%s medical license renewal due %s",
				result.State, result.Cycle.NextDueDate),
		})
	}

	categories := make([]string, 0, len(result.CmeResult.DeficiencyHours))
	for category := range result.CmeResult.DeficiencyHours {
		categories = append(categories, category)
	}
	sort.Strings(categories)
	for _, category := range categories {
		sev, ok := severityForStatus(licenseStatus)
		if !ok || sev.Rank() < contracts.SeverityMedium.Rank() {
			sev = contracts.SeverityMedium
		}
		records = append(records, contracts.GapRecord{
			GapType:  contracts.GapCmeDeficiency,
			State:    result.State,
			Severity: sev,
			Description: fmt.Sprintf("%s CME category %q short %.1f hours",
				result.State, category, result.CmeResult.DeficiencyHours[category]),
		})
	}

	if result.DeaResult != nil {
		if sev, ok := severityForStatus(result.DeaResult.Status); ok {
			records = append(records, contracts.GapRecord{
				GapType:  contracts.GapDeaRenewal,
				State:    result.State,
				Severity: sev,
				Description: fmt.Sprintf("%s DEA registration renewal due %s",
					result.State, result.DeaResult.NextDueDate),
			})
		}
	}
	if result.CsrResult != nil {
		if sev, ok := severityForStatus(result.CsrResult.Status); ok {
			records = append(records, contracts.GapRecord{
				GapType:  contracts.GapCsrRenewal,
				State:    result.State,
				Severity: sev,
				Description: fmt.Sprintf("%s CSR registration renewal due %s",
					result.State, result.CsrResult.NextDueDate),
			})
		}
	}
	return records
}
