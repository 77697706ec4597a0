package engine

import (
	"fmt"

	"github.com/credentialmate/rules/pkg/contracts"
)

// ValidateSnapshot performs the structural checks every run starts with.
// Rule-dependent requirements (birth dates for birth-month renewals, states
// present in the pinned packs) are checked during evaluation, where the rule
// that imposes them is in hand.
func ValidateSnapshot(snap contracts.ProviderSnapshot) error {
	if snap.ProviderID == "" {
		return validationErr("", "provider_id", "must not be empty")
	}
	if len(snap.Licenses) == 0 {
		return validationErr(snap.ProviderID, "licenses", "at least one license is required")
	}
	for i, lic := range snap.Licenses {
		field := fmt.Sprintf("licenses[%d]", i)
		if lic.State == "" {
			return validationErr(snap.ProviderID, field+".state", "must not be empty")
		}
		if lic.AnchorDate().IsZero() {
			return validationErr(snap.ProviderID, field, "needs an issue_date or last_renewed_at")
		}
	}
	for i, event := range snap.CmeEvents {
		field := fmt.Sprintf("cme_events[%d]", i)
		if event.Category == "" {
			return validationErr(snap.ProviderID, field+".category", "must not be empty")
		}
		if event.Hours < 0 {
			return validationErr(snap.ProviderID, field+".hours", "must not be negative")
		}
		if event.CompletedAt.IsZero() {
			return validationErr(snap.ProviderID, field+".completed_at", "must be set")
		}
	}
	for i, reg := range snap.DeaRegistrations {
		field := fmt.Sprintf("dea_registrations[%d]", i)
		if reg.State == "" {
			return validationErr(snap.ProviderID, field+".state", "must not be empty")
		}
		if reg.LastRegisteredAt.IsZero() {
			return validationErr(snap.ProviderID, field+".last_registered_at", "must be set")
		}
	}
	for i, reg := range snap.CsrRegistrations {
		field := fmt.Sprintf("csr_registrations[%d]", i)
		if reg.State == "" {
			return validationErr(snap.ProviderID, field+".state", "must not be empty")
		}
		if reg.LastRegisteredAt.IsZero() {
			return validationErr(snap.ProviderID, field+".last_registered_at", "must be set")
		}
	}
	return nil
}
