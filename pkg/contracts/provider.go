package contracts

// ProviderSnapshot is the full set of provider facts an evaluation runs
// against. Snapshots are assembled by the caller before the pipeline starts;
// the engine performs no fetches of its own, so a (snapshot, pins) pair fully
// determines the output.
type ProviderSnapshot struct {
	ProviderID string         `json:"provider_id"`
	BirthDate  Date           `json:"birth_date"`
	Specialty  string         `json:"specialty,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	Licenses         []License         `json:"licenses"`
	CmeEvents        []CmeEvent        `json:"cme_events,omitempty"`
	DeaRegistrations []DeaRegistration `json:"dea_registrations,omitempty"`
	CsrRegistrations []CsrRegistration `json:"csr_registrations,omitempty"`
}

// States returns the distinct license states in first-seen order.
func (s ProviderSnapshot) States() []string {
	seen := make(map[string]bool, len(s.Licenses))
	var states []string
	for _, lic := range s.Licenses {
		if !seen[lic.State] {
			seen[lic.State] = true
			states = append(states, lic.State)
		}
	}
	return states
}

// LicenseFor returns the provider's license in the given state, if any.
func (s ProviderSnapshot) LicenseFor(state string) (License, bool) {
	for _, lic := range s.Licenses {
		if lic.State == state {
			return lic, true
		}
	}
	return License{}, false
}

// License is one state medical license instance.
type License struct {
	State         string `json:"state"`
	LicenseNumber string `json:"license_number"`
	LicenseType   string `json:"license_type,omitempty"` // MD, DO
	IssueDate     Date   `json:"issue_date"`
	LastRenewedAt Date   `json:"last_renewed_at,omitempty"`
}

// AnchorDate is the reference a renewal cycle is computed from: the last
// renewal when one exists, otherwise the issue date.
func (l License) AnchorDate() Date {
	if !l.LastRenewedAt.IsZero() {
		return l.LastRenewedAt
	}
	return l.IssueDate
}

// CmeEvent is one completed CME activity.
type CmeEvent struct {
	State       string  `json:"state,omitempty"` // empty: counts toward every state
	Category    string  `json:"category"`
	Hours       float64 `json:"hours"`
	CompletedAt Date    `json:"completed_at"`
}

// DeaRegistration is a federal controlled-substance registration.
type DeaRegistration struct {
	State            string `json:"state"`
	RegistrationID   string `json:"registration_id,omitempty"`
	LastRegisteredAt Date   `json:"last_registered_at"`
}

// CsrRegistration is a state controlled-substance registration.
type CsrRegistration struct {
	State            string `json:"state"`
	RegistrationID   string `json:"registration_id,omitempty"`
	LastRegisteredAt Date   `json:"last_registered_at"`
}
