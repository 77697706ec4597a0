// Package deacsr evaluates DEA and CSR registration cycles.
//
// DEA registrations renew on a federally fixed 36-month cycle from the last
// registration date. CSR cycles follow the state's configured cycle_months,
// independent of the medical license cycle unless the rule pack marks the
// state "aligned", in which case the CSR due date is clamped to the
// license's.
package deacsr

import (
	"errors"

	"github.com/credentialmate/rules/pkg/contracts"
)

// ErrMissingRegistrationDate is returned when a registration record carries
// no last-registered date. The engine never guesses a start date.
var ErrMissingRegistrationDate = errors.New("registration has no last-registered date")

// EvaluateDea computes the DEA cycle status for one registration.
func EvaluateDea(reg contracts.DeaRegistration, asOf contracts.Date) (contracts.DeaCsrResult, error) {
	if reg.LastRegisteredAt.IsZero() {
		return contracts.DeaCsrResult{}, ErrMissingRegistrationDate
	}
	due := reg.LastRegisteredAt.AddMonths(contracts.DeaCycleMonths)
	return contracts.DeaCsrResult{
		NextDueDate: due,
		Status:      contracts.StatusForDue(asOf, due, contracts.Date{}),
	}, nil
}

// EvaluateCsr computes the CSR cycle status for one registration under the
// state's rule. licenseDue is the medical license's next due date, used only
// when the rule is aligned.
func EvaluateCsr(reg contracts.CsrRegistration, rule contracts.CsrRule, licenseDue contracts.Date, asOf contracts.Date) (contracts.DeaCsrResult, error) {
	if reg.LastRegisteredAt.IsZero() {
		return contracts.DeaCsrResult{}, ErrMissingRegistrationDate
	}
	due := reg.LastRegisteredAt.AddMonths(rule.CycleMonths)
	if rule.Aligned && !licenseDue.IsZero() && licenseDue.Before(due.Time) {
		due = licenseDue
	}
	return contracts.DeaCsrResult{
		NextDueDate: due,
		Status:      contracts.StatusForDue(asOf, due, contracts.Date{}),
	}, nil
}
