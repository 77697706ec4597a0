// Package cycle computes renewal cycle windows from renewal rules.
//
// Every renewal method maps to one deterministic date-arithmetic rule. Cycle
// boundaries are half-open [start, end): a reference date landing exactly on
// a boundary belongs to the cycle that just started. A grace period extends
// the due date for compliance-status purposes only and never moves the cycle
// end itself.
package cycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/credentialmate/rules/pkg/contracts"
)

var (
	// ErrBirthDateRequired is returned for birth_month and odd_even_year
	// rules when the snapshot carries no birth date.
	ErrBirthDateRequired = errors.New("renewal rule requires provider birth date")
	// ErrAnchorDateRequired is returned for rolling rules when the license
	// carries neither an issue nor a renewal date.
	ErrAnchorDateRequired = errors.New("rolling renewal requires license issue or renewal date")
	// ErrParityUndetermined is returned for odd_even_year rules when the
	// pack sets no parity flag and the license number contains no digits.
	ErrParityUndetermined = errors.New("cannot determine renewal year parity from license number")
)

// Input carries everything a cycle computation may need. AsOf is the
// evaluation reference date.
type Input struct {
	Rule      contracts.RenewalRule
	License   contracts.License
	BirthDate contracts.Date
	AsOf      contracts.Date
}

// Generate computes the renewal cycle window containing Input.AsOf.
func Generate(in Input) (contracts.RenewalCycle, error) {
	var (
		start, end contracts.Date
		err        error
	)
	switch in.Rule.RenewalMethod {
	case contracts.RenewalFixedDate:
		start, end = fixedDateWindow(in.Rule, in.AsOf)
	case contracts.RenewalBirthMonth:
		start, end, err = birthMonthWindow(in, 0)
	case contracts.RenewalRolling:
		start, end, err = rollingWindow(in)
	case contracts.RenewalOddEvenYear:
		parity, perr := yearParity(in.Rule, in.License)
		if perr != nil {
			return contracts.RenewalCycle{}, perr
		}
		start, end, err = birthMonthWindow(in, parity)
	default:
		return contracts.RenewalCycle{}, fmt.Errorf("unknown renewal method %q", in.Rule.RenewalMethod)
	}
	if err != nil {
		return contracts.RenewalCycle{}, err
	}

	cycle := contracts.RenewalCycle{
		StartDate:   start,
		EndDate:     end,
		NextDueDate: end,
	}
	if in.Rule.GracePeriodDays > 0 {
		cycle.GraceUntil = contracts.DateOf(end.AddDate(0, 0, in.Rule.GracePeriodDays))
	}
	return cycle, nil
}

// fixedDateWindow anchors boundaries at the configured month/day in the
// epoch year and steps them by cycle_length_months.
func fixedDateWindow(rule contracts.RenewalRule, asOf contracts.Date) (contracts.Date, contracts.Date) {
	anchor := clampedDate(rule.EpochYear, time.Month(rule.FixedMonth), rule.FixedDay)
	step := rule.CycleLengthMonths

	months := (asOf.Year()-anchor.Year())*12 + int(asOf.Month()) - int(anchor.Month())
	k := months / step
	if months < 0 {
		k-- // floor toward the epoch for pre-epoch reference dates
	}
	boundary := func(i int) contracts.Date { return anchor.AddMonths(i * step) }
	for boundary(k+1).Time.Compare(asOf.Time) <= 0 {
		k++
	}
	for boundary(k).After(asOf.Time) {
		k--
	}
	return boundary(k), boundary(k + 1)
}

// birthMonthWindow ends cycles on the last day of the provider's birth month.
// Renewal years advance by cycle_length_months/12 from the license anchor
// year. When wantParity is nonzero (1 odd, 2 even), boundary years are
// additionally constrained to that parity.
func birthMonthWindow(in Input, wantParity int) (contracts.Date, contracts.Date, error) {
	if in.BirthDate.IsZero() {
		return contracts.Date{}, contracts.Date{}, ErrBirthDateRequired
	}
	step := in.Rule.CycleLengthMonths / 12
	if step < 1 {
		step = 1
	}
	if wantParity != 0 && step%2 != 0 {
		step = 2 // parity-constrained boundaries are always two years apart
	}
	birthMonth := in.BirthDate.Month()

	// Pick the earliest candidate boundary year, then walk forward in cycle
	// steps until a boundary lands strictly after asOf (exclusive end).
	year := in.AsOf.Year() - 2*step
	if wantParity == 0 {
		if anchor := in.License.AnchorDate(); !anchor.IsZero() {
			// Keep boundary years in phase with the license anchor year.
			year -= ((year-anchor.Year())%step + step) % step
		}
	} else {
		for !matchesParity(year, wantParity) {
			year--
		}
	}

	end := contracts.LastDayOfMonth(year, birthMonth)
	for !end.After(in.AsOf.Time) {
		year += step
		end = contracts.LastDayOfMonth(year, birthMonth)
	}
	start := contracts.LastDayOfMonth(year-step, birthMonth)
	return start, end, nil
}

// rollingWindow starts the cycle at the last issue/renewal date.
func rollingWindow(in Input) (contracts.Date, contracts.Date, error) {
	start := in.License.AnchorDate()
	if start.IsZero() {
		return contracts.Date{}, contracts.Date{}, ErrAnchorDateRequired
	}
	end := start.AddMonths(in.Rule.CycleLengthMonths)
	if in.AsOf.Equal(end.Time) {
		// Boundary reference: the next cycle has just started.
		start = end
		end = start.AddMonths(in.Rule.CycleLengthMonths)
	}
	return start, end, nil
}

// yearParity resolves the configured parity flag, falling back to the parity
// of the license number's trailing digits.
func yearParity(rule contracts.RenewalRule, lic contracts.License) (int, error) {
	switch rule.Parity {
	case contracts.ParityOdd:
		return 1, nil
	case contracts.ParityEven:
		return 2, nil
	}
	lastDigit := -1
	for _, r := range lic.LicenseNumber {
		if r >= '0' && r <= '9' {
			lastDigit = int(r - '0')
		}
	}
	if lastDigit < 0 {
		return 0, fmt.Errorf("%w: %q", ErrParityUndetermined, lic.LicenseNumber)
	}
	if lastDigit%2 == 1 {
		return 1, nil
	}
	return 2, nil
}

func matchesParity(year, parity int) bool {
	if parity == 1 {
		return year%2 != 0
	}
	return year%2 == 0
}

func clampedDate(year int, month time.Month, day int) contracts.Date {
	if last := contracts.LastDayOfMonth(year, month).Day(); day > last {
		day = last
	}
	return contracts.NewDate(year, month, day)
}
