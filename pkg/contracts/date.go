package contracts

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire format for calendar dates in all three JSON contracts.
const DateLayout = "2006-01-02"

// Date is a calendar date with no time-of-day component.
// All cycle arithmetic in the engine operates on Dates, normalized to UTC
// midnight, so that two runs serialize to identical bytes regardless of the
// host timezone.
type Date struct {
	time.Time
}

// NewDate constructs a Date at UTC midnight.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

// DateOf truncates t to a Date in UTC.
func DateOf(t time.Time) Date {
	u := t.UTC()
	return NewDate(u.Year(), u.Month(), u.Day())
}

// ParseDate parses a date in the 2006-01-02 wire format.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return DateOf(t), nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

// DaysUntil returns the whole days from d to other. Negative if other is past.
func (d Date) DaysUntil(other Date) int {
	return int(other.Time.Sub(d.Time).Hours() / 24)
}

// AddMonths adds n calendar months with end-of-month clamping: Jan 31 + 1
// month is Feb 28/29, not Mar 2. Cycle boundaries must never spill into the
// following month.
func (d Date) AddMonths(n int) Date {
	y, m, day := d.Date()
	totalMonths := int(m) - 1 + n
	ny := y + totalMonths/12
	nm := time.Month(totalMonths%12 + 1)
	if totalMonths < 0 && totalMonths%12 != 0 {
		ny--
		nm = time.Month(totalMonths%12 + 13)
	}
	if last := daysIn(ny, nm); day > last {
		day = last
	}
	return NewDate(ny, nm, day)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// LastDayOfMonth returns the final day of the given month.
func LastDayOfMonth(year int, month time.Month) Date {
	return NewDate(year, month, daysIn(year, month))
}

// MarshalJSON emits the 2006-01-02 wire format.
func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte(`null`), nil
	}
	return []byte(`"` + d.Format(DateLayout) + `"`), nil
}

// UnmarshalJSON accepts the 2006-01-02 wire format or null.
func (d *Date) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*d = Date{}
		return nil
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
