package contracts

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddMonthsClampsToMonthEnd(t *testing.T) {
	tests := []struct {
		name   string
		start  Date
		months int
		want   Date
	}{
		{"jan 31 plus one", NewDate(2025, 1, 31), 1, NewDate(2025, 2, 28)},
		{"jan 31 plus one leap", NewDate(2024, 1, 31), 1, NewDate(2024, 2, 29)},
		{"may 31 plus one", NewDate(2025, 5, 31), 1, NewDate(2025, 6, 30)},
		{"plain add", NewDate(2025, 3, 15), 24, NewDate(2027, 3, 15)},
		{"across year end", NewDate(2025, 11, 30), 3, NewDate(2026, 2, 28)},
		{"negative months", NewDate(2025, 3, 31), -1, NewDate(2025, 2, 28)},
		{"negative across year", NewDate(2025, 1, 15), -2, NewDate(2024, 11, 15)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.start.AddMonths(tt.months))
		})
	}
}

func TestDaysUntil(t *testing.T) {
	d := NewDate(2025, 6, 15)
	assert.Equal(t, 16, d.DaysUntil(NewDate(2025, 7, 1)))
	assert.Equal(t, 0, d.DaysUntil(d))
	assert.Equal(t, -15, d.DaysUntil(NewDate(2025, 5, 31)))
}

func TestLastDayOfMonth(t *testing.T) {
	assert.Equal(t, NewDate(2025, 2, 28), LastDayOfMonth(2025, time.February))
	assert.Equal(t, NewDate(2024, 2, 29), LastDayOfMonth(2024, time.February))
	assert.Equal(t, NewDate(2025, 12, 31), LastDayOfMonth(2025, time.December))
}

func TestDateJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Due Date `json:"due"`
	}

	out, err := json.Marshal(wrapper{Due: NewDate(2025, 3, 31)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"due":"2025-03-31"}`, string(out))

	var in wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"due":"2025-03-31"}`), &in))
	assert.Equal(t, NewDate(2025, 3, 31), in.Due)

	out, err = json.Marshal(wrapper{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"due":null}`, string(out))

	var zero wrapper
	require.NoError(t, json.Unmarshal([]byte(`{"due":null}`), &zero))
	assert.True(t, zero.Due.IsZero())
}

func TestParseDateRejectsGarbage(t *testing.T) {
	_, err := ParseDate("03/31/2025")
	assert.Error(t, err)
	_, err = ParseDate("2025-13-01")
	assert.Error(t, err)
}

func TestDateOfNormalizesToUTCMidnight(t *testing.T) {
	loc := time.FixedZone("CST", -6*60*60)
	// 11pm central time on Mar 30 is already Mar 31 in UTC.
	d := DateOf(time.Date(2025, 3, 30, 23, 0, 0, 0, loc))
	assert.Equal(t, NewDate(2025, 3, 31), d)
}

func TestStatusForDueLadder(t *testing.T) {
	due := NewDate(2025, 6, 1)
	tests := []struct {
		name  string
		asOf  Date
		grace Date
		want  ComplianceStatus
	}{
		{"far out", NewDate(2025, 1, 1), Date{}, StatusCompliant},
		{"within 90", NewDate(2025, 3, 15), Date{}, StatusAtRisk},
		{"within 30", NewDate(2025, 5, 10), Date{}, StatusWarning},
		{"within 7", NewDate(2025, 5, 29), Date{}, StatusUrgent},
		{"on due date", due, Date{}, StatusUrgent},
		{"past due", NewDate(2025, 6, 2), Date{}, StatusExpired},
		{"inside grace", NewDate(2025, 6, 15), NewDate(2025, 7, 1), StatusUrgent},
		{"past grace", NewDate(2025, 7, 2), NewDate(2025, 7, 1), StatusExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusForDue(tt.asOf, due, tt.grace))
		})
	}
}

func TestStatusRankOrdering(t *testing.T) {
	order := []ComplianceStatus{StatusCompliant, StatusAtRisk, StatusWarning, StatusUrgent, StatusExpired}
	for i := 1; i < len(order); i++ {
		assert.Greater(t, order[i].Rank(), order[i-1].Rank())
	}
}
