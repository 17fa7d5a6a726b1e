package timerengine

import (
	"testing"
	"time"

	"github.com/rezkam/workcoord/internal/model"
	"github.com/rezkam/workcoord/internal/ptr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeInitialDueDate_Date(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	due, interval, err := computeInitialDueDate(model.TimerDate, "2024-03-05T12:30:00Z", createdAt)
	require.NoError(t, err)
	assert.Nil(t, interval)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 30, 0, 0, time.UTC), due)
}

func TestComputeInitialDueDate_DateWithoutZone(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	due, _, err := computeInitialDueDate(model.TimerDate, "2024-03-05T12:30:00", createdAt)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 30, 0, 0, time.UTC), due)
}

func TestComputeInitialDueDate_Duration(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		expression string
		want       time.Time
	}{
		{"PT5M", createdAt.Add(5 * time.Minute)},
		{"PT1H30M", createdAt.Add(90 * time.Minute)},
		{"P1DT2H", createdAt.Add(26 * time.Hour)},
		{"P2W", createdAt.Add(14 * 24 * time.Hour)},
		{"PT0.5S", createdAt.Add(500 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.expression, func(t *testing.T) {
			due, interval, err := computeInitialDueDate(model.TimerDuration, tt.expression, createdAt)
			require.NoError(t, err)
			assert.Nil(t, interval)
			assert.Equal(t, tt.want, due)
		})
	}
}

func TestComputeInitialDueDate_CycleRepeatingInterval(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	due, interval, err := computeInitialDueDate(model.TimerCycle, "R/PT5M", createdAt)
	require.NoError(t, err)
	require.NotNil(t, interval)
	assert.Equal(t, int64(5*60*1000), *interval)
	assert.Equal(t, createdAt.Add(5*time.Minute), due)
}

func TestComputeInitialDueDate_CycleCron(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)

	due, interval, err := computeInitialDueDate(model.TimerCycle, "*/15 * * * *", createdAt)
	require.NoError(t, err)
	assert.Nil(t, interval)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), due)
}

func TestComputeInitialDueDate_Invalid(t *testing.T) {
	createdAt := time.Now().UTC()

	for _, tc := range []struct {
		timerType  model.TimerType
		expression string
	}{
		{model.TimerDate, "not-a-date"},
		{model.TimerDuration, "5 minutes"},
		{model.TimerDuration, "P"},
		{model.TimerDuration, "PT5X"},
		{model.TimerCycle, "R/5m"},
		{model.TimerCycle, "whenever"},
		{model.TimerType("interval"), "PT5M"},
	} {
		_, _, err := computeInitialDueDate(tc.timerType, tc.expression, createdAt)
		assert.ErrorIs(t, err, ErrInvalidExpression, "type=%s expr=%q", tc.timerType, tc.expression)
	}
}

func TestNextDueDate_FixedInterval(t *testing.T) {
	fired := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)
	timer := &model.Timer{
		Expression:       "R/PT1M",
		RepeatIntervalMs: ptr.To(int64(60_000)),
	}

	next, err := nextDueDate(timer, fired)
	require.NoError(t, err)
	assert.Equal(t, fired.Add(time.Minute), next)
}

func TestNextDueDate_Cron(t *testing.T) {
	fired := time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)
	timer := &model.Timer{Expression: "*/15 * * * *"}

	next, err := nextDueDate(timer, fired)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), next)
}

func TestNextCronOccurrence(t *testing.T) {
	after := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC) // a Friday

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"every minute", "* * * * *", time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"daily at 02:30", "30 2 * * *", time.Date(2024, 3, 2, 2, 30, 0, 0, time.UTC)},
		{"first of month", "0 0 1 * *", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)},
		{"mondays at 09:00", "0 9 * * 1", time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)},
		{"range of hours", "0 9-11 * * *", time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)},
		{"value list", "15,45 6 * * *", time.Date(2024, 3, 2, 6, 15, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := nextCronOccurrence(tt.expr, after)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextCronOccurrence_Unsatisfiable(t *testing.T) {
	// February 30th never exists; the search must give up at its horizon
	// instead of spinning forever.
	_, err := nextCronOccurrence("0 0 30 2 *", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.Error(t, err)
}

func TestParseCronSchedule_FieldErrors(t *testing.T) {
	for _, expr := range []string{
		"* * * *",       // too few fields
		"60 * * * *",    // minute out of range
		"* 24 * * *",    // hour out of range
		"*/0 * * * *",   // zero step
		"a-b * * * *",   // non-numeric range
		"* * * * 1-7/x", // bad step
	} {
		_, err := parseCronSchedule(expr)
		assert.Error(t, err, "expr=%q", expr)
	}
}
