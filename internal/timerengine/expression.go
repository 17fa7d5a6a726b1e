package timerengine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rezkam/workcoord/internal/model"
)

// ErrInvalidExpression is returned when a timer expression cannot be parsed
// for its declared TimerType.
var ErrInvalidExpression = fmt.Errorf("timerengine: invalid expression")

// computeInitialDueDate resolves a timer's first DueDate and, for cycle
// timers, its repeat interval, from its TimerType and Expression.
func computeInitialDueDate(timerType model.TimerType, expression string, createdAt time.Time) (dueDate time.Time, repeatIntervalMs *int64, err error) {
	switch timerType {
	case model.TimerDate:
		t, err := parseISO8601DateTime(expression)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		return t, nil, nil

	case model.TimerDuration:
		d, err := parseISO8601Duration(expression)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		return createdAt.Add(d), nil, nil

	case model.TimerCycle:
		due, interval, err := firstCycleOccurrence(expression, createdAt)
		if err != nil {
			return time.Time{}, nil, err
		}
		return due, interval, nil

	default:
		return time.Time{}, nil, fmt.Errorf("%w: unknown timer type %q", ErrInvalidExpression, timerType)
	}
}

// nextDueDate computes a timer's next firing after the current one, for
// repeat=true timers.
func nextDueDate(t *model.Timer, after time.Time) (time.Time, error) {
	if t.RepeatIntervalMs != nil {
		return after.Add(time.Duration(*t.RepeatIntervalMs) * time.Millisecond), nil
	}
	// Cron-style cycle expressions recompute from the cron fields each time.
	expr := strings.TrimPrefix(t.Expression, "R/")
	if isCronExpression(expr) {
		return nextCronOccurrence(expr, after)
	}
	return time.Time{}, fmt.Errorf("%w: cannot advance cycle expression %q", ErrInvalidExpression, t.Expression)
}

// parseISO8601DateTime parses an absolute instant. RFC3339 covers the
// "date" timer type's ISO-8601 date-time requirement.
func parseISO8601DateTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("not a valid ISO-8601 date-time: %q", s)
}

// parseISO8601Duration parses an ISO-8601 duration with both date and time
// components (e.g. "PT5M", "P1DT2H", "P1DT2H30M15S"). Date units use
// fixed lengths (365-day years, 30-day months), which is enough for
// timer arithmetic — due dates are instants, not calendar math.
func parseISO8601Duration(s string) (time.Duration, error) {
	if len(s) < 2 || s[0] != 'P' {
		return 0, fmt.Errorf("must start with 'P' (e.g. 'PT5M', 'P1DT2H'): %q", s)
	}
	rest := s[1:]

	datePart := rest
	timePart := ""
	if idx := strings.IndexByte(rest, 'T'); idx >= 0 {
		datePart = rest[:idx]
		timePart = rest[idx+1:]
	}

	var total time.Duration

	if datePart != "" {
		d, err := accumulate(datePart, map[byte]time.Duration{
			'Y': 365 * 24 * time.Hour,
			'M': 30 * 24 * time.Hour,
			'W': 7 * 24 * time.Hour,
			'D': 24 * time.Hour,
		})
		if err != nil {
			return 0, fmt.Errorf("invalid date component of %q: %w", s, err)
		}
		total += d
	}

	if timePart != "" {
		d, err := accumulate(timePart, map[byte]time.Duration{
			'H': time.Hour,
			'M': time.Minute,
			'S': time.Second,
		})
		if err != nil {
			return 0, fmt.Errorf("invalid time component of %q: %w", s, err)
		}
		total += d
	} else if datePart == rest && !strings.Contains(s, "T") && datePart == "" {
		return 0, fmt.Errorf("empty duration %q", s)
	}

	if datePart == "" && timePart == "" {
		return 0, fmt.Errorf("empty duration %q", s)
	}

	return total, nil
}

func accumulate(s string, units map[byte]time.Duration) (time.Duration, error) {
	var total time.Duration
	var numBuf strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || c == '.' {
			numBuf.WriteByte(c)
			continue
		}
		if numBuf.Len() == 0 {
			return 0, fmt.Errorf("missing number before %q", string(c))
		}
		unit, ok := units[c]
		if !ok {
			return 0, fmt.Errorf("unknown unit %q", string(c))
		}
		num, err := strconv.ParseFloat(numBuf.String(), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number %q: %w", numBuf.String(), err)
		}
		total += time.Duration(num * float64(unit))
		numBuf.Reset()
	}
	if numBuf.Len() > 0 {
		return 0, fmt.Errorf("trailing number without unit in %q", s)
	}
	return total, nil
}

// firstCycleOccurrence resolves a cycle expression's first due date and, for
// fixed-interval forms, its repeat interval in milliseconds. Two forms are
// supported: the BPMN repeating-interval designator
// "R/PT5M" (every 5 minutes, fires immediately then every interval), and a
// standard 5-field cron expression ("*/15 * * * *").
func firstCycleOccurrence(expression string, createdAt time.Time) (time.Time, *int64, error) {
	if strings.HasPrefix(expression, "R/") {
		d, err := parseISO8601Duration(strings.TrimPrefix(expression, "R/"))
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		ms := d.Milliseconds()
		return createdAt.Add(d), &ms, nil
	}

	if isCronExpression(expression) {
		due, err := nextCronOccurrence(expression, createdAt)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
		}
		return due, nil, nil
	}

	return time.Time{}, nil, fmt.Errorf("%w: unrecognized cycle expression %q", ErrInvalidExpression, expression)
}

func isCronExpression(expr string) bool {
	return len(strings.Fields(expr)) == 5
}
