package timerengine

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// cronField is one of a 5-field cron expression's parsed minute/hour/day/
// month/weekday fields: either "any" or an explicit set of allowed values.
type cronField struct {
	any    bool
	values map[int]bool
}

func (f cronField) matches(v int) bool {
	return f.any || f.values[v]
}

// parseCronField parses one field of a standard 5-field cron expression,
// supporting "*", "*/n" (step), "a,b,c" (list), and "a-b" (range) — the
// subset the timer engine's cycle expressions rely on.
func parseCronField(s string, min, max int) (cronField, error) {
	if s == "*" {
		return cronField{any: true}, nil
	}

	values := map[int]bool{}
	for _, part := range strings.Split(s, ",") {
		step := 1
		base := part
		if idx := strings.IndexByte(part, '/'); idx >= 0 {
			base = part[:idx]
			n, err := strconv.Atoi(part[idx+1:])
			if err != nil || n <= 0 {
				return cronField{}, fmt.Errorf("invalid step in cron field %q", s)
			}
			step = n
		}

		lo, hi := min, max
		if base != "*" {
			if dashIdx := strings.IndexByte(base, '-'); dashIdx >= 0 {
				l, err1 := strconv.Atoi(base[:dashIdx])
				h, err2 := strconv.Atoi(base[dashIdx+1:])
				if err1 != nil || err2 != nil {
					return cronField{}, fmt.Errorf("invalid range in cron field %q", s)
				}
				lo, hi = l, h
			} else {
				n, err := strconv.Atoi(base)
				if err != nil {
					return cronField{}, fmt.Errorf("invalid value in cron field %q", s)
				}
				lo, hi = n, n
			}
		}

		for v := lo; v <= hi; v += step {
			if v < min || v > max {
				return cronField{}, fmt.Errorf("cron field value %d out of range [%d,%d]", v, min, max)
			}
			values[v] = true
		}
	}
	return cronField{values: values}, nil
}

type cronSchedule struct {
	minute  cronField
	hour    cronField
	day     cronField
	month   cronField
	weekday cronField
}

func parseCronSchedule(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("cron expression must have 5 fields: %q", expr)
	}

	var sched cronSchedule
	var err error
	if sched.minute, err = parseCronField(fields[0], 0, 59); err != nil {
		return cronSchedule{}, err
	}
	if sched.hour, err = parseCronField(fields[1], 0, 23); err != nil {
		return cronSchedule{}, err
	}
	if sched.day, err = parseCronField(fields[2], 1, 31); err != nil {
		return cronSchedule{}, err
	}
	if sched.month, err = parseCronField(fields[3], 1, 12); err != nil {
		return cronSchedule{}, err
	}
	if sched.weekday, err = parseCronField(fields[4], 0, 6); err != nil {
		return cronSchedule{}, err
	}
	return sched, nil
}

func (s cronSchedule) matches(t time.Time) bool {
	return s.minute.matches(t.Minute()) &&
		s.hour.matches(t.Hour()) &&
		s.day.matches(t.Day()) &&
		s.month.matches(int(t.Month())) &&
		s.weekday.matches(int(t.Weekday()))
}

// nextCronOccurrence returns the first whole minute strictly after `after`
// that satisfies expr. Bounded to a two-year search horizon so a
// contradictory expression (e.g. Feb 30) fails fast instead of spinning.
func nextCronOccurrence(expr string, after time.Time) (time.Time, error) {
	sched, err := parseCronSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}

	t := after.UTC().Truncate(time.Minute).Add(time.Minute)
	horizon := after.AddDate(2, 0, 0)
	for t.Before(horizon) {
		if sched.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no cron occurrence for %q within search horizon", expr)
}
