// Package recurrence advances events by one occurrence of their repeat rule,
// re-localized to the calendar's timezone.
package recurrence

import (
	"errors"
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"calbot/internal/domain"
)

var (
	// ErrNotRepeating is returned when Advance is asked to move a RepeatNone event.
	ErrNotRepeating = errors.New("recurrence: event does not repeat")
	// ErrCatchUpLimit guards CatchUp against pathological inputs.
	ErrCatchUpLimit = errors.New("recurrence: catch-up iteration limit reached")
)

// MaxCatchUp bounds the number of Advance calls a single CatchUp performs.
const MaxCatchUp = 100_000

// Advance returns a copy of ev shifted by exactly one occurrence of its
// repeat rule. End and reminder keep their offsets from start.
func Advance(ev domain.Event, loc *time.Location) (domain.Event, error) {
	if loc == nil {
		return ev, fmt.Errorf("%w: nil location", domain.ErrTimezoneInvalid)
	}
	wall := wallClock(ev.Start, loc)

	var next time.Time
	switch ev.Repeat {
	case domain.RepeatDaily:
		next = wall.AddDate(0, 0, 1)
	case domain.RepeatWeekly:
		next = wall.AddDate(0, 0, 7)
	case domain.RepeatMonthly:
		next = addMonthClamped(wall)
	case domain.RepeatMonthlyWeekday:
		var err error
		if next, err = nextOrdinalWeekday(wall); err != nil {
			return ev, err
		}
	case domain.RepeatNone:
		return ev, ErrNotRepeating
	default:
		return ev, fmt.Errorf("%w: %s", domain.ErrInvalidEvent, ev.Repeat)
	}

	out := ev.Clone()
	out.Start = Resolve(next, loc)
	out.End = out.Start.Add(ev.End.Sub(ev.Start))
	if ev.Reminder != nil {
		r := out.Start.Add(ev.Reminder.Sub(ev.Start))
		out.Reminder = &r
	}
	return out, nil
}

// CatchUp advances ev until its start lies strictly after now. It returns the
// number of occurrences skipped; an event already in the future is returned
// unchanged with zero.
func CatchUp(ev domain.Event, loc *time.Location, now time.Time) (domain.Event, int, error) {
	n := 0
	for !ev.Start.After(now) {
		if n >= MaxCatchUp {
			return ev, n, ErrCatchUpLimit
		}
		next, err := Advance(ev, loc)
		if err != nil {
			return ev, n, err
		}
		ev = next
		n++
	}
	return ev, n, nil
}

// addMonthClamped moves to the same day of the following month, clamping to
// the last day when the target month is shorter (Jan 31 -> Feb 28).
func addMonthClamped(wall time.Time) time.Time {
	y, m, d := wall.Date()
	firstOfNext := time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC)
	if last := daysIn(firstOfNext.Year(), firstOfNext.Month()); d > last {
		d = last
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), d, wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

var rruleDays = [7]rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// Ordinal returns the 1-based occurrence of t's weekday within its month.
// 5 means the fifth, which is always also the last.
func Ordinal(t time.Time) int { return (t.Day()-1)/7 + 1 }

// nextOrdinalWeekday finds the same ordinal weekday in the following month.
// A fifth occurrence maps to the last occurrence, which always exists.
func nextOrdinalWeekday(wall time.Time) (time.Time, error) {
	n := Ordinal(wall)
	if n == 5 {
		n = -1
	}
	wd := rruleDays[wall.Weekday()]

	y, m, _ := wall.Date()
	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.MONTHLY,
		Dtstart:   time.Date(y, m+1, 1, 0, 0, 0, 0, time.UTC),
		Byweekday: []rrule.Weekday{wd.Nth(n)},
		Count:     1,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("recurrence: monthly weekday rule: %w", err)
	}
	occ := r.All()
	if len(occ) == 0 {
		return time.Time{}, fmt.Errorf("recurrence: no %s occurrence after %s", wall.Weekday(), wall.Format("2006-01"))
	}
	d := occ[0]
	return time.Date(d.Year(), d.Month(), d.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.UTC), nil
}
