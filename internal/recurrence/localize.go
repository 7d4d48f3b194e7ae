package recurrence

import (
	"fmt"
	"strings"
	"time"

	"calbot/internal/domain"
)

// LoadTimezone resolves an IANA zone name. It is the only place an invalid
// zone is reported; the engine itself only ever receives a *time.Location.
func LoadTimezone(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w: %q", domain.ErrTimezoneInvalid, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", domain.ErrTimezoneInvalid, name, err)
	}
	return loc, nil
}

// wallClock returns t's local date-time in loc, carried in a UTC value so
// calendar arithmetic on it never crosses a zone transition.
func wallClock(t time.Time, loc *time.Location) time.Time {
	l := t.In(loc)
	return time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), l.Minute(), l.Second(), l.Nanosecond(), time.UTC)
}

// Resolve maps a wall clock (as produced by wallClock) back to an instant in
// loc. A local time skipped by a forward transition moves forward by the
// length of the gap; an ambiguous local time resolves to the earlier instant.
func Resolve(wall time.Time, loc *time.Location) time.Time {
	// Offsets in effect a day and a half either side cover any single
	// transition around the wall time.
	_, before := wall.Add(-36 * time.Hour).In(loc).Zone()
	_, after := wall.Add(36 * time.Hour).In(loc).Zone()

	var best time.Time
	for _, off := range [2]int{before, after} {
		cand := wall.Add(-time.Duration(off) * time.Second)
		if _, got := cand.In(loc).Zone(); got != off {
			continue
		}
		if best.IsZero() || cand.Before(best) {
			best = cand
		}
	}
	if best.IsZero() {
		// Gap: interpret with the pre-transition offset.
		best = wall.Add(-time.Duration(before) * time.Second)
	}
	return best.In(loc)
}
