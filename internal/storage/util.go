package storage

import (
	"fmt"
	"slices"
	"time"

	"calbot/internal/domain"
)

// Precision is the resolution event instants are persisted at.
const Precision = time.Millisecond

// Normalize rounds the instants of ev down to Precision, so the event a
// writer keeps is equal to what a later read returns.
func Normalize(ev domain.Event) domain.Event {
	ev = ev.Clone()
	ev.Start = ev.Start.Truncate(Precision)
	ev.End = ev.End.Truncate(Precision)
	if ev.Reminder != nil {
		r := ev.Reminder.Truncate(Precision)
		ev.Reminder = &r
	}
	return ev
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrTransientStore, err)
}

func notFound(kind string, id int64) error {
	return fmt.Errorf("%s %d: %w", kind, id, domain.ErrNotFound)
}

// isNear is the ListNear predicate shared by both drivers.
func isNear(ev domain.Event, now time.Time, horizon time.Duration) bool {
	if !ev.End.After(now) {
		return false
	}
	limit := now.Add(horizon)
	if !ev.Start.After(limit) {
		return true
	}
	return ev.Reminder != nil && !ev.Reminder.After(limit)
}

func sortByStart(evs []domain.Event) {
	slices.SortStableFunc(evs, func(a, b domain.Event) int {
		if c := a.Start.Compare(b.Start); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
