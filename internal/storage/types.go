package storage

import (
	"context"
	"time"

	"calbot/internal/domain"
)

// Config configures storage.
type Config struct {
	Driver      string // "memory" | "sqlite"
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the event and calendar repository the engine consumes.
//
// List operations take an explicit set of calendar ids; an empty set yields
// no events.
type Store interface {
	CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, error)
	GetEvent(ctx context.Context, id int64) (domain.Event, error)
	UpdateEvent(ctx context.Context, ev domain.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	ListByCalendar(ctx context.Context, calendarID int64) ([]domain.Event, error)

	// ListNear returns live events (end > now) whose start or reminder falls
	// at or before now+horizon, ordered by start.
	ListNear(ctx context.Context, calendarIDs []int64, now time.Time, horizon time.Duration) ([]domain.Event, error)
	// ListEnded returns events whose end <= now.
	ListEnded(ctx context.Context, calendarIDs []int64, now time.Time) ([]domain.Event, error)

	PutCalendar(ctx context.Context, c domain.Calendar) error
	GetCalendar(ctx context.Context, id int64) (domain.Calendar, error)
	GetTimezone(ctx context.Context, calendarID int64) (*time.Location, error)
	GetDefaultChannel(ctx context.Context, calendarID int64) (int64, error)
	// ListCalendarIDs returns the calendars whose chat maps to shardID.
	ListCalendarIDs(ctx context.Context, shardID, shardCount int) ([]int64, error)

	// ClaimFired records key and reports whether this call created it. A key
	// is claimed at most once until it is pruned.
	ClaimFired(ctx context.Context, key string, until time.Time) (bool, error)
	// ReleaseFired drops a claim whose side effect failed so it can be retried.
	ReleaseFired(ctx context.Context, key string) error
	// PruneFired drops markers whose until is before now.
	PruneFired(ctx context.Context, now time.Time) (int, error)

	Close() error
}
