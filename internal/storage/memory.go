package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"calbot/internal/domain"
	"calbot/internal/recurrence"
)

// Memory is a process-local Store. Events are deep-copied on the way in and
// out so callers never share slices with the store.
type Memory struct {
	mu        sync.RWMutex
	seq       int64
	events    map[int64]domain.Event
	calendars map[int64]domain.Calendar
	fired     map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{
		events:    map[int64]domain.Event{},
		calendars: map[int64]domain.Calendar{},
		fired:     map[string]time.Time{},
	}
}

func (m *Memory) CreateEvent(_ context.Context, ev domain.Event) (domain.Event, error) {
	if err := ev.Validate(); err != nil {
		return domain.Event{}, err
	}
	ev = Normalize(ev)
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.ID == 0 {
		m.seq++
		ev.ID = m.seq
	} else if ev.ID > m.seq {
		m.seq = ev.ID
	}
	m.events[ev.ID] = ev
	return ev.Clone(), nil
}

func (m *Memory) GetEvent(_ context.Context, id int64) (domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return domain.Event{}, notFound("event", id)
	}
	return ev.Clone(), nil
}

func (m *Memory) UpdateEvent(_ context.Context, ev domain.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; !ok {
		return notFound("event", ev.ID)
	}
	m.events[ev.ID] = Normalize(ev)
	return nil
}

func (m *Memory) DeleteEvent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[id]; !ok {
		return notFound("event", id)
	}
	delete(m.events, id)
	return nil
}

func (m *Memory) ListByCalendar(_ context.Context, calendarID int64) ([]domain.Event, error) {
	return m.filter([]int64{calendarID}, func(domain.Event) bool { return true }), nil
}

func (m *Memory) ListNear(_ context.Context, calendarIDs []int64, now time.Time, horizon time.Duration) ([]domain.Event, error) {
	return m.filter(calendarIDs, func(ev domain.Event) bool { return isNear(ev, now, horizon) }), nil
}

func (m *Memory) ListEnded(_ context.Context, calendarIDs []int64, now time.Time) ([]domain.Event, error) {
	return m.filter(calendarIDs, func(ev domain.Event) bool { return !ev.End.After(now) }), nil
}

func (m *Memory) filter(calendarIDs []int64, keep func(domain.Event) bool) []domain.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Event
	for _, ev := range m.events {
		if slices.Contains(calendarIDs, ev.CalendarID) && keep(ev) {
			out = append(out, ev.Clone())
		}
	}
	sortByStart(out)
	return out
}

func (m *Memory) PutCalendar(_ context.Context, c domain.Calendar) error {
	if _, err := recurrence.LoadTimezone(c.Timezone); err != nil {
		return err
	}
	m.mu.Lock()
	m.calendars[c.ID] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetCalendar(_ context.Context, id int64) (domain.Calendar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.calendars[id]
	if !ok {
		return domain.Calendar{}, notFound("calendar", id)
	}
	return c, nil
}

func (m *Memory) GetTimezone(ctx context.Context, calendarID int64) (*time.Location, error) {
	c, err := m.GetCalendar(ctx, calendarID)
	if err != nil {
		return nil, err
	}
	return recurrence.LoadTimezone(c.Timezone)
}

func (m *Memory) GetDefaultChannel(ctx context.Context, calendarID int64) (int64, error) {
	c, err := m.GetCalendar(ctx, calendarID)
	if err != nil {
		return 0, err
	}
	return c.DefaultChannel, nil
}

func (m *Memory) ListCalendarIDs(_ context.Context, shardID, shardCount int) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int64
	for id, c := range m.calendars {
		if domain.ShardFor(c.ChatID, shardCount) == shardID {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *Memory) ClaimFired(_ context.Context, key string, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fired[key]; ok {
		return false, nil
	}
	m.fired[key] = until
	return true, nil
}

func (m *Memory) ReleaseFired(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.fired, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) PruneFired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, until := range m.fired {
		if until.Before(now) {
			delete(m.fired, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
