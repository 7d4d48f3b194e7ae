// Package reconcile resolves events whose lifetime ended while no process
// was watching them: non-repeating events are deleted and repeating events
// are fast-forwarded to their next future occurrence.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/domain"
	"calbot/internal/eventbus"
	"calbot/internal/lock"
	"calbot/internal/metrics"
	"calbot/internal/recurrence"
	"calbot/pkg/logx"
)

type Store interface {
	ListEnded(ctx context.Context, calendarIDs []int64, now time.Time) ([]domain.Event, error)
	ListCalendarIDs(ctx context.Context, shardID, shardCount int) ([]int64, error)
	GetEvent(ctx context.Context, id int64) (domain.Event, error)
	UpdateEvent(ctx context.Context, ev domain.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	GetTimezone(ctx context.Context, calendarID int64) (*time.Location, error)
}

// Unscheduler drops armed triggers of a deleted event.
type Unscheduler interface {
	Unschedule(ctx context.Context, eventID int64) int
}

type Config struct {
	ShardID    int
	ShardCount int
	LockTTL    time.Duration
}

// Report counts per-event outcomes of one pass. Skipped events were leased
// by another process; Failed events hit an error. Neither aborts the pass.
type Report struct {
	Deleted  int
	Advanced int
	Skipped  int
	Failed   int
}

func (r *Report) add(o Report) {
	r.Deleted += o.Deleted
	r.Advanced += o.Advanced
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

type Service struct {
	cfg    Config
	store  Store
	locker lock.Locker
	unsch  Unscheduler

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

type Option func(*Service)

func WithLogger(l logx.Logger) Option       { return func(s *Service) { s.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithUnscheduler(u Unscheduler) Option  { return func(s *Service) { s.unsch = u } }

func New(cfg Config, st Store, l lock.Locker, opts ...Option) *Service {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	s := &Service{cfg: cfg, store: st, locker: l}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

// CleanPastEvents resolves every ended event of this process's shard. It
// returns an error only when the shard's calendars cannot be listed.
func (s *Service) CleanPastEvents(ctx context.Context, now time.Time) (Report, error) {
	ids, err := s.store.ListCalendarIDs(ctx, s.cfg.ShardID, s.cfg.ShardCount)
	if err != nil {
		return Report{}, fmt.Errorf("list shard calendars: %w", err)
	}
	return s.ResolveCalendars(ctx, now, ids)
}

// ResolveCalendars is CleanPastEvents scoped to calendarIDs.
func (s *Service) ResolveCalendars(ctx context.Context, now time.Time, calendarIDs []int64) (Report, error) {
	start := time.Now()
	var rep Report
	if len(calendarIDs) == 0 {
		return rep, nil
	}
	evs, err := s.store.ListEnded(ctx, calendarIDs, now)
	if err != nil {
		return rep, fmt.Errorf("list ended events: %w", err)
	}
	for _, ev := range evs {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.add(s.resolve(ctx, ev, now))
	}

	s.metrics.Reconciled(metrics.ActionDeleted, rep.Deleted)
	s.metrics.Reconciled(metrics.ActionAdvanced, rep.Advanced)
	s.metrics.Reconciled(metrics.ActionFailed, rep.Failed)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.ReconcileDone, Data: rep})
	}
	if len(evs) > 0 {
		s.log.Info("past events resolved",
			logx.Int("deleted", rep.Deleted),
			logx.Int("advanced", rep.Advanced),
			logx.Int("skipped", rep.Skipped),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", time.Since(start)),
		)
	}
	return rep, nil
}

func (s *Service) resolve(ctx context.Context, ev domain.Event, now time.Time) Report {
	log := s.log.With(logx.Int64("event_id", ev.ID))
	if !ev.Repeat.Repeats() {
		err := s.store.DeleteEvent(ctx, ev.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Warn("delete ended event failed", logx.Err(err))
			return Report{Failed: 1}
		}
		if s.unsch != nil {
			s.unsch.Unschedule(ctx, ev.ID)
		}
		log.Debug("ended event deleted")
		return Report{Deleted: 1}
	}

	var skipped int
	err := lock.With(ctx, s.locker, lock.EventKey(ev.ID), s.cfg.LockTTL, func(ctx context.Context) error {
		cur, err := s.store.GetEvent(ctx, ev.ID)
		if err != nil {
			return err
		}
		if cur.End.After(now) || !cur.Repeat.Repeats() {
			// Resolved by a trigger or another process since listing.
			skipped = 1
			return nil
		}
		loc, err := s.store.GetTimezone(ctx, cur.CalendarID)
		if err != nil {
			return err
		}
		next, n, err := recurrence.CatchUp(cur, loc, now)
		if err != nil {
			return err
		}
		if err := s.store.UpdateEvent(ctx, next); err != nil {
			return err
		}
		log.Debug("ended event fast-forwarded", logx.Int("occurrences", n), logx.Time("start", next.Start))
		return nil
	})
	switch {
	case err == nil && skipped == 1:
		return Report{Skipped: 1}
	case err == nil:
		return Report{Advanced: 1}
	case errors.Is(err, domain.ErrLockUnavailable):
		log.Debug("event leased elsewhere; skipped")
		return Report{Skipped: 1}
	case errors.Is(err, domain.ErrNotFound):
		return Report{Skipped: 1}
	default:
		log.Warn("fast-forward failed", logx.Err(err))
		return Report{Failed: 1}
	}
}
