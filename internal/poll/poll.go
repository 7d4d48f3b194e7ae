// Package poll re-arms triggers for near-future events on a fixed interval
// and once at startup. The trigger registry is not persisted, so every sweep
// repairs whatever a restart or a dropped trigger left unarmed.
package poll

import (
	"context"
	"fmt"
	"sync"
	"time"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/eventbus"
	"calbot/internal/metrics"
	"calbot/internal/reconcile"
	"calbot/internal/task/scheduler"
	"calbot/pkg/logx"
)

const sweepJob = "poll.sweep"

type Store interface {
	ListNear(ctx context.Context, calendarIDs []int64, now time.Time, horizon time.Duration) ([]domain.Event, error)
	ListCalendarIDs(ctx context.Context, shardID, shardCount int) ([]int64, error)
	GetDefaultChannel(ctx context.Context, calendarID int64) (int64, error)
}

type Scheduler interface {
	Schedule(ctx context.Context, ev domain.Event, shardID int, channelID int64) error
}

// Resolver settles ended events before a sweep schedules anything.
type Resolver interface {
	ResolveCalendars(ctx context.Context, now time.Time, calendarIDs []int64) (reconcile.Report, error)
}

type Config struct {
	ShardID    int
	ShardCount int
	Horizon    time.Duration
	// Interval is a schedule string (see scheduler.ParseSchedule). Default "1h".
	Interval    string
	Concurrency int
	// SweepTimeout bounds one sweep. 0 means no deadline.
	SweepTimeout time.Duration
}

type SweepReport struct {
	ShardID   int
	Calendars int
	Listed    int
	Scheduled int
	Failed    int
	Resolved  reconcile.Report
	Took      time.Duration
}

type Coordinator struct {
	cfg      Config
	clk      clock.Clock
	store    Store
	sched    Scheduler
	resolver Resolver

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
}

type Option func(*Coordinator)

func WithLogger(l logx.Logger) Option       { return func(c *Coordinator) { c.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(c *Coordinator) { c.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }
func WithResolver(r Resolver) Option        { return func(c *Coordinator) { c.resolver = r } }

func New(cfg Config, clk clock.Clock, st Store, s Scheduler, opts ...Option) *Coordinator {
	if cfg.Horizon <= 0 {
		cfg.Horizon = 2 * time.Hour
	}
	if cfg.Interval == "" {
		cfg.Interval = "1h"
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if clk == nil {
		clk = clock.Real()
	}
	c := &Coordinator{cfg: cfg, clk: clk, store: st, sched: s}
	for _, o := range opts {
		o(c)
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	return c
}

// Start runs one sweep synchronously, then registers the periodic sweep.
func (c *Coordinator) Start(ctx context.Context, periodic *scheduler.Service) error {
	if _, err := c.Sweep(ctx); err != nil {
		c.log.Warn("initial sweep failed; the periodic sweep retries", logx.Err(err))
	}
	if periodic == nil {
		return nil
	}
	return c.register(periodic, c.cfg.Interval)
}

// SetInterval re-registers the periodic sweep with a new schedule string.
func (c *Coordinator) SetInterval(periodic *scheduler.Service, interval string) error {
	if interval == "" || interval == c.cfg.Interval {
		return nil
	}
	if err := c.register(periodic, interval); err != nil {
		return err
	}
	c.cfg.Interval = interval
	c.log.Info("poll interval changed", logx.String("interval", interval))
	return nil
}

func (c *Coordinator) register(periodic *scheduler.Service, interval string) error {
	if err := periodic.AddSchedule(sweepJob, interval, c.cfg.SweepTimeout, func(ctx context.Context) error {
		_, err := c.Sweep(ctx)
		return err
	}); err != nil {
		return fmt.Errorf("register %s: %w", sweepJob, err)
	}
	return nil
}

// Sweep polls this process's shard.
func (c *Coordinator) Sweep(ctx context.Context) (SweepReport, error) {
	ids, err := c.store.ListCalendarIDs(ctx, c.cfg.ShardID, c.cfg.ShardCount)
	if err != nil {
		return SweepReport{ShardID: c.cfg.ShardID}, fmt.Errorf("list shard calendars: %w", err)
	}
	return c.PollShard(ctx, c.cfg.ShardID, ids, c.cfg.Horizon)
}

// PollShard schedules every event of calendarIDs whose start or reminder is
// within horizon. One event's failure is counted and logged; it never
// aborts the sweep.
func (c *Coordinator) PollShard(ctx context.Context, shardID int, calendarIDs []int64, horizon time.Duration) (SweepReport, error) {
	started := time.Now()
	rep := SweepReport{ShardID: shardID, Calendars: len(calendarIDs)}
	now := c.clk.Now()

	if c.resolver != nil {
		res, err := c.resolver.ResolveCalendars(ctx, now, calendarIDs)
		if err != nil {
			c.log.Warn("resolve ended events failed", logx.Err(err))
		}
		rep.Resolved = res
	}

	evs, err := c.store.ListNear(ctx, calendarIDs, now, horizon)
	if err != nil {
		return rep, fmt.Errorf("list near events: %w", err)
	}
	rep.Listed = len(evs)

	channels := c.channelResolver(ctx)
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.cfg.Concurrency)
	)
	for _, ev := range evs {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(ev domain.Event) {
			defer wg.Done()
			defer func() { <-sem }()
			err := c.scheduleOne(ctx, ev, shardID, channels(ev.CalendarID))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rep.Failed++
				c.log.Warn("schedule failed", logx.Int64("event_id", ev.ID), logx.Err(err))
				return
			}
			rep.Scheduled++
		}(ev)
	}
	wg.Wait()

	rep.Took = time.Since(started)
	c.metrics.PollSweep(rep.Took)
	c.metrics.PollEvents(metrics.ResultOK, rep.Scheduled)
	c.metrics.PollEvents(metrics.ResultError, rep.Failed)
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.PollDone, Data: rep})
	}
	c.log.Info("poll sweep done",
		logx.Int("shard", shardID),
		logx.Int("calendars", rep.Calendars),
		logx.Int("listed", rep.Listed),
		logx.Int("scheduled", rep.Scheduled),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", rep.Took),
	)
	return rep, ctx.Err()
}

func (c *Coordinator) scheduleOne(ctx context.Context, ev domain.Event, shardID int, channelID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.sched.Schedule(ctx, ev, shardID, channelID)
}

// channelResolver memoizes default channels for one sweep. A lookup failure
// yields 0, which the fire handler resolves again at fire time.
func (c *Coordinator) channelResolver(ctx context.Context) func(calendarID int64) int64 {
	var (
		mu    sync.Mutex
		cache = map[int64]int64{}
	)
	return func(calendarID int64) int64 {
		mu.Lock()
		defer mu.Unlock()
		if ch, ok := cache[calendarID]; ok {
			return ch
		}
		ch, err := c.store.GetDefaultChannel(ctx, calendarID)
		if err != nil {
			c.log.Debug("default channel lookup failed", logx.Int64("calendar_id", calendarID), logx.Err(err))
		}
		cache[calendarID] = ch
		return ch
	}
}
