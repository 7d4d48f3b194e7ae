package schedule

import (
	"context"
	"sync"
	"time"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/eventbus"
	"calbot/internal/lock"
	"calbot/internal/metrics"
	"calbot/internal/recurrence"
	"calbot/internal/task/engine"
	"calbot/internal/transport"
	"calbot/internal/trigger"
	"calbot/pkg/logx"
)

const stripeCount = 64

type Config struct {
	// Horizon bounds eager scheduling; events further out are left to the
	// poll sweep.
	Horizon time.Duration
	LockTTL time.Duration
	// FireTimeout bounds one trigger execution. 0 means no deadline.
	FireTimeout time.Duration
	// FiredTTL is how long a delivered-occurrence marker outlives its instant.
	FiredTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Horizon <= 0 {
		c.Horizon = 2 * time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.FiredTTL <= 0 {
		c.FiredTTL = 48 * time.Hour
	}
	return c
}

// Store is the slice of the event and calendar repository the manager uses.
type Store interface {
	GetEvent(ctx context.Context, id int64) (domain.Event, error)
	UpdateEvent(ctx context.Context, ev domain.Event) error
	DeleteEvent(ctx context.Context, id int64) error
	GetTimezone(ctx context.Context, calendarID int64) (*time.Location, error)
	GetDefaultChannel(ctx context.Context, calendarID int64) (int64, error)
	ClaimFired(ctx context.Context, key string, until time.Time) (bool, error)
	ReleaseFired(ctx context.Context, key string) error
}

type Notifier interface {
	Send(ctx context.Context, channelID int64, text string, embed *transport.Embed) error
}

// Runner executes fired triggers off the timer goroutine.
type Runner interface {
	Enqueue(t engine.Task) error
}

type Manager struct {
	cfg      Config
	clk      clock.Clock
	reg      *trigger.Registry
	store    Store
	notifier Notifier
	locker   lock.Locker
	runner   Runner

	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics

	stripes [stripeCount]sync.Mutex
}

type Option func(*Manager)

func WithLogger(l logx.Logger) Option       { return func(m *Manager) { m.log = l } }
func WithBus(b eventbus.Bus) Option         { return func(m *Manager) { m.bus = b } }
func WithMetrics(x *metrics.Metrics) Option { return func(m *Manager) { m.metrics = x } }

// WithRunner routes fired triggers through r (normally the task engine).
// Without it triggers run inline on the timer goroutine.
func WithRunner(r Runner) Option { return func(m *Manager) { m.runner = r } }

func New(cfg Config, clk clock.Clock, st Store, n Notifier, l lock.Locker, opts ...Option) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	m := &Manager{cfg: cfg.withDefaults(), clk: clk, store: st, notifier: n, locker: l}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	if m.runner == nil {
		m.runner = InlineRunner()
	}
	m.reg = trigger.NewRegistry(clk, trigger.DispatchFunc(m.dispatch),
		trigger.WithLogger(m.log),
		trigger.WithMetrics(m.metrics),
	)
	return m
}

func (m *Manager) Registry() *trigger.Registry { return m.reg }

func (m *Manager) Horizon() time.Duration { return m.cfg.Horizon }

// Stop disarms every trigger. Triggers already handed to the runner finish.
func (m *Manager) Stop() { m.reg.Stop() }

func (m *Manager) stripe(eventID int64) *sync.Mutex {
	return &m.stripes[uint64(eventID)%stripeCount]
}

// Schedule arms the triggers ev needs. It is a no-op when a notify or
// reminder trigger is already armed, or when both start and reminder lie
// beyond the horizon.
func (m *Manager) Schedule(ctx context.Context, ev domain.Event, shardID int, channelID int64) error {
	mu := m.stripe(ev.ID)
	mu.Lock()
	defer mu.Unlock()
	return m.scheduleLocked(ev, shardID, channelID, true)
}

func (m *Manager) scheduleLocked(ev domain.Event, shardID int, channelID int64, gate bool) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if m.reg.Exists(ev.ID, domain.JobNotify) || m.reg.Exists(ev.ID, domain.JobReminder) {
		return nil
	}
	now := m.clk.Now()
	limit := now.Add(m.cfg.Horizon)
	reminderNear := ev.Reminder != nil && !ev.Reminder.After(limit)
	if gate && ev.Start.After(limit) && !reminderNear {
		return nil
	}

	data := domain.JobData{EventID: ev.ID, ShardID: shardID, ChannelID: channelID}
	var armed []string
	upsert := func(kind domain.JobKind, at time.Time) error {
		err := m.reg.Upsert(trigger.Trigger{Key: trigger.Key{EventID: ev.ID, Kind: kind}, FireAt: at, Data: data})
		if err == nil {
			armed = append(armed, kind.String())
		}
		return err
	}

	if ev.Start.After(now) {
		if err := upsert(domain.JobNotify, ev.Start); err != nil {
			return err
		}
	}
	if ev.Reminder != nil && ev.Reminder.After(now) {
		if err := upsert(domain.JobReminder, *ev.Reminder); err != nil {
			return err
		}
	}
	tail, other := domain.JobDelete, domain.JobRepeat
	if ev.Repeat.Repeats() {
		tail, other = domain.JobRepeat, domain.JobDelete
	}
	m.reg.Cancel(ev.ID, other)
	if err := upsert(tail, ev.End); err != nil {
		return err
	}

	m.log.Debug("event scheduled",
		logx.Int64("event_id", ev.ID),
		logx.Any("kinds", armed),
		logx.Time("start", ev.Start),
	)
	m.publish(eventbus.ScheduleArmed, Change{EventID: ev.ID, Kinds: armed, Start: ev.Start, End: ev.End})
	return nil
}

// Unschedule cancels every trigger of eventID and returns how many were armed.
func (m *Manager) Unschedule(ctx context.Context, eventID int64) int {
	mu := m.stripe(eventID)
	mu.Lock()
	defer mu.Unlock()
	return m.unscheduleLocked(eventID)
}

func (m *Manager) unscheduleLocked(eventID int64) int {
	n := m.reg.CancelAll(eventID)
	if n > 0 {
		m.publish(eventbus.ScheduleCancelled, Change{EventID: eventID})
	}
	return n
}

// Reschedule replaces the triggers of ev after a mutation of its timestamps,
// repeat rule or membership.
func (m *Manager) Reschedule(ctx context.Context, ev domain.Event, shardID int, channelID int64) error {
	mu := m.stripe(ev.ID)
	mu.Lock()
	defer mu.Unlock()
	m.unscheduleLocked(ev.ID)
	return m.scheduleLocked(ev, shardID, channelID, true)
}

// Refresh re-arms ev with the shard and channel its armed triggers carry.
// It reports false and changes nothing when ev has no trigger armed.
func (m *Manager) Refresh(ctx context.Context, ev domain.Event) (bool, error) {
	mu := m.stripe(ev.ID)
	mu.Lock()
	defer mu.Unlock()
	for _, kind := range []domain.JobKind{domain.JobNotify, domain.JobReminder, domain.JobRepeat, domain.JobDelete} {
		t, ok := m.reg.Get(ev.ID, kind)
		if !ok {
			continue
		}
		m.unscheduleLocked(ev.ID)
		return true, m.scheduleLocked(ev, t.Data.ShardID, t.Data.ChannelID, true)
	}
	return false, nil
}

// ApplyRecurrence advances eventID by one occurrence under the event's
// lease, persists it and returns the advanced event.
func (m *Manager) ApplyRecurrence(ctx context.Context, eventID int64) (domain.Event, error) {
	var out domain.Event
	err := lock.With(ctx, m.locker, lock.EventKey(eventID), m.cfg.LockTTL, func(ctx context.Context) error {
		ev, err := m.store.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		out, err = m.advance(ctx, ev)
		return err
	})
	return out, err
}

func (m *Manager) advance(ctx context.Context, ev domain.Event) (domain.Event, error) {
	loc, err := m.store.GetTimezone(ctx, ev.CalendarID)
	if err != nil {
		return domain.Event{}, err
	}
	next, err := recurrence.Advance(ev, loc)
	if err != nil {
		return domain.Event{}, err
	}
	if err := m.store.UpdateEvent(ctx, next); err != nil {
		return domain.Event{}, err
	}
	m.publish(eventbus.ScheduleAdvanced, Change{EventID: next.ID, Start: next.Start, End: next.End})
	return next, nil
}

// Change is the payload of schedule.* bus events.
type Change struct {
	EventID int64     `json:"event_id"`
	Kinds   []string  `json:"kinds,omitempty"`
	Start   time.Time `json:"start,omitzero"`
	End     time.Time `json:"end,omitzero"`
}

func (m *Manager) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: m.clk.Now(), Data: data})
}
