package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/domain"
	"calbot/internal/eventbus"
	"calbot/internal/lock"
	"calbot/internal/metrics"
	"calbot/internal/storage"
	"calbot/internal/task/engine"
	"calbot/internal/transport"
	"calbot/internal/trigger"
	"calbot/pkg/logx"
)

type inlineRunner struct{}

// InlineRunner runs every task synchronously on the caller's goroutine.
func InlineRunner() Runner { return inlineRunner{} }

func (inlineRunner) Enqueue(t engine.Task) error {
	_ = t.Run(context.Background())
	return nil
}

// errSkipped marks a fire that had nothing to do (stale or already handled).
var errSkipped = errors.New("skipped")

func (m *Manager) dispatch(t trigger.Trigger) {
	err := m.runner.Enqueue(engine.Task{
		Name:           "trigger." + t.Kind.String(),
		ConcurrencyKey: t.Key.String(),
		Timeout:        m.cfg.FireTimeout,
		Run:            func(ctx context.Context) error { return m.Fire(ctx, t) },
	})
	if err != nil {
		// The record is already gone; the next poll sweep re-arms it.
		m.metrics.TriggerFired(t.Kind.String(), metrics.ResultError)
		m.log.Warn("trigger dropped", logx.String("key", t.Key.String()), logx.Err(err))
	}
}

// Fire runs the side effect of t. NotFound and stale triggers are logged and
// skipped; lock contention is returned as engine.NoRetry.
func (m *Manager) Fire(ctx context.Context, t trigger.Trigger) error {
	log := m.log.With(logx.String("key", t.Key.String()), logx.Int64("event_id", t.EventID))
	m.publish(eventbus.TriggerFired, t)

	var err error
	switch t.Kind {
	case domain.JobNotify:
		err = m.fireNotify(ctx, t)
	case domain.JobReminder:
		err = m.fireReminder(ctx, t)
	case domain.JobDelete:
		err = m.fireDelete(ctx, t)
	case domain.JobRepeat:
		err = m.fireRepeat(ctx, t)
	default:
		err = engine.NoRetry(fmt.Errorf("unknown job kind %s", t.Kind))
	}

	switch {
	case err == nil:
		m.metrics.TriggerFired(t.Kind.String(), metrics.ResultOK)
		return nil
	case errors.Is(err, errSkipped):
		m.metrics.TriggerFired(t.Kind.String(), metrics.ResultSkipped)
		return nil
	case errors.Is(err, domain.ErrNotFound):
		log.Info("event vanished before trigger fired")
		m.metrics.TriggerFired(t.Kind.String(), metrics.ResultSkipped)
		return nil
	case errors.Is(err, domain.ErrLockUnavailable):
		log.Info("event lease held elsewhere; next sweep retries", logx.Err(err))
		m.metrics.TriggerFired(t.Kind.String(), metrics.ResultSkipped)
		return engine.NoRetry(err)
	default:
		log.Warn("trigger failed", logx.Err(err))
		m.metrics.TriggerFired(t.Kind.String(), metrics.ResultError)
		return err
	}
}

// sameInstant compares at store resolution; a trigger armed from an
// unsaved event can carry finer precision than the reloaded copy.
func sameInstant(a, b time.Time) bool {
	return a.Truncate(storage.Precision).Equal(b.Truncate(storage.Precision))
}

func (m *Manager) fireNotify(ctx context.Context, t trigger.Trigger) error {
	ev, err := m.store.GetEvent(ctx, t.EventID)
	if err != nil {
		return err
	}
	if !sameInstant(ev.Start, t.FireAt) {
		return fmt.Errorf("start moved to %s: %w", ev.Start, errSkipped)
	}
	return m.deliverOnce(ctx, t, ev, func(loc *time.Location) (string, *transport.Embed) {
		return mentionText(ev), startEmbed(ev, loc)
	})
}

func (m *Manager) fireReminder(ctx context.Context, t trigger.Trigger) error {
	ev, err := m.store.GetEvent(ctx, t.EventID)
	if err != nil {
		return err
	}
	if ev.Reminder == nil || !sameInstant(*ev.Reminder, t.FireAt) {
		return fmt.Errorf("reminder moved: %w", errSkipped)
	}
	return m.deliverOnce(ctx, t, ev, func(loc *time.Location) (string, *transport.Embed) {
		return "", reminderEmbed(ev, loc, t.FireAt)
	})
}

// deliverOnce claims the occurrence marker, sends, and gives the claim back
// when delivery failed with a retryable error.
func (m *Manager) deliverOnce(ctx context.Context, t trigger.Trigger, ev domain.Event, build func(*time.Location) (string, *transport.Embed)) error {
	key := firedKey(t)
	claimed, err := m.store.ClaimFired(ctx, key, t.FireAt.Add(m.cfg.FiredTTL))
	if err != nil {
		return err
	}
	if !claimed {
		return fmt.Errorf("occurrence %s already delivered: %w", key, errSkipped)
	}

	channel := t.Data.ChannelID
	if channel == 0 {
		if channel, err = m.store.GetDefaultChannel(ctx, ev.CalendarID); err != nil {
			_ = m.store.ReleaseFired(ctx, key)
			return err
		}
	}
	text, embed := build(m.locationOf(ctx, ev))
	err = m.notifier.Send(ctx, channel, text, embed)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrNotifierUnauthorized):
		m.log.Warn("notification channel unreachable",
			logx.Int64("event_id", ev.ID), logx.Int64("channel_id", channel), logx.Err(err))
		return nil
	default:
		if rerr := m.store.ReleaseFired(context.WithoutCancel(ctx), key); rerr != nil {
			m.log.Warn("release fired marker failed", logx.String("marker", key), logx.Err(rerr))
		}
		return err
	}
}

func firedKey(t trigger.Trigger) string {
	return fmt.Sprintf("%s:%d:%d", t.Kind, t.EventID, t.FireAt.Unix())
}

func (m *Manager) fireDelete(ctx context.Context, t trigger.Trigger) error {
	ev, err := m.store.GetEvent(ctx, t.EventID)
	if errors.Is(err, domain.ErrNotFound) {
		m.Unschedule(ctx, t.EventID)
		return err
	}
	if err != nil {
		return err
	}
	if ev.End.After(t.FireAt) || ev.Repeat.Repeats() {
		// Extended or turned repeating since the trigger was armed.
		return m.Schedule(ctx, ev, t.Data.ShardID, t.Data.ChannelID)
	}
	if err := m.store.DeleteEvent(ctx, ev.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	m.Unschedule(ctx, ev.ID)
	m.publish(eventbus.ScheduleDeleted, Change{EventID: ev.ID, End: ev.End})
	m.log.Info("event ended and deleted", logx.Int64("event_id", ev.ID))
	return nil
}

func (m *Manager) fireRepeat(ctx context.Context, t trigger.Trigger) error {
	var next domain.Event
	err := lock.With(ctx, m.locker, lock.EventKey(t.EventID), m.cfg.LockTTL, func(ctx context.Context) error {
		ev, err := m.store.GetEvent(ctx, t.EventID)
		if err != nil {
			return err
		}
		if !ev.Repeat.Repeats() || ev.End.After(t.FireAt) {
			// Already advanced elsewhere, or no longer repeating.
			next = ev
			return nil
		}
		next, err = m.advance(ctx, ev)
		return err
	})
	if err != nil {
		return err
	}
	m.log.Info("event advanced",
		logx.Int64("event_id", next.ID),
		logx.Time("start", next.Start),
		logx.String("repeat", next.Repeat.String()),
	)
	// The next occurrence is armed even beyond the horizon so a repeating
	// event keeps looping without waiting for a sweep.
	mu := m.stripe(next.ID)
	mu.Lock()
	defer mu.Unlock()
	return m.scheduleLocked(next, t.Data.ShardID, t.Data.ChannelID, false)
}
