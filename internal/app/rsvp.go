package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"calbot/internal/domain"
	"calbot/internal/lock"
	"calbot/internal/schedule"
	"calbot/internal/transport"
	"calbot/pkg/logx"
)

const callbackTimeout = 10 * time.Second

type rsvpStore interface {
	GetEvent(ctx context.Context, id int64) (domain.Event, error)
	UpdateEvent(ctx context.Context, ev domain.Event) error
}

type rescheduler interface {
	Refresh(ctx context.Context, ev domain.Event) (bool, error)
}

type callbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// rsvpHandler toggles the presser's RSVP on the event named by the callback.
// The update runs under the event lock so it never races a recurrence advance,
// and armed triggers are refreshed afterwards so they carry the new roster.
type rsvpHandler struct {
	store   rsvpStore
	locker  lock.Locker
	lockTTL time.Duration
	sched   rescheduler
	answer  callbackAnswerer
	log     logx.Logger
}

// Handle reports whether the callback was an RSVP action.
func (h *rsvpHandler) Handle(ctx context.Context, cb *transport.Callback) bool {
	raw, ok := strings.CutPrefix(cb.Data, schedule.RSVPAction)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, callbackTimeout)
	defer cancel()

	reply, err := h.toggle(ctx, raw, cb)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		reply = "This event no longer exists."
	case errors.Is(err, domain.ErrLockUnavailable):
		reply = "Event is busy, try again in a moment."
	default:
		h.log.Warn("rsvp update failed", logx.String("data", cb.Data), logx.Err(err))
		reply = "Could not update your RSVP."
	}
	if err := h.answer.AnswerCallback(ctx, cb.ID, reply); err != nil {
		h.log.Debug("answer callback failed", logx.Err(err))
	}
	return true
}

func (h *rsvpHandler) toggle(ctx context.Context, raw string, cb *transport.Callback) (string, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return "", domain.ErrNotFound
	}
	var added bool
	var ev domain.Event
	err = lock.With(ctx, h.locker, lock.EventKey(id), h.lockTTL, func(ctx context.Context) error {
		got, err := h.store.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		added = got.ToggleRSVP(domain.RSVP{UserID: cb.FromID, Name: cb.FromName})
		ev = got
		return h.store.UpdateEvent(ctx, got)
	})
	if err != nil {
		return "", err
	}
	h.log.Debug("rsvp toggled", logx.Int64("event_id", id), logx.Int64("user_id", cb.FromID), logx.Bool("going", added))
	if h.sched != nil {
		if _, err := h.sched.Refresh(ctx, ev); err != nil {
			h.log.Warn("reschedule after rsvp failed", logx.Int64("event_id", id), logx.Err(err))
		}
	}
	if added {
		return "You're going to " + ev.Name + ".", nil
	}
	return "RSVP removed for " + ev.Name + ".", nil
}

// dispatchUpdates routes inbound updates until ctx is done or in closes.
func (a *App) dispatchUpdates(ctx context.Context, in <-chan transport.Update) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-in:
			if !ok {
				return nil
			}
			if up.Kind != transport.UpdateCallback || up.Callback == nil {
				continue
			}
			if !a.rsvp.Handle(ctx, up.Callback) {
				a.log.Debug("unhandled callback", logx.String("data", up.Callback.Data))
			}
		}
	}
}
