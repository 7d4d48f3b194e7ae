// Package trigger keeps the live one-shot triggers of every event: at most
// one per (event id, job kind).
package trigger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/metrics"
	"calbot/pkg/logx"
)

var ErrStopped = fmt.Errorf("trigger registry stopped: %w", domain.ErrTransientStore)

type Key struct {
	EventID int64
	Kind    domain.JobKind
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Kind, k.EventID) }

type Trigger struct {
	Key
	FireAt time.Time
	Data   domain.JobData
}

// Dispatcher receives triggers as they come due. Dispatch runs on the timer
// goroutine and must hand work off rather than perform it.
type Dispatcher interface {
	Dispatch(t Trigger)
}

type DispatchFunc func(t Trigger)

func (f DispatchFunc) Dispatch(t Trigger) { f(t) }

type Registry struct {
	clk      clock.Clock
	dispatch Dispatcher
	log      logx.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	entries map[Key]*entry
	seq     uint64
	stopped bool
}

type entry struct {
	t       Trigger
	timer   clock.Timer
	version uint64
}

type Option func(*Registry)

func WithLogger(l logx.Logger) Option       { return func(r *Registry) { r.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

func NewRegistry(clk clock.Clock, d Dispatcher, opts ...Option) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	r := &Registry{clk: clk, dispatch: d, entries: make(map[Key]*entry)}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Upsert arms t, replacing any trigger already live under the same key.
// A fire instant in the past fires immediately.
func (r *Registry) Upsert(t Trigger) error {
	if r.dispatch == nil {
		return errors.New("trigger registry has no dispatcher")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}

	replaced := false
	if old := r.entries[t.Key]; old != nil {
		old.timer.Stop()
		replaced = true
	}
	r.seq++
	e := &entry{t: t, version: r.seq}
	key, ver := t.Key, e.version
	delay := t.FireAt.Sub(r.clk.Now())
	if delay < 0 {
		delay = 0
	}
	e.timer = r.clk.AfterFunc(delay, func() { r.fire(key, ver) })
	r.entries[t.Key] = e

	if !replaced {
		r.metrics.TriggerArmed(t.Kind.String())
	}
	r.log.Debug("trigger armed",
		logx.String("key", t.Key.String()),
		logx.Time("fire_at", t.FireAt),
		logx.Bool("replaced", replaced),
	)
	return nil
}

// fire removes the record before dispatch so a handler re-arming the same
// key is never mistaken for the trigger that is running.
func (r *Registry) fire(key Key, version uint64) {
	r.mu.Lock()
	e := r.entries[key]
	if e == nil || e.version != version || r.stopped {
		r.mu.Unlock()
		return
	}
	delete(r.entries, key)
	r.mu.Unlock()

	r.metrics.TriggerDisarmed(key.Kind.String())
	r.dispatch.Dispatch(e.t)
}

func (r *Registry) Exists(eventID int64, kind domain.JobKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[Key{EventID: eventID, Kind: kind}]
	return ok
}

func (r *Registry) Get(eventID int64, kind domain.JobKind) (Trigger, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[Key{EventID: eventID, Kind: kind}]
	if !ok {
		return Trigger{}, false
	}
	return e.t, true
}

// Cancel disarms one trigger and reports whether it was live. A callback
// already past its timer is not preempted.
func (r *Registry) Cancel(eventID int64, kind domain.JobKind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelLocked(Key{EventID: eventID, Kind: kind})
}

// CancelAll disarms every kind for eventID and returns how many were live.
func (r *Registry) CancelAll(eventID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, kind := range domain.JobKinds {
		if r.cancelLocked(Key{EventID: eventID, Kind: kind}) {
			n++
		}
	}
	return n
}

func (r *Registry) cancelLocked(k Key) bool {
	e := r.entries[k]
	if e == nil {
		return false
	}
	e.timer.Stop()
	delete(r.entries, k)
	r.metrics.TriggerDisarmed(k.Kind.String())
	return true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot lists live triggers ordered by fire instant, then key.
func (r *Registry) Snapshot() []Trigger {
	r.mu.Lock()
	out := make([]Trigger, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.t)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		if out[i].EventID != out[j].EventID {
			return out[i].EventID < out[j].EventID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Stop disarms everything; later Upserts fail with ErrStopped.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.entries {
		r.cancelLocked(k)
	}
	r.stopped = true
}
