package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/lock"
	"calbot/internal/reconcile"
	"calbot/internal/schedule"
	"calbot/internal/storage"
	"calbot/internal/task/scheduler"
	"calbot/internal/transport"
	"calbot/pkg/logx"
)

var t0 = time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC)

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, int64, string, *transport.Embed) error { return nil }

type flakyScheduler struct {
	mu   sync.Mutex
	seen []int64
}

func (f *flakyScheduler) Schedule(_ context.Context, ev domain.Event, _ int, _ int64) error {
	f.mu.Lock()
	f.seen = append(f.seen, ev.ID)
	f.mu.Unlock()
	switch ev.Name {
	case "broken":
		return errors.New("store hiccup")
	case "panics":
		panic("boom")
	}
	return nil
}

func seed(t *testing.T) (*storage.Memory, []int64) {
	t.Helper()
	ctx := context.Background()
	st := storage.NewMemory()
	if err := st.PutCalendar(ctx, domain.Calendar{ID: 1, ChatID: 10, Timezone: "UTC", DefaultChannel: 900}); err != nil {
		t.Fatal(err)
	}
	var ids []int64
	for _, ev := range []domain.Event{
		{CalendarID: 1, Name: "soon", Start: t0.Add(30 * time.Minute), End: t0.Add(90 * time.Minute), Repeat: domain.RepeatWeekly},
		{CalendarID: 1, Name: "running", Start: t0.Add(-30 * time.Minute), End: t0.Add(30 * time.Minute)},
		{CalendarID: 1, Name: "far", Start: t0.Add(5 * time.Hour), End: t0.Add(6 * time.Hour)},
		{CalendarID: 1, Name: "ended", Start: t0.Add(-2 * time.Hour), End: t0.Add(-time.Hour), Repeat: domain.RepeatDaily},
	} {
		out, err := st.CreateEvent(ctx, ev)
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, out.ID)
	}
	return st, ids
}

func TestPollShard(t *testing.T) {
	convey.Convey("Given a shard with near, far and ended events", t, func() {
		ctx := context.Background()
		st, ids := seed(t)
		soon, running, far, ended := ids[0], ids[1], ids[2], ids[3]
		clk := clock.NewFake(t0)
		locker := lock.NewMemory(clk)
		mgr := schedule.New(schedule.Config{}, clk, st, nopNotifier{}, locker)
		rec := reconcile.New(reconcile.Config{ShardCount: 1}, st, locker)
		coord := New(Config{ShardCount: 1}, clk, st, mgr, WithResolver(rec))

		convey.Convey("a sweep arms near events and resolves ended ones first", func() {
			rep, err := coord.Sweep(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(rep.Calendars, convey.ShouldEqual, 1)
			convey.So(rep.Resolved.Advanced, convey.ShouldEqual, 1)
			convey.So(rep.Listed, convey.ShouldEqual, 2)
			convey.So(rep.Scheduled, convey.ShouldEqual, 2)
			convey.So(rep.Failed, convey.ShouldEqual, 0)

			reg := mgr.Registry()
			convey.So(reg.Exists(soon, domain.JobNotify), convey.ShouldBeTrue)
			convey.So(reg.Exists(soon, domain.JobRepeat), convey.ShouldBeTrue)
			convey.So(reg.Exists(running, domain.JobNotify), convey.ShouldBeFalse)
			convey.So(reg.Exists(running, domain.JobDelete), convey.ShouldBeTrue)
			convey.So(reg.Exists(far, domain.JobNotify), convey.ShouldBeFalse)
			convey.So(reg.Exists(ended, domain.JobRepeat), convey.ShouldBeFalse)

			tr, ok := reg.Get(soon, domain.JobNotify)
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(tr.Data.ChannelID, convey.ShouldEqual, 900)

			advanced, _ := st.GetEvent(ctx, ended)
			convey.So(advanced.Start, convey.ShouldEqual, t0.Add(22*time.Hour))
		})

		convey.Convey("sweeping again after a restart re-arms the same triggers once", func() {
			_, err := coord.Sweep(ctx)
			convey.So(err, convey.ShouldBeNil)
			first := mgr.Registry().Len()

			mgr.Stop()
			restarted := schedule.New(schedule.Config{}, clk, st, nopNotifier{}, locker)
			again := New(Config{ShardCount: 1}, clk, st, restarted)
			_, err = again.Sweep(ctx)
			convey.So(err, convey.ShouldBeNil)
			_, err = again.Sweep(ctx)
			convey.So(err, convey.ShouldBeNil)
			convey.So(restarted.Registry().Len(), convey.ShouldEqual, first)
		})
	})
}

func TestPollShardIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	st := storage.NewMemory()
	_ = st.PutCalendar(ctx, domain.Calendar{ID: 1, ChatID: 10, Timezone: "UTC"})
	for _, name := range []string{"ok1", "broken", "panics", "ok2"} {
		if _, err := st.CreateEvent(ctx, domain.Event{CalendarID: 1, Name: name, Start: t0.Add(time.Minute), End: t0.Add(time.Hour)}); err != nil {
			t.Fatal(err)
		}
	}
	fs := &flakyScheduler{}
	coord := New(Config{Concurrency: 2}, clock.NewFake(t0), st, fs)
	rep, err := coord.PollShard(ctx, 0, []int64{1}, 2*time.Hour)
	if err != nil {
		t.Fatalf("PollShard: %v", err)
	}
	if rep.Scheduled != 2 || rep.Failed != 2 || len(fs.seen) != 4 {
		t.Fatalf("report = %+v, seen = %v", rep, fs.seen)
	}
}

func TestStartRegistersPeriodicSweep(t *testing.T) {
	ctx := context.Background()
	st, _ := seed(t)
	fs := &flakyScheduler{}
	periodic := scheduler.New(scheduler.Config{Enabled: true}, nil, logx.Nop())
	coord := New(Config{ShardCount: 1, Interval: "30m"}, clock.NewFake(t0), st, fs)

	if err := coord.Start(ctx, periodic); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(fs.seen) != 2 {
		t.Fatalf("initial sweep scheduled %d events, want 2", len(fs.seen))
	}
	snap := periodic.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Name != sweepJob || snap.Schedules[0].Spec != "@every 30m0s" {
		t.Fatalf("schedules = %+v", snap.Schedules)
	}

	if err := coord.SetInterval(periodic, "15m"); err != nil {
		t.Fatalf("SetInterval: %v", err)
	}
	snap = periodic.Snapshot()
	if len(snap.Schedules) != 1 || snap.Schedules[0].Spec != "@every 15m0s" {
		t.Fatalf("schedules after SetInterval = %+v", snap.Schedules)
	}
	if err := coord.SetInterval(periodic, "nope"); err == nil {
		t.Fatal("expected error for an invalid interval")
	}

	bad := New(Config{Interval: "whenever"}, clock.NewFake(t0), st, fs)
	if err := bad.Start(ctx, periodic); err == nil {
		t.Fatal("expected error for an invalid interval")
	}
}
