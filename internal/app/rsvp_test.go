package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/lock"
	"calbot/internal/schedule"
	"calbot/internal/storage"
	"calbot/internal/transport"
	"calbot/pkg/logx"

	"github.com/smartystreets/goconvey/convey"
)

type fakeRescheduler struct {
	refreshed []domain.Event
}

func (f *fakeRescheduler) Refresh(_ context.Context, ev domain.Event) (bool, error) {
	f.refreshed = append(f.refreshed, ev)
	return true, nil
}

func TestRSVPHandler(t *testing.T) {
	convey.Convey("Given an event and an RSVP handler", t, func() {
		ctx := context.Background()
		t0 := time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC)
		clk := clock.NewFake(t0)
		st := storage.NewMemory()
		convey.So(st.PutCalendar(ctx, domain.Calendar{ID: 1, ChatID: 100, Timezone: "UTC", DefaultChannel: 42}), convey.ShouldBeNil)
		ev, err := st.CreateEvent(ctx, domain.Event{
			CalendarID: 1,
			Name:       "Raid night",
			Start:      t0.Add(time.Hour),
			End:        t0.Add(3 * time.Hour),
		})
		convey.So(err, convey.ShouldBeNil)

		locker := lock.NewMemory(clk)
		gw := newFakeGateway()
		resched := &fakeRescheduler{}
		h := &rsvpHandler{store: st, locker: locker, lockTTL: 30 * time.Second, sched: resched, answer: gw, log: logx.Nop()}
		press := func(id, data string) bool {
			return h.Handle(ctx, &transport.Callback{ID: id, FromID: 7, FromName: "ann", Data: data})
		}
		data := fmt.Sprintf("%s%d", schedule.RSVPAction, ev.ID)

		convey.Convey("a first press adds the RSVP and a second removes it", func() {
			convey.So(press("cb1", data), convey.ShouldBeTrue)
			convey.So(gw.answer("cb1"), convey.ShouldEqual, "You're going to Raid night.")
			got, err := st.GetEvent(ctx, ev.ID)
			convey.So(err, convey.ShouldBeNil)
			convey.So(got.HasRSVP(7), convey.ShouldBeTrue)

			convey.So(press("cb2", data), convey.ShouldBeTrue)
			convey.So(gw.answer("cb2"), convey.ShouldEqual, "RSVP removed for Raid night.")
			got, _ = st.GetEvent(ctx, ev.ID)
			convey.So(got.HasRSVP(7), convey.ShouldBeFalse)
			convey.So(locker.Held(lock.EventKey(ev.ID)), convey.ShouldBeFalse)
		})

		convey.Convey("each toggle refreshes the event's triggers with the new roster", func() {
			press("cb1", data)
			press("cb2", data)
			convey.So(resched.refreshed, convey.ShouldHaveLength, 2)
			convey.So(resched.refreshed[0].HasRSVP(7), convey.ShouldBeTrue)
			convey.So(resched.refreshed[1].HasRSVP(7), convey.ShouldBeFalse)
		})

		convey.Convey("a deleted event is reported as gone", func() {
			convey.So(st.DeleteEvent(ctx, ev.ID), convey.ShouldBeNil)
			convey.So(press("cb3", data), convey.ShouldBeTrue)
			convey.So(gw.answer("cb3"), convey.ShouldEqual, "This event no longer exists.")
			convey.So(press("cb4", "rsvp:abc"), convey.ShouldBeTrue)
			convey.So(gw.answer("cb4"), convey.ShouldEqual, "This event no longer exists.")
			convey.So(resched.refreshed, convey.ShouldBeEmpty)
		})

		convey.Convey("a leased event asks the user to retry", func() {
			g, err := locker.Acquire(ctx, lock.EventKey(ev.ID), time.Minute)
			convey.So(err, convey.ShouldBeNil)
			defer func() { _ = g.Release(ctx) }()

			convey.So(press("cb5", data), convey.ShouldBeTrue)
			convey.So(gw.answer("cb5"), convey.ShouldEqual, "Event is busy, try again in a moment.")
			got, _ := st.GetEvent(ctx, ev.ID)
			convey.So(got.RSVPs, convey.ShouldBeEmpty)
		})

		convey.Convey("other callbacks are left alone", func() {
			convey.So(press("cb6", "menu:open"), convey.ShouldBeFalse)
			convey.So(gw.answer("cb6"), convey.ShouldBeEmpty)
		})
	})
}

func TestDispatchUpdatesStopsOnClose(t *testing.T) {
	t.Parallel()
	a := &App{log: logx.Nop(), rsvp: &rsvpHandler{answer: newFakeGateway(), log: logx.Nop()}}
	in := make(chan transport.Update, 2)
	in <- transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{Text: "hi"}}
	in <- transport.Update{Kind: transport.UpdateCallback, Callback: &transport.Callback{ID: "x", Data: "noop"}}
	close(in)

	done := make(chan error, 1)
	go func() { done <- a.dispatchUpdates(context.Background(), in) }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("dispatchUpdates() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dispatchUpdates did not return after close")
	}
}
