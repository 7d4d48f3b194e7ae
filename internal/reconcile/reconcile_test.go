package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"calbot/internal/clock"
	"calbot/internal/domain"
	"calbot/internal/lock"
	"calbot/internal/storage"
)

type countingUnscheduler struct{ ids []int64 }

func (u *countingUnscheduler) Unschedule(_ context.Context, id int64) int {
	u.ids = append(u.ids, id)
	return 0
}

func at(h, m int) time.Time { return time.Date(2019, 1, 1, h, m, 0, 0, time.UTC) }

func TestCleanPastEvents(t *testing.T) {
	convey.Convey("Given a store with ended events", t, func() {
		ctx := context.Background()
		st := storage.NewMemory()
		_ = st.PutCalendar(ctx, domain.Calendar{ID: 1, ChatID: 10, Timezone: "UTC"})
		now := at(14, 0)
		locker := lock.NewMemory(clock.NewFake(now))
		unsch := &countingUnscheduler{}
		svc := New(Config{ShardCount: 1}, st, locker, WithUnscheduler(unsch))

		mk := func(start, end time.Time, rule domain.RepeatRule) domain.Event {
			ev, err := st.CreateEvent(ctx, domain.Event{CalendarID: 1, Start: start, End: end, Repeat: rule})
			convey.So(err, convey.ShouldBeNil)
			return ev
		}

		convey.Convey("a daily event is advanced once to the next day", func() {
			ev := mk(at(12, 0), at(13, 0), domain.RepeatDaily)
			rep, err := svc.CleanPastEvents(ctx, now)
			convey.So(err, convey.ShouldBeNil)
			convey.So(rep, convey.ShouldResemble, Report{Advanced: 1})

			got, _ := st.GetEvent(ctx, ev.ID)
			convey.So(got.Start, convey.ShouldEqual, time.Date(2019, 1, 2, 12, 0, 0, 0, time.UTC))
			convey.So(got.End, convey.ShouldEqual, time.Date(2019, 1, 2, 13, 0, 0, 0, time.UTC))
		})

		convey.Convey("a long-offline weekly event catches up past now", func() {
			ev := mk(at(12, 0).AddDate(0, 0, -70), at(13, 0).AddDate(0, 0, -70), domain.RepeatWeekly)
			_, err := svc.CleanPastEvents(ctx, now)
			convey.So(err, convey.ShouldBeNil)
			got, _ := st.GetEvent(ctx, ev.ID)
			convey.So(got.Start, convey.ShouldEqual, at(12, 0).AddDate(0, 0, 7))
		})

		convey.Convey("a non-repeating event is deleted, not advanced", func() {
			ev := mk(at(12, 0), at(13, 0), domain.RepeatNone)
			rep, err := svc.CleanPastEvents(ctx, now)
			convey.So(err, convey.ShouldBeNil)
			convey.So(rep, convey.ShouldResemble, Report{Deleted: 1})
			_, err = st.GetEvent(ctx, ev.ID)
			convey.So(errors.Is(err, domain.ErrNotFound), convey.ShouldBeTrue)
			convey.So(unsch.ids, convey.ShouldResemble, []int64{ev.ID})
		})

		convey.Convey("live and future events are left alone", func() {
			live := mk(at(13, 30), at(15, 0), domain.RepeatNone)
			future := mk(at(18, 0), at(19, 0), domain.RepeatDaily)
			rep, err := svc.CleanPastEvents(ctx, now)
			convey.So(err, convey.ShouldBeNil)
			convey.So(rep, convey.ShouldResemble, Report{})
			_, err = st.GetEvent(ctx, live.ID)
			convey.So(err, convey.ShouldBeNil)
			got, _ := st.GetEvent(ctx, future.ID)
			convey.So(got.Start, convey.ShouldEqual, future.Start)
		})

		convey.Convey("a leased event is skipped and the pass continues", func() {
			held := mk(at(12, 0), at(13, 0), domain.RepeatDaily)
			other := mk(at(10, 0), at(11, 0), domain.RepeatNone)
			g, err := locker.Acquire(ctx, lock.EventKey(held.ID), time.Minute)
			convey.So(err, convey.ShouldBeNil)
			defer g.Release(ctx)

			rep, err := svc.CleanPastEvents(ctx, now)
			convey.So(err, convey.ShouldBeNil)
			convey.So(rep, convey.ShouldResemble, Report{Deleted: 1, Skipped: 1})
			got, _ := st.GetEvent(ctx, held.ID)
			convey.So(got.Start, convey.ShouldEqual, held.Start)
			_, err = st.GetEvent(ctx, other.ID)
			convey.So(errors.Is(err, domain.ErrNotFound), convey.ShouldBeTrue)
		})

		convey.Convey("ResolveCalendars only touches the given calendars", func() {
			_ = st.PutCalendar(ctx, domain.Calendar{ID: 2, ChatID: 20, Timezone: "UTC"})
			ev, _ := st.CreateEvent(ctx, domain.Event{CalendarID: 2, Start: at(12, 0), End: at(13, 0)})
			rep, err := svc.ResolveCalendars(ctx, now, []int64{1})
			convey.So(err, convey.ShouldBeNil)
			convey.So(rep, convey.ShouldResemble, Report{})
			_, err = st.GetEvent(ctx, ev.ID)
			convey.So(err, convey.ShouldBeNil)
		})
	})
}
