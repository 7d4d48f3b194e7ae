package recurrence

import (
	"errors"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/smartystreets/goconvey/convey"

	"calbot/internal/domain"
)

func utc(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := LoadTimezone(name)
	if err != nil {
		t.Fatalf("LoadTimezone(%q): %v", name, err)
	}
	return loc
}

func event(start time.Time, length time.Duration, rule domain.RepeatRule) domain.Event {
	return domain.Event{ID: 1, CalendarID: 1, Name: "standup", Start: start, End: start.Add(length), Repeat: rule}
}

func TestAdvanceRules(t *testing.T) {
	shanghai := mustLoc(t, "Asia/Shanghai")

	convey.Convey("Given events at 2019-01-01 12:00", t, func() {
		convey.Convey("Daily in +08:00 moves start, end and reminder by one local day", func() {
			start := time.Date(2019, 1, 1, 12, 0, 0, 0, shanghai)
			ev := event(start, time.Hour, domain.RepeatDaily)
			rem := start.Add(-30 * time.Minute)
			ev.Reminder = &rem

			got, err := Advance(ev, shanghai)
			convey.So(err, convey.ShouldBeNil)
			convey.So(got.Start.Format(time.RFC3339), convey.ShouldEqual, "2019-01-02T12:00:00+08:00")
			convey.So(got.End.Format(time.RFC3339), convey.ShouldEqual, "2019-01-02T13:00:00+08:00")
			convey.So(got.Reminder, convey.ShouldNotBeNil)
			convey.So(got.Reminder.Format(time.RFC3339), convey.ShouldEqual, "2019-01-02T11:30:00+08:00")
			convey.So(utc(*ev.Reminder), convey.ShouldEqual, "2019-01-01T03:30:00Z")
		})

		convey.Convey("Weekly in UTC moves by seven days", func() {
			got, err := Advance(event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatWeekly), time.UTC)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2019-01-08T12:00:00Z")
		})

		convey.Convey("Monthly in UTC keeps the day of month", func() {
			got, err := Advance(event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatMonthly), time.UTC)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2019-02-01T12:00:00Z")
		})

		convey.Convey("MonthlyWeekday moves the first Tuesday to the first Tuesday of February", func() {
			got, err := Advance(event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatMonthlyWeekday), time.UTC)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2019-02-05T12:00:00Z")
			convey.So(utc(got.End), convey.ShouldEqual, "2019-02-05T13:00:00Z")
		})

		convey.Convey("None is rejected", func() {
			_, err := Advance(event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatNone), time.UTC)
			convey.So(errors.Is(err, ErrNotRepeating), convey.ShouldBeTrue)
		})
	})
}

func TestAdvanceMonthlyClamp(t *testing.T) {
	convey.Convey("Given a monthly event on the 31st", t, func() {
		convey.Convey("February clamps to the 28th in a common year", func() {
			got, err := Advance(event(time.Date(2019, 1, 31, 9, 0, 0, 0, time.UTC), time.Hour, domain.RepeatMonthly), time.UTC)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2019-02-28T09:00:00Z")

			convey.Convey("and the clamped day carries into the next month", func() {
				again, err := Advance(got, time.UTC)
				convey.So(err, convey.ShouldBeNil)
				convey.So(utc(again.Start), convey.ShouldEqual, "2019-03-28T09:00:00Z")
			})
		})

		convey.Convey("February clamps to the 29th in a leap year", func() {
			got, err := Advance(event(time.Date(2020, 1, 31, 9, 0, 0, 0, time.UTC), time.Hour, domain.RepeatMonthly), time.UTC)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2020-02-29T09:00:00Z")
		})

		convey.Convey("December rolls into January of the next year", func() {
			got, err := Advance(event(time.Date(2019, 12, 31, 9, 0, 0, 0, time.UTC), time.Hour, domain.RepeatMonthly), time.UTC)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2020-01-31T09:00:00Z")
		})
	})
}

func TestAdvanceMonthlyWeekdayOrdinals(t *testing.T) {
	tests := []struct {
		name  string
		start time.Time
		want  string
	}{
		{name: "fourth tuesday", start: time.Date(2019, 1, 22, 18, 0, 0, 0, time.UTC), want: "2019-02-26T18:00:00Z"},
		{name: "fifth tuesday becomes last", start: time.Date(2019, 1, 29, 18, 0, 0, 0, time.UTC), want: "2019-02-26T18:00:00Z"},
		{name: "second friday", start: time.Date(2019, 3, 8, 7, 30, 0, 0, time.UTC), want: "2019-04-12T07:30:00Z"},
		{name: "year boundary", start: time.Date(2019, 12, 3, 12, 0, 0, 0, time.UTC), want: "2020-01-07T12:00:00Z"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Advance(event(tt.start, time.Hour, domain.RepeatMonthlyWeekday), time.UTC)
			if err != nil {
				t.Fatalf("Advance() error: %v", err)
			}
			if utc(got.Start) != tt.want {
				t.Fatalf("Advance() start = %s, want %s", utc(got.Start), tt.want)
			}
		})
	}
}

func TestAdvanceAcrossDST(t *testing.T) {
	ny := mustLoc(t, "America/New_York")

	convey.Convey("Given a daily event in America/New_York", t, func() {
		convey.Convey("The local wall time is kept across spring forward", func() {
			start := time.Date(2019, 3, 9, 12, 0, 0, 0, ny)
			got, err := Advance(event(start, time.Hour, domain.RepeatDaily), ny)
			convey.So(err, convey.ShouldBeNil)
			convey.So(got.Start.Format(time.RFC3339), convey.ShouldEqual, "2019-03-10T12:00:00-04:00")
			convey.So(got.End.Sub(got.Start), convey.ShouldEqual, time.Hour)
		})

		convey.Convey("A skipped local time moves forward by the gap", func() {
			start := time.Date(2019, 3, 9, 2, 30, 0, 0, ny)
			got, err := Advance(event(start, time.Hour, domain.RepeatDaily), ny)
			convey.So(err, convey.ShouldBeNil)
			convey.So(got.Start.Format(time.RFC3339), convey.ShouldEqual, "2019-03-10T03:30:00-04:00")
		})

		convey.Convey("An ambiguous local time takes the earlier instant", func() {
			start := time.Date(2019, 11, 2, 1, 30, 0, 0, ny)
			got, err := Advance(event(start, time.Hour, domain.RepeatDaily), ny)
			convey.So(err, convey.ShouldBeNil)
			convey.So(utc(got.Start), convey.ShouldEqual, "2019-11-03T05:30:00Z")
			convey.So(got.Start.Format(time.RFC3339), convey.ShouldEqual, "2019-11-03T01:30:00-04:00")
		})
	})
}

func TestCatchUp(t *testing.T) {
	convey.Convey("Given a daily event that ended an hour ago", t, func() {
		ev := event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatDaily)
		now := time.Date(2019, 1, 1, 14, 0, 0, 0, time.UTC)

		got, n, err := CatchUp(ev, time.UTC, now)
		convey.So(err, convey.ShouldBeNil)
		convey.So(n, convey.ShouldEqual, 1)
		convey.So(utc(got.Start), convey.ShouldEqual, "2019-01-02T12:00:00Z")
		convey.So(utc(got.End), convey.ShouldEqual, "2019-01-02T13:00:00Z")
	})

	convey.Convey("Given a weekly event missed for ten weeks", t, func() {
		ev := event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatWeekly)
		now := time.Date(2019, 3, 12, 12, 0, 0, 0, time.UTC)

		got, n, err := CatchUp(ev, time.UTC, now)
		convey.So(err, convey.ShouldBeNil)
		convey.So(n, convey.ShouldEqual, 11)
		convey.So(utc(got.Start), convey.ShouldEqual, "2019-03-19T12:00:00Z")
	})

	convey.Convey("Given an event already in the future", t, func() {
		ev := event(time.Date(2019, 1, 1, 12, 0, 0, 0, time.UTC), time.Hour, domain.RepeatDaily)
		got, n, err := CatchUp(ev, time.UTC, ev.Start.Add(-time.Minute))
		convey.So(err, convey.ShouldBeNil)
		convey.So(n, convey.ShouldEqual, 0)
		convey.So(got.Start.Equal(ev.Start), convey.ShouldBeTrue)
	})
}

func TestLoadTimezone(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"", "Local", "Mars/Olympus_Mons"} {
		if _, err := LoadTimezone(name); !errors.Is(err, domain.ErrTimezoneInvalid) {
			t.Fatalf("LoadTimezone(%q) = %v, want ErrTimezoneInvalid", name, err)
		}
	}
	if _, err := LoadTimezone("Europe/Berlin"); err != nil {
		t.Fatalf("LoadTimezone(Europe/Berlin): %v", err)
	}
}
