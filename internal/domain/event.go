package domain

import (
	"fmt"
	"strings"
	"time"
)

// RepeatRule is the recurrence policy of an event.
type RepeatRule int

const (
	RepeatNone RepeatRule = iota
	RepeatDaily
	RepeatWeekly
	RepeatMonthly
	RepeatMonthlyWeekday
)

func (r RepeatRule) String() string {
	switch r {
	case RepeatNone:
		return "none"
	case RepeatDaily:
		return "daily"
	case RepeatWeekly:
		return "weekly"
	case RepeatMonthly:
		return "monthly"
	case RepeatMonthlyWeekday:
		return "monthly_weekday"
	default:
		return fmt.Sprintf("repeat(%d)", int(r))
	}
}

// Repeats reports whether the rule advances the event after it ends.
func (r RepeatRule) Repeats() bool { return r > RepeatNone && r <= RepeatMonthlyWeekday }

// ParseRepeatRule accepts the names produced by String (case-insensitive).
func ParseRepeatRule(s string) (RepeatRule, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return RepeatNone, nil
	case "daily":
		return RepeatDaily, nil
	case "weekly":
		return RepeatWeekly, nil
	case "monthly":
		return RepeatMonthly, nil
	case "monthly_weekday", "monthlyweekday":
		return RepeatMonthlyWeekday, nil
	default:
		return RepeatNone, fmt.Errorf("unknown repeat rule %q", s)
	}
}

// MentionType selects how a mention is expanded in a start notification.
type MentionType int

const (
	MentionUser MentionType = iota
	MentionRole
	MentionEveryone
	// MentionRSVP expands to every user currently holding an RSVP.
	MentionRSVP
)

type Mention struct {
	Type     MentionType
	TargetID int64
	Name     string
}

type RSVP struct {
	UserID int64
	Name   string
}

// Event is a calendar entry. CalendarID is a foreign key resolved through the
// store; events never hold a reference to their calendar.
type Event struct {
	ID          int64
	CalendarID  int64
	Name        string
	Description string

	Start time.Time
	End   time.Time
	// Reminder is nil when no reminder is configured.
	Reminder *time.Time

	Repeat   RepeatRule
	Mentions []Mention
	RSVPs    []RSVP
}

// Validate enforces the invariants the engine relies on.
func (e Event) Validate() error {
	if e.Start.IsZero() || e.End.IsZero() {
		return fmt.Errorf("%w: start and end are required", ErrInvalidEvent)
	}
	if !e.End.After(e.Start) {
		return fmt.Errorf("%w: end %s must be after start %s", ErrInvalidEvent, e.End.Format(time.RFC3339), e.Start.Format(time.RFC3339))
	}
	if e.Reminder != nil && e.Reminder.After(e.Start) {
		return fmt.Errorf("%w: reminder must not be after start", ErrInvalidEvent)
	}
	if e.Repeat < RepeatNone || e.Repeat > RepeatMonthlyWeekday {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, e.Repeat)
	}
	return nil
}

// HasRSVP reports whether userID currently holds an RSVP.
func (e Event) HasRSVP(userID int64) bool {
	for _, r := range e.RSVPs {
		if r.UserID == userID {
			return true
		}
	}
	return false
}

// ToggleRSVP adds or removes the RSVP of r.UserID and reports whether it is now held.
func (e *Event) ToggleRSVP(r RSVP) bool {
	for i := range e.RSVPs {
		if e.RSVPs[i].UserID == r.UserID {
			e.RSVPs = append(e.RSVPs[:i], e.RSVPs[i+1:]...)
			return false
		}
	}
	e.RSVPs = append(e.RSVPs, r)
	return true
}

// Clone returns a deep copy so callers can mutate timestamps and slices freely.
func (e Event) Clone() Event {
	cp := e
	if e.Reminder != nil {
		r := *e.Reminder
		cp.Reminder = &r
	}
	cp.Mentions = append([]Mention(nil), e.Mentions...)
	cp.RSVPs = append([]RSVP(nil), e.RSVPs...)
	return cp
}
