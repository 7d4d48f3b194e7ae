package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calbot/internal/domain"
	"calbot/internal/transport"
	"calbot/pkg/logx"
)

const timeLayout = "Mon 02 Jan 2006 15:04 MST"

// RSVPAction is the inline callback data prefix toggling an RSVP.
const RSVPAction = "rsvp:"

func (m *Manager) locationOf(ctx context.Context, ev domain.Event) *time.Location {
	loc, err := m.store.GetTimezone(ctx, ev.CalendarID)
	if err != nil {
		m.log.Debug("calendar timezone unavailable; rendering in UTC",
			logx.Int64("calendar_id", ev.CalendarID), logx.Err(err))
		return time.UTC
	}
	return loc
}

// mentionText expands the event's mentions. RSVP mentions expand to every
// current RSVP holder; duplicates are dropped.
func mentionText(ev domain.Event) string {
	seen := map[string]bool{}
	var parts []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			parts = append(parts, s)
		}
	}
	for _, mn := range ev.Mentions {
		switch mn.Type {
		case domain.MentionEveryone:
			add("@everyone")
		case domain.MentionRole:
			add("@" + nameOr(mn.Name, "role", mn.TargetID))
		case domain.MentionUser:
			add("@" + nameOr(mn.Name, "user", mn.TargetID))
		case domain.MentionRSVP:
			for _, r := range ev.RSVPs {
				add("@" + nameOr(r.Name, "user", r.UserID))
			}
		}
	}
	return strings.Join(parts, " ")
}

func nameOr(name, kind string, id int64) string {
	if n := strings.TrimPrefix(strings.TrimSpace(name), "@"); n != "" {
		return n
	}
	return fmt.Sprintf("%s%d", kind, id)
}

func startEmbed(ev domain.Event, loc *time.Location) *transport.Embed {
	e := &transport.Embed{
		Title:       ev.Name + " is starting",
		Description: ev.Description,
		Fields: []transport.EmbedField{
			{Name: "Start", Value: ev.Start.In(loc).Format(timeLayout)},
			{Name: "End", Value: ev.End.In(loc).Format(timeLayout)},
		},
		Actions: rsvpActions(ev),
	}
	if n := len(ev.RSVPs); n > 0 {
		e.Fields = append(e.Fields, transport.EmbedField{Name: "Going", Value: fmt.Sprint(n)})
	}
	if ev.Repeat.Repeats() {
		e.Footer = "Repeats " + strings.ReplaceAll(ev.Repeat.String(), "_", " ")
	}
	return e
}

func reminderEmbed(ev domain.Event, loc *time.Location, at time.Time) *transport.Embed {
	return &transport.Embed{
		Title: "Reminder: " + ev.Name,
		Fields: []transport.EmbedField{
			{Name: "Starts", Value: ev.Start.In(loc).Format(timeLayout)},
			{Name: "In", Value: ev.Start.Sub(at).Round(time.Minute).String()},
		},
		Actions: rsvpActions(ev),
	}
}

func rsvpActions(ev domain.Event) []transport.Action {
	return []transport.Action{{Label: "RSVP", Data: fmt.Sprintf("%s%d", RSVPAction, ev.ID)}}
}
