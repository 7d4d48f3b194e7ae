package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SpecKind is either a cron expression or a fixed interval.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to its kind.
//
// Accepted forms: cron ("*/15 * * * *", "@hourly", "@every 45m"), a Go
// duration ("1h", "2h30m") or an HH:MM interval ("01:30"). A "cron:",
// "interval:" or "every:" prefix forces the kind.
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var errNonPositive = errors.New("interval must be > 0")

// ParseSchedule resolves raw into a cron expression or an interval.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, errors.New("schedule required")
	}

	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch strings.ToLower(prefix) {
		case "cron":
			expr := strings.TrimSpace(rest)
			if expr == "" {
				return ParsedSpec{}, errors.New("cron expression required after 'cron:'")
			}
			return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
		case "interval", "every":
			return intervalSpec(rest)
		}
	}

	if strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	spec, err := intervalSpec(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid schedule %q (cron like '0 * * * *', HH:MM like '01:30', or duration like '1h'): %w", raw, err)
	}
	return spec, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, errors.New("interval required")
	}
	src := "duration"
	d, err := time.ParseDuration(v)
	if err != nil {
		if d, err = parseHHMM(v); err != nil {
			return ParsedSpec{}, err
		}
		src = "hhmm"
	}
	if d <= 0 {
		return ParsedSpec{}, errNonPositive
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// parseHHMM reads "H:MM" up to "HHH:MM" as hours and minutes.
func parseHHMM(v string) (time.Duration, error) {
	hs, ms, ok := strings.Cut(v, ":")
	if !ok || len(hs) == 0 || len(hs) > 3 || len(ms) != 2 {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours in %q", v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
