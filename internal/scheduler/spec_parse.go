package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Kind is the normalized form of a schedule string.
type Kind int

const (
	KindInterval Kind = iota
	KindCron
)

func (k Kind) String() string {
	if k == KindCron {
		return "cron"
	}
	return "interval"
}

// Schedule is a parsed poll schedule.
//
// Accepted forms:
//   - Go duration: "5m", "90s"
//   - HH:MM interval: "00:05" (5 minutes), "01:30"
//   - cron (5 or 6 fields) or descriptor: "*/5 * * * *", "@hourly", "@every 5m"
//
// The prefixes "cron:" and "every:" force one interpretation.
type Schedule struct {
	Kind  Kind
	Cron  string
	Every time.Duration
	Raw   string
}

// Spec returns the expression handed to robfig/cron.
func (s Schedule) Spec() string {
	if s.Kind == KindCron {
		return s.Cron
	}
	return "@every " + s.Every.String()
}

func (s Schedule) String() string { return s.Raw }

var hhmmRe = regexp.MustCompile(`^(\d{1,3}):([0-5]\d)$`)

// ParseSchedule parses raw into an interval or a cron schedule.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	out := Schedule{Raw: s}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Schedule{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		out.Kind, out.Cron = KindCron, expr
		return out, nil
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Schedule{}, err
		}
		out.Kind, out.Every = KindInterval, d
		return out, nil
	case strings.HasPrefix(s, "@") || strings.ContainsAny(s, " \t"):
		out.Kind, out.Cron = KindCron, s
		return out, nil
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use a duration like '5m', HH:MM like '00:05', or cron like '*/5 * * * *')", raw)
	}
	out.Kind, out.Every = KindInterval, d
	return out, nil
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if m := hhmmRe.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
		if d <= 0 {
			return 0, fmt.Errorf("interval must be > 0")
		}
		return d, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
