package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Schedule is a parsed channel id. Expr is always something the cron parser
// accepts; Every is set for interval schedules.
type Schedule struct {
	ID    string
	Expr  string
	Every time.Duration
}

// Human is the schedule as shown in messages.
func (s Schedule) Human() string {
	if s.Every > 0 {
		return "every " + s.Every.String()
	}
	return s.Expr
}

var reHHMM = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)

// ParseSchedule maps a channel id to a schedule.
//
// Chat commands split on whitespace, so cron fields are joined with '_':
//   - "0_9_*_*_1-5", "*/5_*_*_*_*"   cron expression
//   - "@hourly", "@daily"            descriptor
//   - "55m", "2h30m", "every:10m"    interval
//   - "02:30"                        interval HH:MM
func ParseSchedule(id string) (Schedule, error) {
	raw := strings.TrimSpace(id)
	if raw == "" {
		return Schedule{}, fmt.Errorf("schedule required")
	}
	s := strings.ReplaceAll(raw, "_", " ")
	low := strings.ToLower(s)

	switch {
	case strings.HasPrefix(low, "every:"):
		d, err := parseInterval(s[len("every:"):])
		if err != nil {
			return Schedule{}, err
		}
		return interval(raw, d), nil
	case strings.HasPrefix(low, "@every "):
		d, err := parseInterval(s[len("@every "):])
		if err != nil {
			return Schedule{}, err
		}
		return interval(raw, d), nil
	case strings.HasPrefix(s, "@"), strings.Contains(s, " "):
		return Schedule{ID: raw, Expr: s}, nil
	}

	d, err := parseInterval(s)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule %q (use cron like '*/5_*_*_*_*', HH:MM like '02:30', or duration like '55m')", raw)
	}
	return interval(raw, d), nil
}

func interval(id string, d time.Duration) Schedule {
	return Schedule{ID: id, Expr: "@every " + d.String(), Every: d}
}

func parseInterval(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, fmt.Errorf("interval required")
	}
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return 0, fmt.Errorf("invalid minutes in %q", v)
		}
		v = fmt.Sprintf("%dh%dm", hh, mm)
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q", v)
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval must be at least 1s")
	}
	return d, nil
}
