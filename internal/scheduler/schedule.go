package scheduler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	KindCron     = "cron"
	KindInterval = "interval"
	KindOnce     = "once"
)

type Schedule struct {
	Kind       string `json:"kind"`        // "cron", "interval", "once"
	CronExpr   string `json:"cron_expr"`   // Cron expression (if kind=cron)
	IntervalMs int64  `json:"interval_ms"` // Interval in ms (if kind=interval)
	AtMs       int64  `json:"at_ms"`       // Unix ms timestamp (if kind=once)
}

// Parse accepts a schedule JSON document, a cron expression, "@every <d>"
// or a bare Go duration.
func Parse(raw string) (Schedule, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Schedule{}, fmt.Errorf("empty schedule")
	}

	if strings.HasPrefix(raw, "{") {
		var s Schedule
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return Schedule{}, fmt.Errorf("parse schedule: %w", err)
		}
		return s, s.Validate()
	}

	if d, ok := strings.CutPrefix(raw, "@every "); ok {
		raw = strings.TrimSpace(d)
	}
	if d, err := time.ParseDuration(raw); err == nil {
		s := Schedule{Kind: KindInterval, IntervalMs: d.Milliseconds()}
		return s, s.Validate()
	}

	s := Schedule{Kind: KindCron, CronExpr: raw}
	if err := s.Validate(); err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule: not a duration or cron expression: %s", raw)
	}
	return s, nil
}

func (s Schedule) Validate() error {
	switch s.Kind {
	case KindCron:
		if !gronx.New().IsValid(s.CronExpr) {
			return fmt.Errorf("invalid cron expression: %s", s.CronExpr)
		}
	case KindInterval:
		if s.IntervalMs <= 0 {
			return fmt.Errorf("interval_ms must be positive")
		}
	case KindOnce:
		if s.AtMs <= 0 {
			return fmt.Errorf("at_ms must be positive")
		}
	default:
		return fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
	return nil
}

// Next returns the first run strictly after now, or nil when the schedule
// will not fire again.
func (s Schedule) Next(now time.Time) *time.Time {
	var next time.Time

	switch s.Kind {
	case KindCron:
		t, err := gronx.NextTickAfter(s.CronExpr, now, false)
		if err != nil {
			return nil
		}
		next = t
	case KindInterval:
		if s.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(time.Duration(s.IntervalMs) * time.Millisecond)
	case KindOnce:
		t := time.UnixMilli(s.AtMs)
		if !t.After(now) {
			return nil
		}
		next = t
	default:
		return nil
	}

	return &next
}

// String returns a human-readable description.
func (s Schedule) String() string {
	switch s.Kind {
	case KindCron:
		if strings.HasPrefix(s.CronExpr, "@") {
			return s.CronExpr
		}
		return "Cron: " + s.CronExpr
	case KindInterval:
		d := time.Duration(s.IntervalMs) * time.Millisecond
		switch {
		case d%time.Hour == 0 && d >= time.Hour:
			h := int(d.Hours())
			if h == 1 {
				return "Every hour"
			}
			return fmt.Sprintf("Every %d hours", h)
		case d%time.Minute == 0 && d >= time.Minute:
			m := int(d.Minutes())
			if m == 1 {
				return "Every minute"
			}
			return fmt.Sprintf("Every %d minutes", m)
		default:
			return fmt.Sprintf("Every %d seconds", int(d.Seconds()))
		}
	case KindOnce:
		return "Once at " + time.UnixMilli(s.AtMs).Format("Jan 2 15:04")
	default:
		return s.Kind
	}
}
