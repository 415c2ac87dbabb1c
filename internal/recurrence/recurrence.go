// Package recurrence computes the next execution instant for a schedule.
package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"statusflow/internal/domain"
)

// NextExecution maps a schedule config and the current instant to the next
// execution time, normalized to UTC. The candidate is evaluated in the
// schedule's configured timezone and is always strictly after now.
//
// An unrecognized recurrence kind (or a config that no longer parses) yields
// the zero time: no run gets scheduled and the schedule lies dormant until it
// is updated.
func NextExecution(cfg domain.ScheduleConfig, now time.Time) time.Time {
	spec, ok := cronSpec(cfg)
	if !ok {
		return time.Time{}
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return time.Time{}
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(now.In(loc)).UTC()
}

// cronSpec renders the config as a standard five-field cron expression.
func cronSpec(cfg domain.ScheduleConfig) (string, bool) {
	h, m, err := domain.ParseTimeOfDay(cfg.TimeOfDay)
	if err != nil {
		return "", false
	}
	switch cfg.Recurrence {
	case domain.Daily:
		return fmt.Sprintf("%d %d * * *", m, h), true
	case domain.Weekly:
		dow := 0 // Monday when unset
		if cfg.DayOfWeek != nil {
			dow = *cfg.DayOfWeek
		}
		// Config counts days from Monday=0, cron from Sunday=0.
		return fmt.Sprintf("%d %d * * %d", m, h, (dow+1)%7), true
	case domain.Monthly:
		dom := 1
		if cfg.DayOfMonth != nil {
			dom = *cfg.DayOfMonth
		}
		return fmt.Sprintf("%d %d %d * *", m, h, dom), true
	default:
		return "", false
	}
}
