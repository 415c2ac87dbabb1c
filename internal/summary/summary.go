// Package summary defines the contract with the external status-summary
// generator and the time-window arithmetic around it.
package summary

import (
	"context"
	"time"

	"statusflow/internal/domain"
)

// Item is one individual highlight within a report.
type Item struct {
	Content string `json:"content"`
}

// Report is the generator's output contract.
type Report struct {
	GeneralSummary *string `json:"generalSummary"`
	Items          []Item  `json:"items"`
}

// Empty reports whether the generator produced no content at all, which the
// workflow treats as a generation failure.
func (r *Report) Empty() bool {
	return r == nil || ((r.GeneralSummary == nil || *r.GeneralSummary == "") && len(r.Items) == 0)
}

// Generator produces a status report for an organization over a time window.
type Generator interface {
	Generate(ctx context.Context, orgID string, from, to time.Time) (*Report, error)
}

// Window computes the summarized interval: from the last execution when one
// exists, otherwise one recurrence period back (start of day); always ending
// at the current day's end.
func Window(rec domain.Recurrence, lastExecutionAt *time.Time, now time.Time) (from, to time.Time) {
	now = now.UTC()
	to = time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, int(time.Second-time.Nanosecond), time.UTC)
	if lastExecutionAt != nil {
		return lastExecutionAt.UTC(), to
	}
	var start time.Time
	switch rec {
	case domain.Weekly:
		start = now.AddDate(0, 0, -7)
	case domain.Monthly:
		start = now.AddDate(0, -1, 0)
	default: // daily, and the fallback for anything else
		start = now.AddDate(0, 0, -1)
	}
	from = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)
	return from, to
}
