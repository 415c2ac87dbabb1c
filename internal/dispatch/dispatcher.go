// Package dispatch polls for pending schedule runs that are due and launches
// their workflows.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"statusflow/internal/store"
)

// Runner executes one schedule run; the workflow engine implements it.
type Runner interface {
	Run(ctx context.Context, runID, orgID string) error
}

type Service struct {
	store    store.Store
	runner   Runner
	interval time.Duration
	sem      chan struct{}
	stop     chan struct{}
	log      zerolog.Logger
}

func New(st store.Store, runner Runner, interval time.Duration, concurrency int, log zerolog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Service{
		store:    st,
		runner:   runner,
		interval: interval,
		sem:      make(chan struct{}, concurrency),
		stop:     make(chan struct{}),
		log:      log,
	}
}

// Start blocks, polling for due runs until the context is cancelled or Stop
// is called. Runs execute concurrently up to the configured limit; the run
// lease makes a double launch harmless, the loser is rejected at claim time.
// Each tick also sweeps for running runs whose lease lapsed (crashed
// executor) and resumes them.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info().Dur("interval", s.interval).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Service) Stop() { close(s.stop) }

func (s *Service) tick(ctx context.Context, now time.Time) {
	due, err := s.store.DuePendingRuns(ctx, now, 100)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query due runs")
		return
	}
	stale, err := s.store.StaleRunningRuns(ctx, now, 100)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query stale runs")
		return
	}
	if len(stale) > 0 {
		s.log.Warn().Int("stale", len(stale)).Msg("resuming schedule runs with lapsed leases")
	}

	for _, d := range append(due, stale...) {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		go func(d store.DueRun) {
			defer func() { <-s.sem }()
			// The engine logs its own outcome; rejections here are expected
			// when another dispatcher instance claimed the run first.
			_ = s.runner.Run(ctx, d.RunID, d.OrganizationID)
		}(d)
	}
	if len(due) > 0 {
		s.log.Debug().Int("due", len(due)).Msg("dispatched due schedule runs")
	}
}
