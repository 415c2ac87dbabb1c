// Package workflow provides durable step execution: each named step's result
// is checkpointed, completed steps replay from the log instead of re-running,
// and failing steps retry per their own policy before the workflow fails.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Checkpoints persists step results keyed by (run id, step name).
type Checkpoints interface {
	StepResult(ctx context.Context, runID, step string) ([]byte, bool, error)
	SaveStepResult(ctx context.Context, runID, step string, result []byte) error
}

// RetryPolicy bounds a step's attempts. Delay doubles after every failed
// attempt. The zero value means a single attempt with no delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable: the step fails immediately regardless of
// its retry policy. Used for guard violations.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) came from Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}

// Runner executes the steps of one workflow run.
type Runner struct {
	runID string
	cp    Checkpoints
	log   zerolog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewRunner(cp Checkpoints, runID string, log zerolog.Logger) *Runner {
	return &Runner{
		runID: runID,
		cp:    cp,
		log:   log.With().Str("run_id", runID).Logger(),
		sleep: sleepCtx,
	}
}

// Step runs fn under name with the given retry policy. If a checkpoint for
// name exists, fn is skipped and the stored result is returned; otherwise the
// result is checkpointed after the first successful attempt. Results must be
// JSON-serializable because that is how they survive a restart.
func Step[T any](ctx context.Context, r *Runner, name string, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	stored, ok, err := r.cp.StepResult(ctx, r.runID, name)
	if err != nil {
		return zero, fmt.Errorf("step %s: load checkpoint: %w", name, err)
	}
	if ok {
		var v T
		if err := json.Unmarshal(stored, &v); err != nil {
			return zero, fmt.Errorf("step %s: decode checkpoint: %w", name, err)
		}
		r.log.Debug().Str("step", name).Msg("step replayed from checkpoint")
		return v, nil
	}

	delay := policy.Delay
	var lastErr error
	for attempt := 1; attempt <= policy.attempts(); attempt++ {
		v, err := fn(ctx)
		if err == nil {
			data, err := json.Marshal(v)
			if err != nil {
				return zero, fmt.Errorf("step %s: encode result: %w", name, err)
			}
			if err := r.cp.SaveStepResult(ctx, r.runID, name, data); err != nil {
				return zero, fmt.Errorf("step %s: save checkpoint: %w", name, err)
			}
			return v, nil
		}
		lastErr = err
		if IsFatal(err) || attempt == policy.attempts() {
			break
		}
		r.log.Warn().Str("step", name).Int("attempt", attempt).Dur("delay", delay).Err(err).
			Msg("step failed, retrying")
		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
		delay *= 2
	}
	return zero, fmt.Errorf("step %s: %w", name, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
