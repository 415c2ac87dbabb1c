package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memCheckpoints struct {
	saved map[string][]byte
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{saved: map[string][]byte{}}
}

func (m *memCheckpoints) StepResult(_ context.Context, runID, step string) ([]byte, bool, error) {
	v, ok := m.saved[runID+"/"+step]
	return v, ok, nil
}

func (m *memCheckpoints) SaveStepResult(_ context.Context, runID, step string, result []byte) error {
	m.saved[runID+"/"+step] = result
	return nil
}

func testRunner(cp Checkpoints) *Runner {
	r := NewRunner(cp, "run_test", zerolog.Nop())
	r.sleep = func(context.Context, time.Duration) error { return nil }
	return r
}

func TestStepCheckpointsAndReplays(t *testing.T) {
	cp := newMemCheckpoints()
	r := testRunner(cp)

	calls := 0
	fn := func(context.Context) (int, error) {
		calls++
		return 42, nil
	}

	v, err := Step(context.Background(), r, "compute", RetryPolicy{}, fn)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)

	// Second execution replays the stored result without calling fn.
	v, err = Step(context.Background(), r, "compute", RetryPolicy{}, fn)
	require.NoError(t, err)
	require.Equal(t, 42, v)
	require.Equal(t, 1, calls)
}

func TestStepRetriesUntilSuccess(t *testing.T) {
	cp := newMemCheckpoints()
	r := testRunner(cp)

	var delays []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	calls := 0
	v, err := Step(context.Background(), r, "flaky", RetryPolicy{MaxAttempts: 3, Delay: time.Second},
		func(context.Context) (string, error) {
			calls++
			if calls < 3 {
				return "", errors.New("transient")
			}
			return "done", nil
		})
	require.NoError(t, err)
	require.Equal(t, "done", v)
	require.Equal(t, 3, calls)
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestStepExhaustsRetries(t *testing.T) {
	cp := newMemCheckpoints()
	r := testRunner(cp)

	calls := 0
	_, err := Step(context.Background(), r, "hopeless", RetryPolicy{MaxAttempts: 3},
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("still broken")
		})
	require.Error(t, err)
	require.Equal(t, 3, calls)
	require.Empty(t, cp.saved)
}

func TestStepFatalSkipsRetries(t *testing.T) {
	cp := newMemCheckpoints()
	r := testRunner(cp)

	calls := 0
	boom := errors.New("guard violated")
	_, err := Step(context.Background(), r, "guarded", RetryPolicy{MaxAttempts: 5},
		func(context.Context) (int, error) {
			calls++
			return 0, Fatal(boom)
		})
	require.Error(t, err)
	require.True(t, IsFatal(err))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestStepZeroPolicyRunsOnce(t *testing.T) {
	cp := newMemCheckpoints()
	r := testRunner(cp)

	calls := 0
	_, err := Step(context.Background(), r, "once", RetryPolicy{},
		func(context.Context) (int, error) {
			calls++
			return 0, errors.New("nope")
		})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestFatalNil(t *testing.T) {
	require.NoError(t, Fatal(nil))
	require.False(t, IsFatal(errors.New("plain")))
}
