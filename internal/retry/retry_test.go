package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errFlaky = errors.New("flaky")
	errFatal = errors.New("fatal")
)

// recordingTimer fires immediately and remembers every requested sleep.
type recordingTimer struct {
	sleeps []time.Duration
	c      chan time.Time
}

func newRecordingTimer() *recordingTimer {
	return &recordingTimer{c: make(chan time.Time, 1)}
}

func (r *recordingTimer) Start(d time.Duration) {
	r.sleeps = append(r.sleeps, d)
	r.c <- time.Now()
}

func (r *recordingTimer) Stop() {}

func (r *recordingTimer) C() <-chan time.Time { return r.c }

func policy(attempts int, base time.Duration, factor float64) Policy {
	return Policy{
		MaxAttempts:   attempts,
		BaseSleep:     base,
		BackoffFactor: factor,
		Retryable:     OnErrors(errFlaky),
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	timer := newRecordingTimer()
	calls := 0
	err := Do(context.Background(), policy(4, time.Second, 2), func(context.Context) error {
		calls++
		return nil
	}, WithTimer(timer))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, timer.sleeps)
}

func TestDoExhaustsBudget(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		timer := newRecordingTimer()
		calls := 0
		err := Do(context.Background(), policy(n, time.Second, 2), func(context.Context) error {
			calls++
			return errFlaky
		}, WithTimer(timer))

		assert.Equal(t, n, calls, "attempts for budget %d", n)
		var exhausted *ExhaustedError
		require.True(t, errors.As(err, &exhausted))
		assert.Equal(t, n, exhausted.Attempts)
		assert.ErrorIs(t, err, ErrRetriesExhausted)
		assert.ErrorIs(t, err, errFlaky)
		assert.NotEqual(t, errFlaky, err)
		assert.Len(t, timer.sleeps, n-1)
	}
}

func TestDoSleepSchedule(t *testing.T) {
	tests := []struct {
		name   string
		base   time.Duration
		factor float64
		want   []time.Duration
	}{
		{name: "doubling", base: time.Second, factor: 2, want: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}},
		{name: "constant", base: 3 * time.Second, factor: 1, want: []time.Duration{3 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}},
		{name: "fractional", base: 100 * time.Millisecond, factor: 1.5, want: []time.Duration{100 * time.Millisecond, 150 * time.Millisecond, 225 * time.Millisecond, 337500 * time.Microsecond}},
		{name: "below one", base: time.Second, factor: 0.5, want: []time.Duration{time.Second, time.Second, time.Second, time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			timer := newRecordingTimer()
			p := policy(5, tt.base, tt.factor)
			_ = Do(context.Background(), p, func(context.Context) error { return errFlaky }, WithTimer(timer))
			assert.Equal(t, tt.want, timer.sleeps)
			for k, d := range tt.want {
				assert.Equal(t, d, p.Sleep(k+1))
			}
		})
	}
}

func TestDoNonRetryablePropagatesImmediately(t *testing.T) {
	timer := newRecordingTimer()
	calls := 0
	err := Do(context.Background(), policy(4, time.Second, 2), func(context.Context) error {
		calls++
		return errFatal
	}, WithTimer(timer))
	assert.Equal(t, 1, calls)
	assert.Equal(t, errFatal, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Empty(t, timer.sleeps)
}

func TestDoRecoversAfterRetryableFailures(t *testing.T) {
	timer := newRecordingTimer()
	calls := 0
	err := Do(context.Background(), policy(4, time.Second, 2), func(context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	}, WithTimer(timer))
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.sleeps)
}

func TestDoNilRetryable(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 3}, func(context.Context) error {
		calls++
		return errFlaky
	})
	assert.Equal(t, 1, calls)
	assert.Equal(t, errFlaky, err)
}

func TestDoContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, policy(4, time.Hour, 1), func(context.Context) error {
		calls++
		cancel()
		return errFlaky
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDoValue(t *testing.T) {
	timer := newRecordingTimer()
	calls := 0
	v, err := DoValue(context.Background(), policy(3, time.Millisecond, 1), func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errFlaky
		}
		return "up", nil
	}, WithTimer(timer))
	require.NoError(t, err)
	assert.Equal(t, "up", v)
}

func TestBreakerTripsAcrossOperations(t *testing.T) {
	p := policy(2, time.Millisecond, 1)
	p.Breaker = NewBreaker(BreakerSettings{Name: "instance", Threshold: 2, OpenFor: time.Hour})
	require.NotNil(t, p.Breaker)

	calls := 0
	op := func(context.Context) error {
		calls++
		return errFlaky
	}

	for i := 0; i < 2; i++ {
		err := Do(context.Background(), p, op, WithTimer(newRecordingTimer()))
		assert.ErrorIs(t, err, ErrRetriesExhausted)
	}
	assert.Equal(t, 4, calls)

	err := Do(context.Background(), p, op, WithTimer(newRecordingTimer()))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 4, calls)
}

func TestBreakerKeepsAttemptBudget(t *testing.T) {
	p := policy(4, time.Millisecond, 1)
	p.Breaker = NewBreaker(BreakerSettings{Name: "instance", Threshold: 1, OpenFor: time.Hour})

	calls := 0
	err := Do(context.Background(), p, func(context.Context) error {
		calls++
		return errFlaky
	}, WithTimer(newRecordingTimer()))

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 4, exhausted.Attempts)
	assert.Equal(t, 4, calls)
}

func TestBreakerIgnoresNonRetryable(t *testing.T) {
	p := policy(1, time.Millisecond, 1)
	p.Breaker = NewBreaker(BreakerSettings{Name: "instance", Threshold: 1})
	for i := 0; i < 3; i++ {
		err := Do(context.Background(), p, func(context.Context) error { return errFatal })
		assert.Equal(t, errFatal, err)
	}
}

func TestNewBreakerDisabled(t *testing.T) {
	assert.Nil(t, NewBreaker(BreakerSettings{Name: "off"}))
	assert.Nil(t, NewBreakers(BreakerSettings{}).Get("10.0.0.1"))
	var none *Breakers
	assert.Nil(t, none.Get("10.0.0.1"))
}

func TestBreakersPerName(t *testing.T) {
	b := NewBreakers(BreakerSettings{Threshold: 1, OpenFor: time.Minute})
	first := b.Get("10.0.0.1")
	require.NotNil(t, first)
	assert.Same(t, first, b.Get("10.0.0.1"))
	assert.NotSame(t, first, b.Get("10.0.0.2"))
	assert.Equal(t, "10.0.0.2", b.Get("10.0.0.2").Name())
	assert.Equal(t, uint32(1), b.Settings().Threshold)
}
