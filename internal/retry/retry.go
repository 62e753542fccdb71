// Package retry re-runs a unit of work on designated failures, sleeping a
// geometrically growing interval between attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/andrej220/vdctl/internal/lg"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

const (
	DefaultMaxAttempts   = 4
	DefaultBaseSleep     = 3 * time.Second
	DefaultBackoffFactor = 1.0
)

// ErrRetriesExhausted matches every *ExhaustedError.
var ErrRetriesExhausted = errors.New("retries exhausted")

// ExhaustedError is returned when every attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrRetriesExhausted }

// Policy describes when and how often an operation is re-invoked.
type Policy struct {
	// MaxAttempts counts every invocation including the first one.
	MaxAttempts int
	// BaseSleep is the pause after the first failed attempt.
	BaseSleep time.Duration
	// BackoffFactor multiplies the pause after every further failure.
	// Values below 1 are treated as 1.
	BackoffFactor float64
	// Retryable selects the errors worth another attempt. A nil Retryable
	// retries nothing.
	Retryable func(error) bool
	// Breaker, when set, guards the operation as a whole.
	Breaker *gobreaker.CircuitBreaker
}

func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		BaseSleep:     DefaultBaseSleep,
		BackoffFactor: DefaultBackoffFactor,
		Retryable:     retryable,
	}
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) retryable(err error) bool {
	return p.Retryable != nil && p.Retryable(err)
}

// Sleep returns the pause that follows failed attempt number attempt (1-based).
func (p Policy) Sleep(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseSleep) * math.Pow(p.factor(), float64(attempt-1)))
}

func (p Policy) factor() float64 {
	if p.BackoffFactor < 1 {
		return 1
	}
	return p.BackoffFactor
}

func (p Policy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.BaseSleep
	eb.Multiplier = p.factor()
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Duration(math.MaxInt64)
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithMaxRetries(eb, uint64(p.maxAttempts()-1))
}

// OnErrors returns a Retryable predicate matching any of targets via errors.Is.
func OnErrors(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, target := range targets {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}
}

type settings struct {
	logger lg.Logger
	timer  backoff.Timer
	name   string
}

type Option func(*settings)

func WithLogger(logger lg.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithTimer replaces the timer used for sleeping between attempts.
func WithTimer(timer backoff.Timer) Option {
	return func(s *settings) { s.timer = timer }
}

// WithName labels log lines of this retry loop.
func WithName(name string) Option {
	return func(s *settings) { s.name = name }
}

// Do invokes op until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. Attempts never overlap.
//
// Non-retryable errors are returned as is. Exhaustion returns an
// *ExhaustedError wrapping the last failure. An open Breaker fails the
// call with ErrCircuitOpen before the first attempt.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	s := settings{logger: lg.Discard}
	for _, opt := range opts {
		opt(&s)
	}
	logger := s.logger
	if s.name != "" {
		logger = logger.With(lg.String("operation", s.name))
	}
	return p.guard(func() error { return p.do(ctx, op, s.timer, logger) })
}

func (p Policy) do(ctx context.Context, op func(ctx context.Context) error, timer backoff.Timer, logger lg.Logger) error {
	maxAttempts := p.maxAttempts()
	attempts := 0
	permanent := false
	var last error

	operation := func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		last = err
		if ctx.Err() != nil {
			permanent = true
			return backoff.Permanent(ctx.Err())
		}
		if !p.retryable(err) {
			permanent = true
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Warn("Attempt failed, retrying",
			lg.Int("attempt", attempts),
			lg.Int("max_attempts", maxAttempts),
			lg.Duration("sleep", next),
			lg.Err(err))
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.backOff(), ctx), notify, timer)
	switch {
	case err == nil:
		return nil
	case permanent:
		return err
	case ctx.Err() != nil:
		return ctx.Err()
	}

	logger.Error("Giving up", lg.Int("attempts", attempts), lg.Err(last))
	return &ExhaustedError{Attempts: attempts, Last: last}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	var result T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}, opts...)
	return result, err
}
