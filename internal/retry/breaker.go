package retry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned without any attempt while the breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerSettings configures NewBreaker. A zero Threshold disables it.
type BreakerSettings struct {
	Name      string
	Threshold uint32
	OpenFor   time.Duration
}

// NewBreaker returns a circuit breaker that trips after Threshold
// consecutive operations ran out of attempts. A breaker guards whole
// operations, so an operation always gets its full attempt budget.
// Other errors count as successes: the instance answered even if the
// command failed.
func NewBreaker(s BreakerSettings) *gobreaker.CircuitBreaker {
	if s.Threshold == 0 {
		return nil
	}
	openFor := s.OpenFor
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.Threshold
		},
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, ErrRetriesExhausted)
		},
	})
}

// Breakers hands out one breaker per name, so that state survives the
// sessions that use it.
type Breakers struct {
	settings BreakerSettings

	mu     sync.Mutex
	byName map[string]*gobreaker.CircuitBreaker
}

func NewBreakers(s BreakerSettings) *Breakers {
	return &Breakers{settings: s, byName: make(map[string]*gobreaker.CircuitBreaker)}
}

// Settings returns the settings every breaker of b is built with.
func (b *Breakers) Settings() BreakerSettings { return b.settings }

// Get returns the breaker for name, creating it on first use. It returns
// nil when breakers are disabled.
func (b *Breakers) Get(name string) *gobreaker.CircuitBreaker {
	if b == nil || b.settings.Threshold == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byName[name]
	if !ok {
		s := b.settings
		s.Name = name
		cb = NewBreaker(s)
		b.byName[name] = cb
	}
	return cb
}

func (p Policy) guard(run func() error) error {
	if p.Breaker == nil {
		return run()
	}
	_, err := p.Breaker.Execute(func() (any, error) {
		return nil, run()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", ErrCircuitOpen, p.Breaker.Name(), err)
	}
	return err
}
