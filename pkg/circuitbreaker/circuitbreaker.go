package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function while the
// breaker is open or its half-open probes are used up.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	FailureThreshold int           // consecutive failures that open the breaker
	SuccessThreshold int           // half-open successes that close it again
	OpenTimeout      time.Duration // how long to stay open before probing
	HalfOpenProbes   int           // concurrent calls allowed while half-open

	// IsFailure decides which errors count against the dependency. Nil
	// counts every non-nil error.
	IsFailure func(error) bool

	OnStateChange func(from, to State)
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		HalfOpenProbes:   1,
	}
}

type Breaker struct {
	cfg Config
	now func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	openedAt    time.Time
	lastFailure time.Time
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 1
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// Do runs fn unless the breaker rejects the call. fn's error is returned
// unchanged.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenProbes {
			return ErrOpen
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if b.cfg.IsFailure == nil {
		return true
	}
	return b.cfg.IsFailure(err)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	halfOpen := b.state == StateHalfOpen
	if halfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if b.isFailure(err) {
		b.lastFailure = b.now()
		b.successes = 0
		b.failures++
		if halfOpen || b.failures >= b.cfg.FailureThreshold {
			b.transition(StateOpen)
		}
		return
	}

	b.failures = 0
	if halfOpen {
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

type Stats struct {
	State       State
	Failures    int
	Successes   int
	LastFailure time.Time
	OpenedAt    time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
}
