package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
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

// BreakerConfig tunes when a breaker trips and how long it stays open.
type BreakerConfig struct {
	// FailureRate in (0,1]; the breaker opens when failed/total reaches it.
	FailureRate float64
	// MinRequests is the number of samples needed inside Window before the
	// rate is evaluated.
	MinRequests int
	Window      time.Duration
	Cooldown    time.Duration
}

const (
	defaultFailureRate = 0.5
	defaultMinRequests = 5
	defaultWindow      = 30 * time.Second
	defaultCooldown    = 10 * time.Second
)

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureRate <= 0 || c.FailureRate > 1 {
		c.FailureRate = defaultFailureRate
	}
	if c.MinRequests <= 0 {
		c.MinRequests = defaultMinRequests
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	return c
}

type outcome struct {
	at     time.Time
	failed bool
}

// Breaker is a rolling-window circuit breaker shared by every call to one
// collaborator.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	state    State
	openedAt time.Time
	trial    bool // a half-open trial call is in flight
	outcomes []outcome
	onChange func(from, to State)
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// State returns the current state, moving open to half-open when the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Allow reports whether a call may proceed. In half-open state exactly one
// trial call is admitted until its outcome is recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	default:
		return false
	}
}

// Success records a healthy call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.toClosed()
	case StateClosed:
		b.record(now, false)
	}
}

// Failure records a call that failed for a collaborator-health reason.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	switch b.state {
	case StateHalfOpen:
		b.toOpen(now)
	case StateClosed:
		b.record(now, true)
		if b.tripped() {
			b.toOpen(now)
		}
	}
}

// Abandon releases a half-open trial slot whose call ended without telling
// anything about collaborator health (a terminal error or caller cancellation).
func (b *Breaker) Abandon() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trial = false
	}
}

func (b *Breaker) advance(now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transition(StateHalfOpen)
		b.trial = false
	}
}

func (b *Breaker) toOpen(now time.Time) {
	b.transition(StateOpen)
	b.openedAt = now
	b.trial = false
	b.outcomes = b.outcomes[:0]
}

func (b *Breaker) toClosed() {
	b.transition(StateClosed)
	b.trial = false
	b.outcomes = b.outcomes[:0]
}

func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *Breaker) record(now time.Time, failed bool) {
	cutoff := now.Add(-b.cfg.Window)
	keep := b.outcomes[:0]
	for _, o := range b.outcomes {
		if o.at.After(cutoff) {
			keep = append(keep, o)
		}
	}
	b.outcomes = append(keep, outcome{at: now, failed: failed})
}

func (b *Breaker) tripped() bool {
	if len(b.outcomes) < b.cfg.MinRequests {
		return false
	}
	failed := 0
	for _, o := range b.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed)/float64(len(b.outcomes)) >= b.cfg.FailureRate
}
