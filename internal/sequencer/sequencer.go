// Package sequencer serializes turn processing per conversation key while
// letting distinct keys proceed in parallel.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrTimeout is returned by Acquire when the key stayed busy for the whole
// wait budget.
var ErrTimeout = errors.New("sequencer: timed out waiting for conversation lock")

const (
	defaultMaxHold = 30 * time.Second
	defaultIdleTTL = 10 * time.Minute
)

type ticketState int

const (
	ticketLive ticketState = iota
	ticketReleased
	ticketExpired
)

// Ticket grants exclusive access to one conversation key. It stops being
// valid when released or when its hold duration runs out.
type Ticket struct {
	ID        string
	Key       string
	IssuedAt  time.Time
	ExpiresAt time.Time

	seq   *Sequencer
	timer *time.Timer
	state ticketState // guarded by seq.mu
}

// Valid reports whether the ticket still grants access to its key.
func (t *Ticket) Valid() bool {
	if t == nil || t.seq == nil {
		return false
	}
	t.seq.mu.Lock()
	defer t.seq.mu.Unlock()
	return t.state == ticketLive && t.seq.now().Before(t.ExpiresAt)
}

type waiter struct {
	ready chan *Ticket
}

type keyLock struct {
	holder    *Ticket
	waiters   []*waiter
	idleSince time.Time
}

// Config bounds how long a ticket may be held and how long an unused key's
// lock record is kept.
type Config struct {
	MaxHold time.Duration
	IdleTTL time.Duration
}

// Stats counts ticket lifecycle events. At steady state
// Acquired == Released + Expired.
type Stats struct {
	Acquired uint64
	Released uint64
	Expired  uint64
	Live     int
	Keys     int
}

// Sequencer hands out at most one live Ticket per key. Waiters for the same
// key are served in arrival order.
type Sequencer struct {
	maxHold time.Duration
	idleTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu       sync.Mutex
	locks    map[string]*keyLock
	acquired uint64
	released uint64
	expired  uint64
}

// New creates a Sequencer. Zero config values fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Sequencer {
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = defaultMaxHold
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		maxHold: cfg.MaxHold,
		idleTTL: cfg.IdleTTL,
		now:     time.Now,
		logger:  logger,
		locks:   make(map[string]*keyLock),
	}
}

// Acquire blocks until key is free, maxWait elapses (ErrTimeout) or ctx is
// done. A non-positive maxWait only succeeds when the key is free right now.
func (s *Sequencer) Acquire(ctx context.Context, key string, maxWait time.Duration) (*Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	kl := s.lockFor(key)
	if kl.holder == nil && len(kl.waiters) == 0 {
		t := s.grant(kl, key)
		s.mu.Unlock()
		return t, nil
	}
	if maxWait <= 0 {
		s.mu.Unlock()
		return nil, ErrTimeout
	}
	w := &waiter{ready: make(chan *Ticket, 1)}
	kl.waiters = append(kl.waiters, w)
	s.mu.Unlock()

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case t := <-w.ready:
		return t, nil
	case <-timer.C:
		return nil, s.abandon(key, w, ErrTimeout)
	case <-ctx.Done():
		return nil, s.abandon(key, w, ctx.Err())
	}
}

// Release gives the key to the next waiter. Releasing a ticket twice, or
// after it expired, does nothing.
func (s *Sequencer) Release(t *Ticket) {
	if t == nil || t.seq != s {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(t)
}

// Held reports whether a live ticket exists for key.
func (s *Sequencer) Held(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.locks[key]
	return ok && kl.holder != nil
}

// Stats returns a snapshot of the ticket counters.
func (s *Sequencer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Acquired: s.acquired,
		Released: s.released,
		Expired:  s.expired,
		Keys:     len(s.locks),
	}
	for _, kl := range s.locks {
		if kl.holder != nil {
			st.Live++
		}
	}
	return st
}

// Sweep drops lock records that have had no holder and no waiters for
// longer than the idle TTL and returns how many were removed.
func (s *Sequencer) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, kl := range s.locks {
		if kl.holder != nil || len(kl.waiters) > 0 {
			continue
		}
		if now.Sub(kl.idleSince) >= s.idleTTL {
			delete(s.locks, key)
			removed++
		}
	}
	return removed
}

// Run sweeps idle lock records every interval until ctx is done.
func (s *Sequencer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.idleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("swept idle conversation locks", "count", n)
			}
		}
	}
}

func (s *Sequencer) lockFor(key string) *keyLock {
	kl, ok := s.locks[key]
	if !ok {
		kl = &keyLock{idleSince: s.now()}
		s.locks[key] = kl
	}
	return kl
}

func (s *Sequencer) grant(kl *keyLock, key string) *Ticket {
	now := s.now()
	t := &Ticket{
		ID:        uuid.NewString(),
		Key:       key,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.maxHold),
		seq:       s,
	}
	kl.holder = t
	s.acquired++
	t.timer = time.AfterFunc(s.maxHold, func() { s.expire(t) })
	return t
}

func (s *Sequencer) releaseLocked(t *Ticket) {
	if t.state != ticketLive {
		return
	}
	t.state = ticketReleased
	t.timer.Stop()
	s.released++
	s.handoff(t.Key)
}

func (s *Sequencer) expire(t *Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.state != ticketLive {
		return
	}
	t.state = ticketExpired
	s.expired++
	s.logger.Warn("conversation lock ticket expired",
		"conversation_key", t.Key,
		"ticket_id", t.ID,
		"held_for", s.maxHold.String(),
	)
	s.handoff(t.Key)
}

// handoff passes the key to the oldest waiter or marks it idle.
func (s *Sequencer) handoff(key string) {
	kl, ok := s.locks[key]
	if !ok {
		return
	}
	kl.holder = nil
	if len(kl.waiters) == 0 {
		kl.idleSince = s.now()
		return
	}
	w := kl.waiters[0]
	kl.waiters[0] = nil
	kl.waiters = kl.waiters[1:]
	w.ready <- s.grant(kl, key)
}

// abandon removes a waiter that gave up. If the key was handed to it in the
// meantime the ticket is released so the next waiter is not stranded.
func (s *Sequencer) abandon(key string, w *waiter, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case t := <-w.ready:
		s.releaseLocked(t)
		return cause
	default:
	}
	if kl, ok := s.locks[key]; ok {
		for i, other := range kl.waiters {
			if other == w {
				kl.waiters = append(kl.waiters[:i], kl.waiters[i+1:]...)
				break
			}
		}
	}
	return cause
}
