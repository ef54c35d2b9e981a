// Package state keeps the authoritative in-memory view of active
// conversations and pushes every appended turn to durable storage.
package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"golang.org/x/sync/singleflight"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/resilience"
	"dialogue-core/internal/sequencer"
)

var (
	ErrStoreUnavailable = errors.New("state: conversation store unavailable")
	ErrTicketInvalid    = errors.New("state: lock ticket is released or expired")
	ErrNotLoaded        = errors.New("state: conversation not loaded")
	ErrArchived         = errors.New("state: conversation is archived")
	ErrInvalidTurn      = errors.New("state: turn role is invalid")
	// ErrDiverged is returned by Append when durable storage rejected one of
	// the conversation's turns. The next Load re-reads storage.
	ErrDiverged = fmt.Errorf("state: cached conversation diverged from storage: %w", domain.ErrConflict)
)

const (
	defaultIdleTTL            = 15 * time.Minute
	defaultRefreshAfter       = 5 * time.Minute
	defaultBackgroundAttempts = 10
)

// Persistence is the durable conversation store behind the cache.
type Persistence interface {
	Load(ctx context.Context, key string) (domain.Conversation, error)
	AppendDurable(ctx context.Context, key string, turn domain.Turn, expectedSeq int64) error
}

// LockChecker reports whether a conversation key is currently held.
type LockChecker interface {
	Held(key string) bool
}

// Config tunes caching and background durability.
type Config struct {
	// IdleTTL is how long an untouched conversation stays resident.
	IdleTTL time.Duration
	// RefreshAfter is how long a cached copy is served before it is
	// re-read from persistence. Copies with unconfirmed writes are never
	// re-read.
	RefreshAfter time.Duration
	// BackgroundAttempts bounds retries of a failed durable write after the
	// first round has been reported to the caller.
	BackgroundAttempts int
	// BackgroundBackoff spaces the background retries.
	BackgroundBackoff resilience.Policy
	// ReadThrough makes every Load of a conversation without unconfirmed
	// writes re-read persistence. Set it when other processes append to the
	// same conversations.
	ReadThrough bool
}

type entry struct {
	conv       domain.Conversation
	durableSeq int64
	confirmed  map[int64]struct{}
	syncedAt   time.Time
	lastAccess time.Time
	stale      bool
	diverged   bool
	tail       *DurableWrite
}

func (e *entry) pending() bool {
	return e.durableSeq < e.conv.Seq
}

// Store is safe for concurrent use. Appends require a live sequencer ticket
// for the conversation key.
type Store struct {
	backend Persistence
	locks   LockChecker
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	loads   singleflight.Group

	writes    conc.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

// New creates a Store over backend. locks may be nil, in which case
// conversations are never reported as locked.
func New(backend Persistence, locks LockChecker, cfg Config, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("state: persistence backend must not be nil")
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = defaultRefreshAfter
	}
	if cfg.BackgroundAttempts <= 0 {
		cfg.BackgroundAttempts = defaultBackgroundAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		backend: backend,
		locks:   locks,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*entry),
		closing: make(chan struct{}),
	}, nil
}

// Load returns the conversation for key. A resident copy is returned as is
// while fresh; otherwise persistence is consulted. If persistence fails and a
// resident copy exists, that copy is returned with Stale set.
func (s *Store) Load(ctx context.Context, key string) (domain.Conversation, error) {
	s.mu.Lock()
	if e, ok := s.entries[key]; ok && s.fresh(e) {
		e.lastAccess = s.now()
		snap := s.snapshot(key, e)
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	fetched, err := s.fetch(ctx, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	e, ok := s.entries[key]
	if err != nil {
		if ok && !e.diverged {
			e.stale = true
			e.lastAccess = now
			s.logger.Warn("serving stale conversation",
				"conversation_key", key,
				"seq", e.conv.Seq,
				"err", err,
			)
			return s.snapshot(key, e), nil
		}
		return domain.Conversation{}, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	switch {
	case !ok:
		e = &entry{conv: fetched, durableSeq: fetched.Seq}
		s.entries[key] = e
	case e.diverged:
		// Storage is authoritative; turns it rejected are dropped.
		s.logger.Warn("reloaded diverged conversation from storage",
			"conversation_key", key,
			"cached_seq", e.conv.Seq,
			"stored_seq", fetched.Seq,
		)
		*e = entry{conv: fetched, durableSeq: fetched.Seq}
	case fetched.Seq >= e.conv.Seq:
		e.conv = fetched
		e.durableSeq = max(e.durableSeq, fetched.Seq)
		for seq := range e.confirmed {
			if seq <= e.durableSeq {
				delete(e.confirmed, seq)
			}
		}
	}
	e.stale = false
	e.syncedAt = now
	e.lastAccess = now
	return s.snapshot(key, e), nil
}

// Append assigns the next sequence number to turn, records it in memory and
// starts its durable write. The returned conversation already contains the
// turn; the DurableWrite reports when storage has it.
func (s *Store) Append(ctx context.Context, ticket *sequencer.Ticket, turn domain.Turn) (domain.Conversation, *DurableWrite, error) {
	if !ticket.Valid() {
		return domain.Conversation{}, nil, ErrTicketInvalid
	}
	if !turn.Role.Valid() {
		return domain.Conversation{}, nil, ErrInvalidTurn
	}
	key := ticket.Key

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return domain.Conversation{}, nil, ErrNotLoaded
	}
	if e.diverged {
		s.mu.Unlock()
		return domain.Conversation{}, nil, ErrDiverged
	}
	if e.conv.Status == domain.StatusArchived {
		s.mu.Unlock()
		return domain.Conversation{}, nil, ErrArchived
	}
	now := s.now()
	turn.Seq = e.conv.Seq + 1
	turn.CreatedAt = now
	e.conv.Turns = append(e.conv.Turns, turn)
	e.conv.Seq = turn.Seq
	e.conv.LastActivity = now
	e.lastAccess = now

	w := newDurableWrite(key, turn, e.tail)
	e.tail = w
	snap := s.snapshot(key, e)
	s.mu.Unlock()

	s.startWrite(context.WithoutCancel(ctx), w)
	return snap, w, nil
}

// ConfirmDurable records that the turn with seq is in durable storage and
// advances the contiguous low-water mark. It reports whether seq is now at
// or below the mark.
func (s *Store) ConfirmDurable(key string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	if seq <= e.durableSeq {
		return true
	}
	if e.confirmed == nil {
		e.confirmed = make(map[int64]struct{})
	}
	e.confirmed[seq] = struct{}{}
	for {
		next := e.durableSeq + 1
		if _, ok := e.confirmed[next]; !ok {
			break
		}
		delete(e.confirmed, next)
		e.durableSeq = next
	}
	return seq <= e.durableSeq
}

// DurableThrough returns the highest sequence number below which every turn
// of key is confirmed durable.
func (s *Store) DurableThrough(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.durableSeq
	}
	return 0
}

// Sweep evicts conversations idle for longer than the idle TTL. Entries with
// unconfirmed writes or a held lock stay resident. Durable storage is not
// touched.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if now.Sub(e.lastAccess) < s.cfg.IdleTTL || (e.pending() && !e.diverged) {
			continue
		}
		if s.locks != nil && s.locks.Held(key) {
			continue
		}
		delete(s.entries, key)
		removed++
	}
	return removed
}

// Run evicts idle conversations every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.cfg.IdleTTL / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				s.logger.Debug("evicted idle conversations", "count", n)
			}
		}
	}
}

// Resident reports how many conversations are held in memory.
func (s *Store) Resident() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops background retries and waits for in-flight writes until ctx
// is done.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	done := make(chan struct{})
	go func() {
		s.writes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) fresh(e *entry) bool {
	if e.stale || e.diverged {
		return false
	}
	if e.pending() {
		return true
	}
	return !s.cfg.ReadThrough && s.now().Sub(e.syncedAt) < s.cfg.RefreshAfter
}

// diverge marks key's resident copy as out of step with storage.
func (s *Store) diverge(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		e.diverged = true
	}
}

// MarkArchived records in the resident copy that the conversation was
// archived in storage. It needs the conversation's live ticket.
func (s *Store) MarkArchived(ticket *sequencer.Ticket) error {
	if !ticket.Valid() {
		return ErrTicketInvalid
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[ticket.Key]; ok {
		e.conv.Status = domain.StatusArchived
	}
	return nil
}

func (s *Store) fetch(ctx context.Context, key string) (domain.Conversation, error) {
	v, err, _ := s.loads.Do(key, func() (any, error) {
		conv, err := s.backend.Load(ctx, key)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.NewConversation(key), nil
		}
		if err != nil {
			return nil, err
		}
		if err := checkContiguous(conv); err != nil {
			s.logger.Error("persisted conversation failed integrity check", "conversation_key", key, "err", err)
			return nil, err
		}
		conv.Key = key
		if conv.Status == "" {
			conv.Status = domain.StatusActive
		}
		return conv, nil
	})
	if err != nil {
		return domain.Conversation{}, err
	}
	return v.(domain.Conversation).Clone(), nil
}

func checkContiguous(conv domain.Conversation) error {
	for i, t := range conv.Turns {
		if t.Seq != int64(i+1) {
			return fmt.Errorf("state: turn %d has sequence number %d: %w", i+1, t.Seq, domain.ErrCorrupt)
		}
	}
	if conv.Seq != int64(len(conv.Turns)) {
		return fmt.Errorf("state: sequence number %d does not match %d turns: %w", conv.Seq, len(conv.Turns), domain.ErrCorrupt)
	}
	return nil
}

func (s *Store) snapshot(key string, e *entry) domain.Conversation {
	snap := e.conv.Clone()
	snap.DurableSeq = e.durableSeq
	snap.Stale = e.stale
	if snap.Status != domain.StatusArchived && s.locks != nil && s.locks.Held(key) {
		snap.Status = domain.StatusLocked
	}
	return snap
}
