package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/resilience"
)

var (
	// ErrPredecessorNotDurable is reported by a write whose predecessor in
	// the same conversation has not reached storage yet. The write is only
	// issued once the predecessor is confirmed.
	ErrPredecessorNotDurable = errors.New("state: earlier turn is not durable yet")
	ErrClosed                = errors.New("state: store closed")
)

// DurableWrite tracks the persistence of one appended turn.
type DurableWrite struct {
	Key  string
	Turn domain.Turn

	prev  *DurableWrite
	first chan struct{}
	err   error

	// final is closed once the write is confirmed or given up; durable is
	// set before it closes.
	final   chan struct{}
	durable bool
}

func newDurableWrite(key string, turn domain.Turn, prev *DurableWrite) *DurableWrite {
	return &DurableWrite{
		Key:   key,
		Turn:  turn,
		prev:  prev,
		first: make(chan struct{}),
		final: make(chan struct{}),
	}
}

// Wait blocks until the first write round finished and returns its error.
// A failed round may still be retried in the background. Cancelling ctx
// only stops the wait.
func (w *DurableWrite) Wait(ctx context.Context) error {
	select {
	case <-w.first:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the first write round finished.
func (w *DurableWrite) Done() <-chan struct{} {
	return w.first
}

// Settled is closed when the write was confirmed or abandoned.
func (w *DurableWrite) Settled() <-chan struct{} {
	return w.final
}

// Durable reports whether the turn reached storage. It is only meaningful
// after Settled is closed.
func (w *DurableWrite) Durable() bool {
	select {
	case <-w.final:
		return w.durable
	default:
		return false
	}
}

func (s *Store) startWrite(ctx context.Context, w *DurableWrite) {
	s.writes.Go(func() { s.runWrite(ctx, w) })
}

// runWrite issues the write once its predecessor is in storage, so durable
// storage never holds a turn without every earlier one. Transient failures
// keep being retried in the background; a turn whose predecessor is given up
// is given up too. Giving up or being rejected marks the resident copy as
// diverged.
func (s *Store) runWrite(ctx context.Context, w *DurableWrite) {
	reported := false
	report := func(err error) {
		if reported {
			return
		}
		reported = true
		w.err = err
		close(w.first)
	}
	defer func() {
		report(ErrClosed)
		close(w.final)
	}()

	log := s.logger.With("conversation_key", w.Key, "seq", w.Turn.Seq)

	if p := w.prev; p != nil {
		if !s.await(p.first) {
			return
		}
		if p.err != nil {
			report(fmt.Errorf("%w: %w", ErrPredecessorNotDurable, p.err))
			if !s.await(p.final) {
				log.Warn("store closing, durable write left unissued")
				return
			}
		}
		if !p.durable {
			log.Error("durable write abandoned, earlier turn never reached storage", "earlier_seq", p.Turn.Seq)
			s.diverge(w.Key)
			return
		}
	}

	err := s.backend.AppendDurable(ctx, w.Key, w.Turn, w.Turn.Seq)
	if err == nil {
		s.ConfirmDurable(w.Key, w.Turn.Seq)
		w.durable = true
		report(nil)
		return
	}
	if !retryableWrite(err) {
		if errors.Is(err, domain.ErrConflict) {
			s.diverge(w.Key)
		}
		report(err)
		log.Error("durable write rejected", "err", err)
		return
	}
	report(err)

	for attempt := 1; attempt <= s.cfg.BackgroundAttempts; attempt++ {
		delay := s.cfg.BackgroundBackoff.Backoff(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-s.closing:
			timer.Stop()
			log.Warn("store closing, durable write left unconfirmed", "err", err)
			return
		case <-timer.C:
		}

		err = s.backend.AppendDurable(ctx, w.Key, w.Turn, w.Turn.Seq)
		if err == nil {
			s.ConfirmDurable(w.Key, w.Turn.Seq)
			w.durable = true
			log.Info("durable write confirmed in background", "attempt", attempt)
			return
		}
		if !retryableWrite(err) {
			if errors.Is(err, domain.ErrConflict) {
				s.diverge(w.Key)
			}
			log.Error("durable write rejected", "attempt", attempt, "err", err)
			return
		}
	}
	// Storage is authoritative from here on; the next Load drops the turn.
	s.diverge(w.Key)
	log.Error("durable write abandoned after background retries",
		"attempts", s.cfg.BackgroundAttempts,
		"err", err,
	)
}

func (s *Store) await(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	case <-s.closing:
		return false
	}
}

func retryableWrite(err error) bool {
	if errors.Is(err, domain.ErrConflict) {
		return false
	}
	if errors.Is(err, resilience.ErrUnavailable) {
		return true
	}
	return resilience.Classify(err).Retryable()
}
