package sequencer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"
)

func newTestSequencer(maxHold time.Duration) *Sequencer {
	return New(Config{MaxHold: maxHold, IdleTTL: time.Minute}, nil)
}

func waitersFor(s *Sequencer, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kl, ok := s.locks[key]
	if !ok {
		return 0
	}
	return len(kl.waiters)
}

func TestAcquireRelease(t *testing.T) {
	s := newTestSequencer(time.Minute)
	ticket, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	require.Equal(t, "k", ticket.Key)
	require.NotEmpty(t, ticket.ID)
	require.True(t, ticket.Valid())
	require.True(t, s.Held("k"))

	s.Release(ticket)
	require.False(t, ticket.Valid())
	require.False(t, s.Held("k"))

	st := s.Stats()
	require.Equal(t, uint64(1), st.Acquired)
	require.Equal(t, uint64(1), st.Released)
	require.Zero(t, st.Live)
}

func TestRelease_Idempotent(t *testing.T) {
	s := newTestSequencer(time.Minute)
	ticket, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	s.Release(ticket)
	s.Release(ticket)
	s.Release(nil)
	require.Equal(t, uint64(1), s.Stats().Released)

	other, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	s.Release(ticket)
	require.True(t, other.Valid(), "stale release must not free the new holder")
}

func TestAcquire_WaitsForHolder(t *testing.T) {
	s := newTestSequencer(time.Minute)
	first, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	got := make(chan *Ticket, 1)
	go func() {
		ticket, err := s.Acquire(context.Background(), "k", 5*time.Second)
		if err == nil {
			got <- ticket
		}
	}()
	require.Eventually(t, func() bool { return waitersFor(s, "k") == 1 }, time.Second, time.Millisecond)

	select {
	case <-got:
		t.Fatal("second acquire must block while the key is held")
	default:
	}

	s.Release(first)
	select {
	case second := <-got:
		require.True(t, second.Valid())
		require.NotEqual(t, first.ID, second.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter was not granted after release")
	}
}

func TestAcquire_Timeout(t *testing.T) {
	s := newTestSequencer(time.Minute)
	holder, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	_, err = s.Acquire(context.Background(), "k", 10*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, waitersFor(s, "k"))

	_, err = s.Acquire(context.Background(), "k", 0)
	require.ErrorIs(t, err, ErrTimeout)

	s.Release(holder)
	_, err = s.Acquire(context.Background(), "k", 0)
	require.NoError(t, err)
}

func TestAcquire_ContextCancelled(t *testing.T) {
	s := newTestSequencer(time.Minute)
	_, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := s.Acquire(ctx, "k", time.Minute)
		errs <- err
	}()
	require.Eventually(t, func() bool { return waitersFor(s, "k") == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	require.Zero(t, waitersFor(s, "k"))
}

func TestAcquire_FIFO(t *testing.T) {
	s := newTestSequencer(time.Minute)
	holder, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	const n = 5
	var (
		mu    sync.Mutex
		order []int
		wg    conc.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Go(func() {
			ticket, err := s.Acquire(context.Background(), "k", 5*time.Second)
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			s.Release(ticket)
		})
		require.Eventually(t, func() bool { return waitersFor(s, "k") == i+1 }, time.Second, time.Millisecond)
	}

	s.Release(holder)
	wg.Wait()
	require.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTicket_ExpiresAfterMaxHold(t *testing.T) {
	s := newTestSequencer(20 * time.Millisecond)
	stuck, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	next, err := s.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err, "expiry hands the key to the waiter")
	require.False(t, stuck.Valid())
	require.True(t, next.Valid())

	s.Release(stuck)
	require.True(t, next.Valid(), "releasing an expired ticket is a no-op")
	s.Release(next)

	st := s.Stats()
	require.Equal(t, uint64(2), st.Acquired)
	require.Equal(t, uint64(1), st.Expired)
	require.Equal(t, uint64(1), st.Released)
}

func TestDistinctKeysDoNotBlock(t *testing.T) {
	s := newTestSequencer(time.Minute)
	a, err := s.Acquire(context.Background(), "a", time.Second)
	require.NoError(t, err)
	b, err := s.Acquire(context.Background(), "b", 0)
	require.NoError(t, err)
	require.True(t, a.Valid())
	require.True(t, b.Valid())
}

func TestSweep_RemovesIdleKeys(t *testing.T) {
	s := newTestSequencer(time.Minute)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	idle, err := s.Acquire(context.Background(), "idle", time.Second)
	require.NoError(t, err)
	s.Release(idle)
	_, err = s.Acquire(context.Background(), "held", time.Second)
	require.NoError(t, err)

	require.Zero(t, s.Sweep(base.Add(30*time.Second)))
	require.Equal(t, 1, s.Sweep(base.Add(time.Minute)))
	require.Equal(t, 1, s.Stats().Keys)
	require.True(t, s.Held("held"))
}

func TestConcurrentAcquireRelease_CountsBalance(t *testing.T) {
	s := newTestSequencer(time.Minute)
	var (
		wg     conc.WaitGroup
		mu     sync.Mutex
		inside = map[string]int{}
	)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("k%d", i%5)
		wg.Go(func() {
			ticket, err := s.Acquire(context.Background(), key, 5*time.Second)
			if err != nil {
				return
			}
			defer s.Release(ticket)

			mu.Lock()
			inside[key]++
			concurrent := inside[key]
			mu.Unlock()
			if concurrent > 1 {
				panic("two holders for " + key)
			}
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside[key]--
			mu.Unlock()
		})
	}
	wg.Wait()

	st := s.Stats()
	require.Equal(t, uint64(50), st.Acquired)
	require.Equal(t, st.Acquired, st.Released+st.Expired)
	require.Zero(t, st.Live)
}
