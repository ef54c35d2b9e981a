// Package resilience wraps calls to downstream collaborators with a timeout,
// bounded retry with jittered exponential backoff and a circuit breaker.
package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
)

// Policy is the per-collaborator retry policy.
type Policy struct {
	// Timeout bounds each attempt; zero leaves only the caller's deadline.
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Jitter in [0,1] scales every delay by a factor drawn from
	// [1-Jitter, 1+Jitter].
	Jitter float64
}

const (
	defaultMaxAttempts = 3
	defaultBackoffBase = 100 * time.Millisecond
	defaultBackoffCap  = 2 * time.Second
)

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = defaultBackoffBase
	}
	if p.BackoffCap < p.BackoffBase {
		p.BackoffCap = max(defaultBackoffCap, p.BackoffBase)
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// Backoff returns the delay before retry number attempt (1-based), without
// jitter applied.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.BackoffCap || d <= 0 {
			return p.BackoffCap
		}
	}
	return min(d, p.BackoffCap)
}

// Client applies one Policy and one Breaker to every call made to a single
// collaborator. It is safe for concurrent use.
type Client struct {
	name    string
	policy  Policy
	breaker *Breaker
	logger  *slog.Logger

	classify func(error) Class
	jitter   func() float64
	sleep    func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

// WithLogger sets the logger used for retry and breaker transitions.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClassifier replaces Classify for this client.
func WithClassifier(fn func(error) Class) Option {
	return func(c *Client) {
		if fn != nil {
			c.classify = fn
		}
	}
}

// WithClock sets the time source used by the breaker.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.breaker.now = now
		}
	}
}

// NewClient creates a Client for the named collaborator.
func NewClient(name string, policy Policy, breaker BreakerConfig, opts ...Option) *Client {
	c := &Client{
		name:     strings.TrimSpace(name),
		policy:   policy.withDefaults(),
		breaker:  NewBreaker(breaker),
		logger:   slog.Default(),
		classify: Classify,
		jitter:   rand.Float64,
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker.onChange = func(from, to State) {
		c.logger.Warn("circuit breaker transition",
			"collaborator", c.name,
			"from", from.String(),
			"to", to.String(),
		)
	}
	return c
}

// Name returns the collaborator name.
func (c *Client) Name() string { return c.name }

// Policy returns the effective retry policy.
func (c *Client) Policy() Policy { return c.policy }

// Breaker exposes the collaborator's breaker.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Delay returns the jittered delay before retry number attempt.
func (c *Client) Delay(attempt int) time.Duration {
	d := c.policy.Backoff(attempt)
	if c.policy.Jitter == 0 {
		return d
	}
	factor := 1 - c.policy.Jitter + 2*c.policy.Jitter*c.jitter()
	return time.Duration(float64(d) * factor)
}

// Do runs op under the client's policy. Terminal failures are returned at
// once, retryable ones are retried until MaxAttempts and then reported as an
// *UnavailableError. When the breaker is open Do fails fast without calling
// op. Cancellation of ctx stops the loop and returns ctx.Err().
func Do[T any](ctx context.Context, c *Client, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			if c.breaker.State() == StateOpen {
				return zero, &UnavailableError{Collaborator: c.name, Attempts: attempt - 1, Err: lastErr}
			}
			if err := c.sleep(ctx, c.Delay(attempt-1)); err != nil {
				return zero, err
			}
		}
		if !c.breaker.Allow() {
			return zero, &UnavailableError{Collaborator: c.name, Attempts: attempt - 1, Err: lastErr}
		}

		out, err := attemptOnce(ctx, c.policy.Timeout, op)
		if err == nil {
			c.breaker.Success()
			return out, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.breaker.Abandon()
			return zero, ctxErr
		}

		class := c.classify(err)
		if !class.Retryable() {
			c.breaker.Abandon()
			return zero, Terminal(class, err)
		}
		c.breaker.Failure()
		lastErr = err

		c.logger.Warn("collaborator call failed",
			"collaborator", c.name,
			"attempt", attempt,
			"max_attempts", c.policy.MaxAttempts,
			"class", class.String(),
			"err", err,
		)
	}
	return zero, &UnavailableError{Collaborator: c.name, Attempts: c.policy.MaxAttempts, Err: lastErr}
}

func attemptOnce[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
