package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a fetched parameter is served from memory.
const DefaultTTL = 5 * time.Minute

// DefaultFetchTimeout bounds one SSM call. The call is shared by every
// concurrent reader of the parameter, so it is not tied to any of them.
const DefaultFetchTimeout = 10 * time.Second

// ssmAPI is the minimal AWS SSM interface required by Client.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// FieldGetter reads one string field of a JSON-encoded parameter, e.g. the
// "token" field of {"token":"..."}. Collaborator clients depend on it so
// they stay testable without AWS.
type FieldGetter interface {
	GetField(ctx context.Context, name, field string) (string, error)
}

type cached struct {
	value     string
	fetchedAt time.Time
}

// Client reads decrypted SSM parameters and caches them for a TTL. Failed
// lookups are not cached.
type Client struct {
	api          ssmAPI
	ttl          time.Duration
	fetchTimeout time.Duration
	now          func() time.Time

	mu     sync.Mutex
	values map[string]cached
	group  singleflight.Group
}

type Option func(*Client)

// WithTTL overrides DefaultTTL. A non-positive ttl disables caching.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithFetchTimeout overrides DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

// New creates a Client with the given SSM API implementation.
func New(api ssmAPI, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	c := &Client{
		api:          api,
		ttl:          DefaultTTL,
		fetchTimeout: DefaultFetchTimeout,
		now:          time.Now,
		values:       make(map[string]cached),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetParameter returns the decrypted value of name.
func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}

	if v, ok := c.lookup(name); ok {
		return v, nil
	}

	ch := c.group.DoChan(name, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()
		out, err := c.api.GetParameter(fetchCtx, &ssm.GetParameterInput{
			Name:           aws.String(name),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
		}
		if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
			return "", errors.New("paramstore: parameter missing value")
		}
		value := *out.Parameter.Value
		c.store(name, value)
		return value, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, ctx.Err())
	}
}

// GetField returns field from the JSON object stored under name.
func (c *Client) GetField(ctx context.Context, name, field string) (string, error) {
	raw, err := c.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %q as JSON: %w", name, err)
	}
	v, ok := obj[field].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", fmt.Errorf("paramstore: field %q of %q is empty", field, name)
	}
	return v, nil
}

// Invalidate drops a cached value so the next read goes to SSM. Clients call
// it after the downstream service rejects a credential.
func (c *Client) Invalidate(name string) {
	c.mu.Lock()
	delete(c.values, strings.TrimSpace(name))
	c.mu.Unlock()
}

func (c *Client) lookup(name string) (string, bool) {
	if c.ttl <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[name]
	if !ok || c.now().Sub(v.fetchedAt) >= c.ttl {
		return "", false
	}
	return v.value, true
}

func (c *Client) store(name, value string) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	c.values[name] = cached{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
}
