package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/integrations/httpjson"
	"dialogue-core/internal/integrations/paramstore"
	"dialogue-core/internal/resilience"
)

const serviceName = "auth"

// ErrInvalidToken is returned when the session token is unknown, expired or
// otherwise refused by the authentication service.
var ErrInvalidToken = errors.New("auth: invalid or expired session token")

// ErrServiceKey is returned when this service cannot present a usable
// service key. It is never attributed to the caller's token.
var ErrServiceKey = errors.New("auth: service key unavailable")

// invalidator is implemented by secret stores that cache values.
type invalidator interface {
	Invalidate(name string)
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Client validates session tokens against the authentication service.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	secrets     paramstore.FieldGetter
	paramPrefix string
	now         func() time.Time
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client for the service at baseURL. The service key
// sent as X-Service-Key is read from <paramPrefix>/auth-service-key.
func NewClient(baseURL string, secrets paramstore.FieldGetter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("auth: base URL must not be empty")
	}
	if secrets == nil {
		return nil, errors.New("auth: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("auth: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		secrets:     secrets,
		paramPrefix: paramPrefix,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) keyParameterName() string {
	return c.paramPrefix + "/auth-service-key"
}

// Validate resolves token to the caller identity. Refused or expired tokens
// yield ErrInvalidToken marked as an invalid-credentials failure, so the
// resilience layer does not retry them.
//
// The service answers 401 when it refuses the token and 403 when it refuses
// the X-Service-Key. A 403 drops the cached key and is retried with a fresh
// one; a key that cannot be read at all is a misconfiguration.
func (c *Client) Validate(ctx context.Context, token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, invalid(errors.New("empty token"))
	}

	key, err := c.secrets.GetField(ctx, c.keyParameterName(), "token")
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrServiceKey, err)
		if resilience.Classify(err).Retryable() {
			return domain.Identity{}, err
		}
		return domain.Identity{}, resilience.Terminal(resilience.ClassMisconfiguration, err)
	}

	var out validateResponse
	err = httpjson.Post(ctx, c.httpClient, httpjson.Request{
		Service: serviceName,
		URL:     httpjson.JoinURL(c.baseURL, c.baseURL, "/sessions/validate"),
		Headers: map[string]string{"X-Service-Key": key},
		Body:    validateRequest{Token: token},
	}, &out)
	if err != nil {
		var se *httpjson.StatusError
		if errors.As(err, &se) {
			switch se.StatusCode {
			case http.StatusUnauthorized:
				return domain.Identity{}, invalid(err)
			case http.StatusForbidden:
				if inv, ok := c.secrets.(invalidator); ok {
					inv.Invalidate(c.keyParameterName())
				}
				return domain.Identity{}, resilience.Transient(fmt.Errorf("%w: rejected by auth service: %w", ErrServiceKey, err))
			}
		}
		return domain.Identity{}, err
	}

	if strings.TrimSpace(out.UserID) == "" {
		return domain.Identity{}, invalid(errors.New("no user id in response"))
	}
	if !out.ExpiresAt.IsZero() && !out.ExpiresAt.After(c.now()) {
		return domain.Identity{}, invalid(fmt.Errorf("session expired at %s", out.ExpiresAt.Format(time.RFC3339)))
	}
	return domain.Identity{UserID: out.UserID, ExpiresAt: out.ExpiresAt}, nil
}

func invalid(cause error) error {
	return resilience.Terminal(resilience.ClassInvalidCredentials, fmt.Errorf("%w: %w", ErrInvalidToken, cause))
}
