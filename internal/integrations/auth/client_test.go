package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"

	"dialogue-core/internal/resilience"
)

type fakeSecrets struct {
	val         string
	err         error
	invalidated []string
}

func (f *fakeSecrets) GetField(_ context.Context, _, _ string) (string, error) {
	return f.val, f.err
}

func (f *fakeSecrets) Invalidate(name string) {
	f.invalidated = append(f.invalidated, name)
}

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(srv.URL, &fakeSecrets{val: "svc-key"}, "/dialogue", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	c.now = func() time.Time { return now }
	return c
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient("", &fakeSecrets{}, "/p")
	require.ErrorContains(t, err, "base URL")
	_, err = NewClient("http://x", nil, "/p")
	require.ErrorContains(t, err, "nil")
	_, err = NewClient("http://x", &fakeSecrets{}, "")
	require.ErrorContains(t, err, "prefix")
}

func TestValidate_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/sessions/validate", r.URL.Path)
		require.Equal(t, "svc-key", r.Header.Get("X-Service-Key"))
		var req validateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tok-1", req.Token)
		_, _ = w.Write([]byte(`{"user_id":"u-42","expires_at":"2026-05-01T11:00:00Z"}`))
	}))
	defer srv.Close()

	id, err := newTestClient(t, srv).Validate(context.Background(), " tok-1 ")
	require.NoError(t, err)
	require.Equal(t, "u-42", id.UserID)
	require.Equal(t, now.Add(time.Hour), id.ExpiresAt)
}

func TestValidate_RefusedTokens(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "401", status: http.StatusUnauthorized, body: `{}`},
		{name: "expired", status: http.StatusOK, body: `{"user_id":"u","expires_at":"2026-05-01T09:00:00Z"}`},
		{name: "no user", status: http.StatusOK, body: `{"user_id":""}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv).Validate(context.Background(), "tok")
			require.ErrorIs(t, err, ErrInvalidToken)
			require.Equal(t, resilience.ClassInvalidCredentials, resilience.Classify(err))
		})
	}
}

func TestValidate_EmptyTokenSkipsCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Validate(context.Background(), "  ")
	require.ErrorIs(t, err, ErrInvalidToken)
	require.False(t, called)
}

func TestValidate_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).Validate(context.Background(), "tok")
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestValidate_ServiceKeyError(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1", &fakeSecrets{err: errors.New("ssm down")}, "/dialogue")
	require.NoError(t, err)
	_, err = c.Validate(context.Background(), "tok")
	require.ErrorContains(t, err, "ssm down")
	require.ErrorIs(t, err, ErrServiceKey)
	require.NotErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, resilience.ClassTransient, resilience.Classify(err))
}

func TestValidate_ServiceKeyAccessDenied(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized to perform ssm:GetParameter", Fault: smithy.FaultClient}
	c, err := NewClient("http://127.0.0.1:1", &fakeSecrets{err: denied}, "/dialogue")
	require.NoError(t, err)

	_, err = c.Validate(context.Background(), "tok")
	require.ErrorIs(t, err, ErrServiceKey)
	require.NotErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, resilience.ClassMisconfiguration, resilience.Classify(err))
}

func TestValidate_ServiceKeyRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()
	secrets := &fakeSecrets{val: "old-key"}
	c, err := NewClient(srv.URL, secrets, "/dialogue", WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	_, err = c.Validate(context.Background(), "tok")
	require.ErrorIs(t, err, ErrServiceKey)
	require.NotErrorIs(t, err, ErrInvalidToken)
	require.Equal(t, resilience.ClassTransient, resilience.Classify(err))
	require.Equal(t, []string{"/dialogue/auth-service-key"}, secrets.invalidated)
}
