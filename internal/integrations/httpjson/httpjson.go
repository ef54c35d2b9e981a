// Package httpjson holds the JSON-over-HTTP plumbing shared by the
// collaborator clients.
package httpjson

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError captures non-2xx upstream responses with status-aware context.
// resilience.Classify reads the code through HTTPStatusCode.
type StatusError struct {
	Service    string
	StatusCode int
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Service, e.StatusCode, e.URL, e.Body)
}

func (e *StatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Request describes one JSON POST.
type Request struct {
	Service string
	URL     string
	Headers map[string]string
	Body    any
}

// Post marshals req.Body, sends it and decodes a 2xx response into out.
func Post(ctx context.Context, client *http.Client, req Request, out any) error {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", req.Service, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", req.Service, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	res, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", req.Service, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return &StatusError{
			Service:    req.Service,
			StatusCode: res.StatusCode,
			URL:        req.URL,
			Body:       strings.TrimSpace(string(buf)),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response body: %w", req.Service, err)
	}
	if err := json.Unmarshal(buf, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", req.Service, err)
	}
	return nil
}

// JoinURL appends path to base, inserting /v1 when base does not already end
// with it.
func JoinURL(base, defaultBase, path string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = defaultBase
	}
	if strings.HasSuffix(base, "/v1") {
		return base + path
	}
	return base + "/v1" + path
}
