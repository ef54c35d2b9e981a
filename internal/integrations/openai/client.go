package openai

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

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	serviceName    = "openai"
)

// chatRequest is the minimal request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model       string               `json:"model"`
	Messages    []domain.ChatMessage `json:"messages"`
	Temperature *float64             `json:"temperature,omitempty"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int                `json:"index"`
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
}

// invalidator is implemented by secret stores that cache values.
type invalidator interface {
	Invalidate(name string)
}

// Client is a focused OpenAI-compatible client for chat completions. It is
// the inference collaborator of the orchestrator.
type Client struct {
	baseURL     string
	model       string
	httpClient  *http.Client
	secrets     paramstore.FieldGetter
	paramPrefix string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.model = m
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a new Client. The API key is read from the JSON
// parameter <paramPrefix>/open-ai-token on each call; the parameter store
// client caches it.
func NewClient(secrets paramstore.FieldGetter, paramPrefix string, opts ...Option) (*Client, error) {
	if secrets == nil {
		return nil, errors.New("openai: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		model:       defaultModel,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		secrets:     secrets,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) tokenParameterName() string {
	return c.paramPrefix + "/open-ai-token"
}

// resolvedHTTPClient returns the configured HTTP client, or a default with a
// 30s timeout if none was set.
func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func chatURL(baseURL string) string {
	return httpjson.JoinURL(baseURL, defaultBaseURL, "/chat/completions")
}

// Messages renders a context window as chat messages, system prompt first.
func Messages(turns []domain.Turn, systemPrompt string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(turns)+1)
	if s := strings.TrimSpace(systemPrompt); s != "" {
		out = append(out, domain.ChatMessage{Role: "system", Content: s})
	}
	for _, t := range turns {
		out = append(out, domain.ChatMessage{Role: string(t.Role), Content: t.Content})
	}
	return out
}

// Complete generates the assistant reply for the given context window.
func (c *Client) Complete(ctx context.Context, turns []domain.Turn, params domain.GenerationParams) (string, error) {
	if len(turns) == 0 {
		return "", resilience.Terminal(resilience.ClassMalformedRequest, errors.New("openai: context window is empty"))
	}

	apiKey, err := c.secrets.GetField(ctx, c.tokenParameterName(), "token")
	if err != nil {
		return "", fmt.Errorf("openai: fetch token from paramstore: %w", err)
	}

	req := chatRequest{
		Model:     c.model,
		Messages:  Messages(turns, params.SystemPrompt),
		MaxTokens: params.MaxTokens,
	}
	if params.Temperature > 0 {
		temp := params.Temperature
		req.Temperature = &temp
	}

	var payload chatResponse
	err = httpjson.Post(ctx, c.resolvedHTTPClient(), httpjson.Request{
		Service: serviceName,
		URL:     chatURL(c.baseURL),
		Headers: map[string]string{"Authorization": "Bearer " + apiKey},
		Body:    req,
	}, &payload)
	if err != nil {
		c.dropRejectedKey(err)
		return "", err
	}
	if len(payload.Choices) == 0 {
		return "", errors.New("openai: no choices in response")
	}
	reply := strings.TrimSpace(payload.Choices[0].Message.Content)
	if reply == "" {
		return "", errors.New("openai: empty completion")
	}
	return reply, nil
}

// dropRejectedKey forgets a cached key the API refused so a rotated
// parameter is picked up by the next attempt.
func (c *Client) dropRejectedKey(err error) {
	var se *httpjson.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
		return
	}
	if inv, ok := c.secrets.(invalidator); ok {
		inv.Invalidate(c.tokenParameterName())
	}
}
