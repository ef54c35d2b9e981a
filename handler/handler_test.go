package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/usecase"
)

type stubService struct {
	turnOut    usecase.ProcessTurnOutput
	historyOut usecase.HistoryOutput
	logOut     usecase.LogTurnOutput
	stateOut   domain.ConversationState
	err        error
	turnIn     usecase.ProcessTurnInput
	historyIn  usecase.HistoryInput
	logIn      usecase.LogTurnInput
	stateIn    usecase.StateInput
	updateIn   usecase.UpdateStateInput
	archiveIn  usecase.ArchiveInput
}

func (s *stubService) ProcessTurn(_ context.Context, in usecase.ProcessTurnInput) (usecase.ProcessTurnOutput, error) {
	s.turnIn = in
	return s.turnOut, s.err
}

func (s *stubService) History(_ context.Context, in usecase.HistoryInput) (usecase.HistoryOutput, error) {
	s.historyIn = in
	return s.historyOut, s.err
}

func (s *stubService) LogTurn(_ context.Context, in usecase.LogTurnInput) (usecase.LogTurnOutput, error) {
	s.logIn = in
	return s.logOut, s.err
}

func (s *stubService) GetState(_ context.Context, in usecase.StateInput) (domain.ConversationState, error) {
	s.stateIn = in
	return s.stateOut, s.err
}

func (s *stubService) UpdateState(_ context.Context, in usecase.UpdateStateInput) (domain.ConversationState, error) {
	s.updateIn = in
	return s.stateOut, s.err
}

func (s *stubService) Archive(_ context.Context, in usecase.ArchiveInput) error {
	s.archiveIn = in
	return s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/turns",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer tok-1",
		},
		Body: body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func newTestHandler(t *testing.T, svc *stubService) *Handler {
	t.Helper()
	h, err := NewHandler(svc)
	require.NoError(t, err)
	return h
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil)
	require.Error(t, err)
}

func TestHandle_PostTurn(t *testing.T) {
	svc := &stubService{turnOut: usecase.ProcessTurnOutput{Reply: "hi there", SequenceNumber: 2, DurabilityConfirmed: true}}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"conversationKey":"conv-1","text":"hello","budget":{"maxTurns":4}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.ProcessTurnInput{
		SessionToken:    "tok-1",
		ConversationKey: "conv-1",
		UserText:        "hello",
		Budget:          &domain.Budget{MaxTurns: 4},
	}, svc.turnIn)

	out := parseBody[turnResponse](t, resp.Body)
	require.Equal(t, "hi there", out.Reply)
	require.Equal(t, int64(2), out.SequenceNumber)
	require.True(t, out.DurabilityConfirmed)
	require.False(t, out.Fallback)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_PostTurnWithWarning(t *testing.T) {
	svc := &stubService{turnOut: usecase.ProcessTurnOutput{Reply: usecase.FallbackReply, SequenceNumber: 1, Fallback: true, Warning: "durability_unconfirmed"}}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"conversationKey":"c","text":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := parseBody[turnResponse](t, resp.Body)
	require.True(t, out.Fallback)
	require.False(t, out.DurabilityConfirmed)
	require.Equal(t, "durability_unconfirmed", out.Warning)
}

func TestHandle_Base64Body(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	event := makeEvent(base64.StdEncoding.EncodeToString([]byte(`{"conversationKey":"c","text":"hey"}`)))
	event.IsBase64Encoded = true
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "hey", svc.turnIn.UserText)
}

func TestHandle_InvalidBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), makeEvent(`not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
	require.Equal(t, "invalid_json", out.Reason)
}

func TestHandle_MissingBearerPassesEmptyToken(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	event := makeEvent(`{"conversationKey":"c","text":"hey"}`)
	event.Headers["Authorization"] = "Basic abc"
	_, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Empty(t, svc.turnIn.SessionToken)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "empty_text"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "unauthorized", err: &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_session"}, status: http.StatusUnauthorized, code: string(usecase.ErrorUnauthorized)},
		{name: "busy", err: &usecase.Error{Code: usecase.ErrorBusy, Reason: "conversation_busy"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorBusy), retryAfter: "1"},
		{name: "unavailable", err: &usecase.Error{Code: usecase.ErrorCollaboratorUnavailable, Reason: "auth_unavailable"}, status: http.StatusServiceUnavailable, code: string(usecase.ErrorCollaboratorUnavailable), retryAfter: "1"},
		{name: "conflict", err: &usecase.Error{Code: usecase.ErrorIntegrityConflict, Reason: "sequence_conflict"}, status: http.StatusConflict, code: string(usecase.ErrorIntegrityConflict)},
		{name: "timeout", err: &usecase.Error{Code: usecase.ErrorTimeout, Reason: "inference_cancelled"}, status: http.StatusGatewayTimeout, code: string(usecase.ErrorTimeout)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "lock_ticket_expired"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestHandler(t, &stubService{err: tc.err})

			resp, err := h.Handle(context.Background(), makeEvent(`{"conversationKey":"c","text":"hello"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)
			require.Equal(t, tc.retryAfter, resp.Headers["Retry-After"])

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
			require.Equal(t, resp.Headers["X-Correlation-Id"], out.CorrelationID)
		})
	}
}

func TestHandle_GetHistory(t *testing.T) {
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	svc := &stubService{historyOut: usecase.HistoryOutput{Turns: []domain.Turn{
		{Seq: 3, Role: domain.RoleUser, Content: "q", CreatedAt: created},
		{Seq: 4, Role: domain.RoleAssistant, Content: "a", CreatedAt: created},
	}}}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/conversations/conv-9/turns",
		Headers:               map[string]string{"authorization": "bearer tok-2"},
		QueryStringParameters: map[string]string{"limit": "2"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.HistoryInput{SessionToken: "tok-2", ConversationKey: "conv-9", Limit: 2}, svc.historyIn)

	out := parseBody[historyResponse](t, resp.Body)
	require.Equal(t, "conv-9", out.ConversationKey)
	require.Len(t, out.Turns, 2)
	require.Equal(t, "assistant", out.Turns[1].Role)
	require.Equal(t, created, out.Turns[0].CreatedAt)
}

func TestHandle_GetHistoryPathParameter(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:     http.MethodGet,
		Path:           "/conversations/a%2Fb/turns",
		PathParameters: map[string]string{"key": "a/b"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "a/b", svc.historyIn.ConversationKey)
	require.Equal(t, 0, svc.historyIn.Limit)
}

func TestHandle_GetHistoryInvalidLimit(t *testing.T) {
	h := newTestHandler(t, &stubService{})
	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{
		HTTPMethod:            http.MethodGet,
		Path:                  "/conversations/c/turns",
		QueryStringParameters: map[string]string{"limit": "many"},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandle_Routing(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodGet, Path: "/turns"})
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	require.Equal(t, http.MethodPost, resp.Headers["Allow"])

	resp, err = h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: http.MethodPost, Path: "/ask"})
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	cases := []struct {
		method string
		path   string
		status int
		allow  string
	}{
		{method: http.MethodDelete, path: "/conversations/c/turns", status: http.StatusMethodNotAllowed, allow: "GET, POST"},
		{method: http.MethodPost, path: "/conversations/c/state", status: http.StatusMethodNotAllowed, allow: "GET, PUT"},
		{method: http.MethodGet, path: "/conversations/c/archive", status: http.StatusMethodNotAllowed, allow: http.MethodPost},
		{method: http.MethodGet, path: "/conversations/c/unknown", status: http.StatusNotFound},
		{method: http.MethodGet, path: "/conversations/turns", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		resp, err := h.Handle(context.Background(), events.APIGatewayProxyRequest{HTTPMethod: tc.method, Path: tc.path})
		require.NoError(t, err)
		require.Equal(t, tc.status, resp.StatusCode, tc.method+" "+tc.path)
		require.Equal(t, tc.allow, resp.Headers["Allow"], tc.method+" "+tc.path)
	}
}

func TestHandle_LogTurn(t *testing.T) {
	svc := &stubService{logOut: usecase.LogTurnOutput{SequenceNumber: 3, DurabilityConfirmed: true}}
	h := newTestHandler(t, svc)

	event := makeEvent(`{"role":"Assistant","text":"Welcome back"}`)
	event.Path = "/conversations/c-1/turns"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, usecase.LogTurnInput{
		SessionToken:    "tok-1",
		ConversationKey: "c-1",
		Role:            domain.RoleAssistant,
		Text:            "Welcome back",
	}, svc.logIn)

	body := parseBody[logTurnResponse](t, resp.Body)
	require.Equal(t, int64(3), body.SequenceNumber)
	require.True(t, body.DurabilityConfirmed)
}

func TestHandle_State(t *testing.T) {
	updated := time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)
	svc := &stubService{stateOut: domain.ConversationState{Name: "collecting", Data: map[string]any{"step": "email"}, UpdatedAt: updated}}
	h := newTestHandler(t, svc)

	event := makeEvent(`{"state":"collecting","data":{"step":"email"}}`)
	event.HTTPMethod = http.MethodPut
	event.Path = "/conversations/c-1/state"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "collecting", svc.updateIn.State)
	require.Equal(t, "email", svc.updateIn.Data["step"])
	require.Equal(t, "tok-1", svc.updateIn.SessionToken)

	event = makeEvent("")
	event.HTTPMethod = http.MethodGet
	event.Path = "/conversations/c-1/state"
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "c-1", svc.stateIn.ConversationKey)

	body := parseBody[stateResponse](t, resp.Body)
	require.Equal(t, "collecting", body.State)
	require.Equal(t, "email", body.Data["step"])
	require.NotNil(t, body.UpdatedAt)
	require.True(t, updated.Equal(*body.UpdatedAt))
}

func TestHandle_Archive(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	event := makeEvent("")
	event.Path = "/conversations/c-1/archive"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "c-1", svc.archiveIn.ConversationKey)
	require.Equal(t, "archived", parseBody[archiveResponse](t, resp.Body).Status)

	svc.err = &usecase.Error{Code: usecase.ErrorBusy, Reason: "conversation_busy"}
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	require.Equal(t, "1", resp.Headers["Retry-After"])
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	event := makeEvent(`{"conversationKey":"c","text":"hello"}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}
