package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"dialogue-core/internal/domain"
	"dialogue-core/internal/observability"
	"dialogue-core/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	retryAfterSeconds = 1
	maxBodyBytes      = 64 << 10
)

// DialogueService is the use case surface exposed over HTTP.
type DialogueService interface {
	ProcessTurn(ctx context.Context, in usecase.ProcessTurnInput) (usecase.ProcessTurnOutput, error)
	History(ctx context.Context, in usecase.HistoryInput) (usecase.HistoryOutput, error)
	LogTurn(ctx context.Context, in usecase.LogTurnInput) (usecase.LogTurnOutput, error)
	GetState(ctx context.Context, in usecase.StateInput) (domain.ConversationState, error)
	UpdateState(ctx context.Context, in usecase.UpdateStateInput) (domain.ConversationState, error)
	Archive(ctx context.Context, in usecase.ArchiveInput) error
}

type Handler struct {
	svc   DialogueService
	newID func() string
}

type turnRequest struct {
	ConversationKey string         `json:"conversationKey"`
	Text            string         `json:"text"`
	Budget          *domain.Budget `json:"budget,omitempty"`
}

type turnResponse struct {
	Reply               string `json:"reply"`
	SequenceNumber      int64  `json:"sequenceNumber"`
	DurabilityConfirmed bool   `json:"durabilityConfirmed"`
	Fallback            bool   `json:"fallback,omitempty"`
	Warning             string `json:"warning,omitempty"`
}

type logTurnRequest struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type logTurnResponse struct {
	SequenceNumber      int64  `json:"sequenceNumber"`
	DurabilityConfirmed bool   `json:"durabilityConfirmed"`
	Warning             string `json:"warning,omitempty"`
}

type stateRequest struct {
	State string         `json:"state"`
	Data  map[string]any `json:"data,omitempty"`
}

type stateResponse struct {
	ConversationKey string         `json:"conversationKey"`
	State           string         `json:"state"`
	Data            map[string]any `json:"data,omitempty"`
	UpdatedAt       *time.Time     `json:"updatedAt,omitempty"`
}

type archiveResponse struct {
	ConversationKey string `json:"conversationKey"`
	Status          string `json:"status"`
}

type turnView struct {
	Seq       int64     `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResponse struct {
	ConversationKey string     `json:"conversationKey"`
	Turns           []turnView `json:"turns"`
	Stale           bool       `json:"stale,omitempty"`
}

type errorResponse struct {
	Error         string `json:"error"`
	Reason        string `json:"reason,omitempty"`
	CorrelationID string `json:"correlationId"`
}

func NewHandler(svc DialogueService) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("handler: dialogue service must not be nil")
	}
	return &Handler{svc: svc, newID: uuid.NewString}, nil
}

// Handle routes API Gateway proxy events:
//
//	POST /turns
//	GET  /conversations/{key}/turns?limit=N
//	POST /conversations/{key}/turns
//	GET  /conversations/{key}/state
//	PUT  /conversations/{key}/state
//	POST /conversations/{key}/archive
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = h.newID()
	}
	ctx = observability.WithRequestID(ctx, correlationID)
	logger := observability.LoggerFromContext(ctx).With("method", req.HTTPMethod, "path", req.Path)

	start := time.Now()
	resp := h.route(ctx, logger, correlationID, req)
	logger.Info("request completed",
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

func (h *Handler) route(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	path := strings.TrimRight(req.Path, "/")
	switch {
	case path == "/turns":
		if req.HTTPMethod != http.MethodPost {
			return methodNotAllowed(correlationID, http.MethodPost)
		}
		return h.postTurn(ctx, logger, correlationID, req)
	case strings.HasPrefix(path, "/conversations/"):
		key, action := conversationRoute(path, req.PathParameters)
		switch {
		case key == "":
		case action == "turns" && req.HTTPMethod == http.MethodGet:
			return h.getHistory(ctx, logger, correlationID, req, key)
		case action == "turns" && req.HTTPMethod == http.MethodPost:
			return h.logTurn(ctx, logger, correlationID, req, key)
		case action == "turns":
			return methodNotAllowed(correlationID, "GET, POST")
		case action == "state" && req.HTTPMethod == http.MethodGet:
			return h.getState(ctx, logger, correlationID, req, key)
		case action == "state" && req.HTTPMethod == http.MethodPut:
			return h.putState(ctx, logger, correlationID, req, key)
		case action == "state":
			return methodNotAllowed(correlationID, "GET, PUT")
		case action == "archive" && req.HTTPMethod == http.MethodPost:
			return h.archive(ctx, logger, correlationID, req, key)
		case action == "archive":
			return methodNotAllowed(correlationID, http.MethodPost)
		}
	}
	return jsonResponse(http.StatusNotFound, correlationID, errorResponse{
		Error:         "NOT_FOUND",
		CorrelationID: correlationID,
	})
}

// conversationRoute splits /conversations/{key}/{action}. A key supplied by
// API Gateway as a path parameter wins over the raw path, which may still
// be percent-encoded.
func conversationRoute(path string, params map[string]string) (key, action string) {
	rest := strings.TrimPrefix(path, "/conversations/")
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		return "", ""
	}
	key, action = rest[:i], rest[i+1:]
	if k := params["key"]; k != "" {
		key = k
	}
	return key, action
}

func (h *Handler) postTurn(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return invalidInput(correlationID, "invalid_body")
	}
	var in turnRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return invalidInput(correlationID, "invalid_json")
	}

	out, err := h.svc.ProcessTurn(ctx, usecase.ProcessTurnInput{
		SessionToken:    bearerToken(req.Headers),
		ConversationKey: in.ConversationKey,
		UserText:        in.Text,
		Budget:          in.Budget,
	})
	if err != nil {
		return errorToResponse(logger, correlationID, err)
	}
	if out.Warning != "" {
		logger.Warn("turn completed with warning", "warning", out.Warning, "seq", out.SequenceNumber)
	}
	return jsonResponse(http.StatusOK, correlationID, turnResponse{
		Reply:               out.Reply,
		SequenceNumber:      out.SequenceNumber,
		DurabilityConfirmed: out.DurabilityConfirmed,
		Fallback:            out.Fallback,
		Warning:             out.Warning,
	})
}

func (h *Handler) getHistory(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest, key string) events.APIGatewayProxyResponse {
	limit := 0
	if raw := req.QueryStringParameters["limit"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return invalidInput(correlationID, "invalid_limit")
		}
		limit = n
	}

	out, err := h.svc.History(ctx, usecase.HistoryInput{
		SessionToken:    bearerToken(req.Headers),
		ConversationKey: key,
		Limit:           limit,
	})
	if err != nil {
		return errorToResponse(logger, correlationID, err)
	}
	resp := historyResponse{ConversationKey: key, Turns: make([]turnView, 0, len(out.Turns)), Stale: out.Stale}
	for _, t := range out.Turns {
		resp.Turns = append(resp.Turns, turnView{Seq: t.Seq, Role: string(t.Role), Content: t.Content, CreatedAt: t.CreatedAt})
	}
	return jsonResponse(http.StatusOK, correlationID, resp)
}

func (h *Handler) logTurn(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest, key string) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return invalidInput(correlationID, "invalid_body")
	}
	var in logTurnRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return invalidInput(correlationID, "invalid_json")
	}

	out, err := h.svc.LogTurn(ctx, usecase.LogTurnInput{
		SessionToken:    bearerToken(req.Headers),
		ConversationKey: key,
		Role:            domain.Role(strings.ToLower(strings.TrimSpace(in.Role))),
		Text:            in.Text,
	})
	if err != nil {
		return errorToResponse(logger, correlationID, err)
	}
	return jsonResponse(http.StatusCreated, correlationID, logTurnResponse{
		SequenceNumber:      out.SequenceNumber,
		DurabilityConfirmed: out.DurabilityConfirmed,
		Warning:             out.Warning,
	})
}

func (h *Handler) getState(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest, key string) events.APIGatewayProxyResponse {
	st, err := h.svc.GetState(ctx, usecase.StateInput{
		SessionToken:    bearerToken(req.Headers),
		ConversationKey: key,
	})
	if err != nil {
		return errorToResponse(logger, correlationID, err)
	}
	return jsonResponse(http.StatusOK, correlationID, toStateResponse(key, st))
}

func (h *Handler) putState(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest, key string) events.APIGatewayProxyResponse {
	body, err := requestBody(req)
	if err != nil {
		return invalidInput(correlationID, "invalid_body")
	}
	var in stateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return invalidInput(correlationID, "invalid_json")
	}

	st, err := h.svc.UpdateState(ctx, usecase.UpdateStateInput{
		SessionToken:    bearerToken(req.Headers),
		ConversationKey: key,
		State:           in.State,
		Data:            in.Data,
	})
	if err != nil {
		return errorToResponse(logger, correlationID, err)
	}
	return jsonResponse(http.StatusOK, correlationID, toStateResponse(key, st))
}

func (h *Handler) archive(ctx context.Context, logger *slog.Logger, correlationID string, req events.APIGatewayProxyRequest, key string) events.APIGatewayProxyResponse {
	err := h.svc.Archive(ctx, usecase.ArchiveInput{
		SessionToken:    bearerToken(req.Headers),
		ConversationKey: key,
	})
	if err != nil {
		return errorToResponse(logger, correlationID, err)
	}
	return jsonResponse(http.StatusOK, correlationID, archiveResponse{
		ConversationKey: key,
		Status:          string(domain.StatusArchived),
	})
}

func toStateResponse(key string, st domain.ConversationState) stateResponse {
	resp := stateResponse{ConversationKey: key, State: st.Name, Data: st.Data}
	if !st.UpdatedAt.IsZero() {
		resp.UpdatedAt = &st.UpdatedAt
	}
	return resp
}

func errorToResponse(logger *slog.Logger, correlationID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		logger.Error("unexpected error", "err", err)
		return jsonResponse(http.StatusInternalServerError, correlationID, errorResponse{
			Error:         string(usecase.ErrorInternal),
			CorrelationID: correlationID,
		})
	}

	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError || ucErr.Code == usecase.ErrorIntegrityConflict {
		logger.Error("request failed", "code", ucErr.Code, "reason", ucErr.Reason, "err", ucErr.Err)
	} else {
		logger.Info("request rejected", "code", ucErr.Code, "reason", ucErr.Reason)
	}

	resp := jsonResponse(status, correlationID, errorResponse{
		Error:         string(ucErr.Code),
		Reason:        ucErr.Reason,
		CorrelationID: correlationID,
	})
	if ucErr.Code == usecase.ErrorBusy || ucErr.Code == usecase.ErrorCollaboratorUnavailable {
		resp.Headers["Retry-After"] = strconv.Itoa(retryAfterSeconds)
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorIntegrityConflict:
		return http.StatusConflict
	case usecase.ErrorBusy:
		return http.StatusTooManyRequests
	case usecase.ErrorCollaboratorUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return nil, err
		}
		body = decoded
	}
	if len(body) > maxBodyBytes {
		return nil, errors.New("handler: body too large")
	}
	return body, nil
}

// headerValue looks a header up case-insensitively; API Gateway passes
// headers through as sent.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bearerToken(headers map[string]string) string {
	v := headerValue(headers, "Authorization")
	if len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}

func invalidInput(correlationID, reason string) events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusBadRequest, correlationID, errorResponse{
		Error:         string(usecase.ErrorInvalidInput),
		Reason:        reason,
		CorrelationID: correlationID,
	})
}

func methodNotAllowed(correlationID, allow string) events.APIGatewayProxyResponse {
	resp := jsonResponse(http.StatusMethodNotAllowed, correlationID, errorResponse{
		Error:         "METHOD_NOT_ALLOWED",
		CorrelationID: correlationID,
	})
	resp.Headers["Allow"] = allow
	return resp
}

func jsonResponse(status int, correlationID string, body any) events.APIGatewayProxyResponse {
	buf, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		buf = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(buf),
	}
}
