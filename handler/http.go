package handler

import (
	"io"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
)

// ServeHTTP serves the same routes as Handle for the long-running server.
// The request is converted to the proxy event shape so that both entrypoints
// share one routing and error mapping path.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, `{"error":"INVALID_INPUT","reason":"invalid_body"}`, http.StatusBadRequest)
		return
	}

	event := events.APIGatewayProxyRequest{
		HTTPMethod:            r.Method,
		Path:                  r.URL.Path,
		Headers:               make(map[string]string, len(r.Header)),
		QueryStringParameters: make(map[string]string),
		Body:                  string(body),
	}
	for name, values := range r.Header {
		if len(values) > 0 {
			event.Headers[name] = values[0]
		}
	}
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			event.QueryStringParameters[name] = values[0]
		}
	}

	resp, _ := h.Handle(r.Context(), event)
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}
