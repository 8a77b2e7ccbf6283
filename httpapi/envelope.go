package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/quay/zlog"

	"github.com/panicfrog/rodepush"
)

// RequestIDHeader carries the inbound correlation id; it is echoed in
// every envelope and generated when absent.
const RequestIDHeader = "X-Request-Id"

// envelope is the shared JSON response shape.
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *errBody  `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id"`
}

type errBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type ctxKey int

const requestIDKey ctxKey = 0

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return uuid.NewString()
}

func writeData(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: requestID(ctx),
	})
}

// writeErr maps the error taxonomy onto status codes and emits the
// envelope. The body carries the machine-readable kind and a human
// string, never a stack trace.
func writeErr(ctx context.Context, w http.ResponseWriter, err error) {
	kind, status := classify(err)
	var e *rodepush.Error
	msg := err.Error()
	if errors.As(err, &e) && e.Message != "" {
		msg = e.Message
	}
	if status >= 500 {
		zlog.Error(ctx).Err(err).Msg("request failed")
		// Internal detail stays in the log.
		msg = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     &errBody{Kind: string(kind), Message: msg},
		Timestamp: time.Now().UTC(),
		RequestID: requestID(ctx),
	})
}

func classify(err error) (rodepush.ErrorKind, int) {
	switch {
	case errors.Is(err, rodepush.ErrValidation):
		return rodepush.ErrValidation, http.StatusBadRequest
	case errors.Is(err, rodepush.ErrIntegrity):
		return rodepush.ErrIntegrity, http.StatusUnprocessableEntity
	case errors.Is(err, rodepush.ErrConflict):
		return rodepush.ErrConflict, http.StatusConflict
	case errors.Is(err, rodepush.ErrNotFound):
		return rodepush.ErrNotFound, http.StatusNotFound
	case errors.Is(err, rodepush.ErrExhausted):
		if errors.Is(err, context.DeadlineExceeded) {
			return rodepush.ErrExhausted, http.StatusGatewayTimeout
		}
		return rodepush.ErrExhausted, http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded):
		return rodepush.ErrExhausted, http.StatusGatewayTimeout
	}
	return rodepush.ErrInternal, http.StatusInternalServerError
}
