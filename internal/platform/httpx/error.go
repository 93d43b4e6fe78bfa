package httpx

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/storefront-labs/orders-api/internal/platform/requestctx"
)

const (
	maxCodeLen      = 80
	maxMessageLen   = 512
	maxRequestIDLen = 80
	maxTraceIDLen   = 64
)

// Error is an API failure rendered as
// {"error": code, "message": ..., "status": ..., "request_id": ..., "trace_id": ..., <details>}.
// Details never override the envelope keys.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

var _ error = Error{}

// NewError builds an Error. A zero status becomes 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: clean(code, maxCodeLen), Message: clean(message, maxMessageLen), Status: status}
}

func (e Error) Error() string {
	return e.Code + ": " + e.Message
}

// WithDetails returns a copy of e carrying extra top-level fields.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) == 0 {
		return e
	}
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	e.Details = merged
	return e
}

// WriteError renders err, tagging it with the chi request id and the trace id found on ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}

	body := make(map[string]any, len(err.Details)+5)
	for k, v := range err.Details {
		body[k] = v
	}
	body["error"] = err.Code
	body["message"] = err.Message
	body["status"] = err.Status
	setIfPresent(body, "request_id", clean(middleware.GetReqID(ctx), maxRequestIDLen))
	setIfPresent(body, "trace_id", clean(requestctx.TraceID(ctx), maxTraceIDLen))

	WriteJSON(w, err.Status, body)
}

func setIfPresent(body map[string]any, key, value string) {
	if value != "" {
		body[key] = value
	} else {
		delete(body, key)
	}
}

// clean flattens line breaks and truncates to limit bytes.
func clean(value string, limit int) string {
	value = strings.Join(strings.FieldsFunc(value, func(r rune) bool { return r == '\n' || r == '\r' }), " ")
	value = strings.TrimSpace(value)
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
