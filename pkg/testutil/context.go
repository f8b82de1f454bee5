package testutil

import (
	"context"
	"net/http"

	"enrolld/internal/platform/middleware"
)

// WithApprover seeds a verified approver subject on the request context,
// simulating what the capability middleware does for authorized requests.
func WithApprover(req *http.Request, subject string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyApprover, subject)
	return req.WithContext(ctx)
}

// WithRequestID seeds a correlation ID on the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	ctx := context.WithValue(req.Context(), middleware.ContextKeyRequestID, requestID)
	return req.WithContext(ctx)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
