package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

// CapabilityValidator verifies an elevated-privilege token presented to
// privileged endpoints. The orchestrator never checks privileges itself; it
// trusts the claims this validator produces.
type CapabilityValidator interface {
	ValidateToken(tokenString string) (*CapabilityClaims, error)
}

// CapabilityClaims are the claims extracted from a verified capability token.
type CapabilityClaims struct {
	Subject string
	Roles   []string
}

// HasRole reports whether the capability carries the given role.
func (c *CapabilityClaims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type contextKeyApprover struct{}

// ContextKeyApprover is exported for tests that need to seed an approver.
var ContextKeyApprover = contextKeyApprover{}

// GetApprover retrieves the verified approver subject from the context.
func GetApprover(ctx context.Context) string {
	subject, ok := ctx.Value(ContextKeyApprover).(string)
	if !ok {
		return ""
	}
	return subject
}

// RequireCapability guards a route with a bearer capability token carrying
// the given role.
func RequireCapability(validator CapabilityValidator, role string, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			requestID := GetRequestID(ctx)

			authHeader := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				logger.WarnContext(ctx, "capability token missing",
					"request_id", requestID,
				)
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
				return
			}

			claims, err := validator.ValidateToken(token)
			if err != nil {
				logger.WarnContext(ctx, "capability token rejected",
					"error", err,
					"request_id", requestID,
				)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if !claims.HasRole(role) {
				logger.WarnContext(ctx, "capability missing required role",
					"subject", claims.Subject,
					"role", role,
					"request_id", requestID,
				)
				writeForbidden(w)
				return
			}

			ctx = context.WithValue(ctx, ContextKeyApprover, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"code":"unauthorized","message":"` + message + `"}`))
}

func writeForbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write([]byte(`{"code":"forbidden","message":"capability lacks required role"}`))
}
