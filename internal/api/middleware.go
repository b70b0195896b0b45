package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/auth"
)

// contextKey is an unexported type for context keys defined in this package.
// Using a custom type prevents collisions with keys defined in other packages.
type contextKey int

const (
	// contextKeyClient is the context key under which the authenticated
	// *auth.Claims are stored after successful JWT validation.
	contextKeyClient contextKey = iota
)

// Authenticate is a middleware that validates the JWT Bearer token present in
// the Authorization header and checks it was issued for the given audience.
// On success it stores the parsed claims in the request context so downstream
// handlers can retrieve them via claimsFromCtx. On failure it writes a 401,
// or a 403 when the token is valid but carries the wrong audience.
//
// Token format: "Authorization: Bearer <token>"
func Authenticate(svc *auth.Service, audience string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				ErrUnauthorized(w)
				return
			}

			parts := strings.SplitN(header, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				ErrUnauthorized(w)
				return
			}

			claims, err := svc.ValidateToken(parts[1], audience)
			if err != nil {
				if err == auth.ErrAudienceMismatch {
					ErrForbidden(w)
					return
				}
				ErrUnauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), contextKeyClient, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogger returns a Chi-compatible middleware that logs each request
// using the provided zap logger. It logs method, path, status, and latency.
// Chi's middleware.RequestID is expected to run before this middleware so
// that the request ID is available in the context.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// claimsFromCtx retrieves the JWT claims stored by the Authenticate middleware.
// Returns nil if no claims are present (i.e. the request is unauthenticated).
// Handler functions use this to access the current client's ID.
func claimsFromCtx(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKeyClient).(*auth.Claims)
	return claims
}
