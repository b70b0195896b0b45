package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/auth"
)

// AuthHandler handles the token endpoint.
type AuthHandler struct {
	svc    *auth.Service
	logger *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{svc: svc, logger: logger.Named("auth_handler")}
}

// tokenRequest is the body of POST /api/v1/auth/token.
type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// Token handles POST /api/v1/auth/token: it exchanges client credentials for
// a Bearer token scoped to the client's audience.
func (h *AuthHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.ClientSecret == "" {
		ErrBadRequest(w, "client_id and client_secret are required")
		return
	}

	token, err := h.svc.Authenticate(r.Context(), req.ClientID, req.ClientSecret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			ErrUnauthorized(w)
			return
		}
		h.logger.Error("token issuance failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	h.logger.Info("token issued", zap.String("client_id", req.ClientID), zap.String("audience", token.Audience))
	Ok(w, token)
}
