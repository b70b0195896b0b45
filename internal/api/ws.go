package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/auth"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/websocket"
)

// defaultReplay is how many buffered output entries a new WebSocket
// connection receives before live tailing starts.
const defaultReplay = 100

// WSHandler handles the WebSocket endpoint GET /ws/{task_id}.
//
// Browsers cannot set custom headers on WebSocket connections opened via the
// native WebSocket API, so the token is accepted from several places, checked
// in order:
//
//  1. the access_token query parameter
//  2. the access_token cookie
//  3. the Authorization header (Bearer)
//  4. the Sec-WebSocket-Protocol header ("tasks-api, <token>")
//
// Authentication failures are rejected with HTTP 401 before the upgrade, not
// with a post-handshake close frame. Clients see a failed handshake, never a
// 1008 close code.
type WSHandler struct {
	bridge *websocket.Bridge
	svc    *auth.Service
	tasks  repositories.TaskRepository
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(bridge *websocket.Bridge, svc *auth.Service, tasks repositories.TaskRepository, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		bridge: bridge,
		svc:    svc,
		tasks:  tasks,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /ws/{task_id}. It authenticates the request, loads the
// task, upgrades the connection, and runs the session pumps. The handler
// blocks until the connection closes — this is expected for WebSocket
// handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := extractWSToken(r)
	if tokenStr == "" {
		ErrUnauthorized(w)
		return
	}
	claims, err := h.svc.ValidateToken(tokenStr, auth.AudienceTasks)
	if err != nil {
		ErrUnauthorized(w)
		return
	}

	taskID, err := uuid.Parse(chi.URLParam(r, "task_id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	task, err := h.tasks.GetForClient(r.Context(), claims.ClientID(), taskID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
		} else {
			h.logger.Error("ws: load task failed", zap.Error(err))
			ErrInternal(w)
		}
		return
	}

	replay := int64(defaultReplay)
	if raw := r.URL.Query().Get("replay"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n >= 0 {
			replay = n
		}
	}

	if err := h.bridge.Serve(r.Context(), w, r, task, replay); err != nil {
		h.logger.Warn("ws: upgrade failed",
			zap.String("client_id", claims.ClientID()),
			zap.Error(err),
		)
	}
}

// extractWSToken pulls the access token from the first source that carries
// one.
func extractWSToken(r *http.Request) string {
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token
	}
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	// Subprotocol smuggling: the client offers "tasks-api" plus the raw
	// token as a second protocol.
	for _, proto := range strings.Split(r.Header.Get("Sec-WebSocket-Protocol"), ",") {
		proto = strings.TrimSpace(proto)
		if proto != "" && proto != websocket.Subprotocol {
			return proto
		}
	}
	return ""
}
