package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/auth"
	"github.com/waldiez/runner/internal/db"
	"github.com/waldiez/runner/internal/repositories"
)

// ClientHandler handles the client management endpoints. These require a
// token scoped to the clients-api audience.
type ClientHandler struct {
	clients repositories.ClientRepository
	logger  *zap.Logger
}

// NewClientHandler creates a new ClientHandler.
func NewClientHandler(clients repositories.ClientRepository, logger *zap.Logger) *ClientHandler {
	return &ClientHandler{clients: clients, logger: logger.Named("client_handler")}
}

// clientResponse is the JSON shape of a client. The secret hash is never
// serialized; the plaintext secret appears once, in the create response.
type clientResponse struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	ClientID    string    `json:"client_id"`
	Audience    string    `json:"audience"`
	Name        string    `json:"name"`
	Description string    `json:"description"`

	// ClientSecret is only populated in the create response.
	ClientSecret string `json:"client_secret,omitempty"`
}

func toClientResponse(c *db.Client) clientResponse {
	return clientResponse{
		ID:          c.ID.String(),
		CreatedAt:   c.CreatedAt,
		ClientID:    c.ClientID,
		Audience:    c.Audience,
		Name:        c.Name,
		Description: c.Description,
	}
}

// createClientRequest is the body of POST /api/v1/clients.
type createClientRequest struct {
	ClientID    string `json:"client_id"`
	Audience    string `json:"audience"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Create handles POST /api/v1/clients. The generated secret is returned
// exactly once; only its hash is stored.
func (h *ClientHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if req.Audience == "" {
		req.Audience = auth.AudienceTasks
	}
	if req.Audience != auth.AudienceTasks && req.Audience != auth.AudienceClients {
		ErrBadRequest(w, "audience must be tasks-api or clients-api")
		return
	}

	secret, err := auth.GenerateSecret()
	if err != nil {
		h.logger.Error("secret generation failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		h.logger.Error("secret hashing failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	client := &db.Client{
		ClientID:    req.ClientID,
		SecretHash:  hash,
		Audience:    req.Audience,
		Name:        req.Name,
		Description: req.Description,
	}
	if err := h.clients.Create(r.Context(), client); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrConflict(w, "a client with this client_id already exists")
			return
		}
		h.logger.Error("client creation failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp := toClientResponse(client)
	resp.ClientSecret = secret
	Created(w, resp)
}

// List handles GET /api/v1/clients.
func (h *ClientHandler) List(w http.ResponseWriter, r *http.Request) {
	page, size, opts := parseListOptions(r)
	clients, total, err := h.clients.List(r.Context(), opts)
	if err != nil {
		h.logger.Error("list clients failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]clientResponse, len(clients))
	for i := range clients {
		items[i] = toClientResponse(&clients[i])
	}
	pages := (total + int64(size) - 1) / int64(size)
	Ok(w, map[string]any{"items": items, "total": total, "page": page, "size": size, "pages": pages})
}

// Delete handles DELETE /api/v1/clients/{id}. Existing tokens stay valid
// until expiry, but authentication with the deleted credentials fails
// immediately.
func (h *ClientHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return
	}
	if err := h.clients.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("client deletion failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
