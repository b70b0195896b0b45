package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/waldiez/runner/internal/admission"
	"github.com/waldiez/runner/internal/auth"
	"github.com/waldiez/runner/internal/dispatcher"
	"github.com/waldiez/runner/internal/redisio"
	"github.com/waldiez/runner/internal/repositories"
	"github.com/waldiez/runner/internal/storage"
	"github.com/waldiez/runner/internal/websocket"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	Gate        *admission.Gate
	Dispatcher  *dispatcher.Dispatcher
	Bridge      *websocket.Bridge
	Fabric      *redisio.Fabric
	Files       storage.FileStorage
	Logger      *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Tasks   repositories.TaskRepository
	Clients repositories.ClientRepository

	// Registry serves /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry
}

// NewRouter builds and returns the fully configured Chi router.
// All REST routes are registered under /api/v1; the WebSocket endpoint and
// the operational endpoints live at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.Tasks, cfg.Gate, cfg.Dispatcher, cfg.Files, cfg.Fabric, cfg.Logger)
	clientHandler := NewClientHandler(cfg.Clients, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Bridge, cfg.AuthService, cfg.Tasks, cfg.Logger)

	// --- Operational endpoints ---
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if err := cfg.Fabric.Ping(req.Context()); err != nil {
			errJSON(w, http.StatusServiceUnavailable, "redis unreachable", "unhealthy")
			return
		}
		Ok(w, map[string]string{"status": "ok"})
	})
	if cfg.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Registry, promhttp.HandlerOpts{}))
	}

	// The WebSocket endpoint authenticates inside the handler because the
	// token may arrive via query, cookie or subprotocol.
	r.Get("/ws/{task_id}", wsHandler.ServeWS)

	r.Route("/api/v1", func(r chi.Router) {

		// --- Public routes (no authentication required) ---
		r.Post("/auth/token", authHandler.Token)

		// --- Task routes (tasks-api audience) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService, auth.AudienceTasks))

			r.Post("/tasks", taskHandler.Create)
			r.Get("/tasks", taskHandler.List)
			r.Delete("/tasks", taskHandler.DeleteMany)
			r.Post("/tasks/upload", taskHandler.Upload)
			r.Get("/tasks/{id}", taskHandler.GetByID)
			r.Patch("/tasks/{id}", taskHandler.Update)
			r.Delete("/tasks/{id}", taskHandler.Delete)
			r.Post("/tasks/{id}/cancel", taskHandler.Cancel)
			r.Post("/tasks/{id}/input", taskHandler.Input)
			r.Get("/tasks/{id}/download", taskHandler.Download)
		})

		// --- Client management routes (clients-api audience) ---
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(cfg.AuthService, auth.AudienceClients))

			r.Get("/clients", clientHandler.List)
			r.Post("/clients", clientHandler.Create)
			r.Delete("/clients/{id}", clientHandler.Delete)

			r.Get("/admin/tasks", taskHandler.ListAll)
		})
	})

	return r
}
