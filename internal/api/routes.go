package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/halbzeit/reviewqueue/internal/api/handlers"
	apiMiddleware "github.com/halbzeit/reviewqueue/internal/api/middleware"
	"github.com/halbzeit/reviewqueue/internal/api/websocket"
	"github.com/halbzeit/reviewqueue/internal/completion"
	"github.com/halbzeit/reviewqueue/internal/config"
	"github.com/halbzeit/reviewqueue/internal/dispatcher"
	"github.com/halbzeit/reviewqueue/internal/events"
	"github.com/halbzeit/reviewqueue/internal/progress"
	"github.com/halbzeit/reviewqueue/internal/queue"
	"github.com/halbzeit/reviewqueue/internal/registry"
)

// Server is the Dispatcher's HTTP surface: the upload-side task routes,
// the worker-side lease/progress/completion routes, live status push over
// WebSocket, and metrics (spec §6).
type Server struct {
	router        *chi.Mux
	config        *config.Config
	taskHandler   *handlers.TaskHandler
	workerHandler *handlers.WorkerHandler
	wsHub         *websocket.Hub
	wsHandler     *websocket.Handler
	publisher     *events.RedisPubSub
}

// Deps bundles the components NewServer wires into HTTP handlers.
type Deps struct {
	Dispatcher *dispatcher.Dispatcher
	Queue      *queue.Store
	Progress   *progress.Recorder
	Completion *completion.Handler
	Registry   *registry.Registry
	Publisher  *events.RedisPubSub
}

// NewServer creates a new HTTP server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	wsHub := websocket.NewHub(deps.Publisher)

	s := &Server{
		router:        chi.NewRouter(),
		config:        cfg,
		taskHandler:   handlers.NewTaskHandler(deps.Dispatcher, deps.Publisher),
		workerHandler: handlers.NewWorkerHandler(deps.Queue, deps.Progress, deps.Completion, deps.Registry, deps.Publisher, cfg.Queue.LeaseDuration),
		wsHub:         wsHub,
		wsHandler:     websocket.NewHandler(wsHub),
		publisher:     deps.Publisher,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(apiMiddleware.RequestLogger())
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Heartbeat("/health"))
}

func (s *Server) setupRoutes() {
	authCfg := &apiMiddleware.AuthConfig{
		Enabled:   s.config.Auth.Enabled,
		JWTSecret: s.config.Auth.JWTSecret,
		APIKeys:   apiKeySet(s.config.Auth.APIKeys),
	}

	s.router.Route("/", func(r chi.Router) {
		r.Use(middleware.AllowContentType("application/json"))
		if s.config.Queue.RateLimitRPS > 0 {
			r.Use(apiMiddleware.ClientRateLimit(s.config.Queue.RateLimitRPS))
		}

		// Dispatcher-facing routes (spec §6, upload-side)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.taskHandler.Create)
			r.Get("/{id}", s.taskHandler.Get)
			r.Post("/{id}/cancel", s.taskHandler.Cancel)
		})
		r.Get("/decks/{id}/tasks", s.taskHandler.ListForDeck)

		// Worker-facing routes — a GPU worker fleet is a credentialed
		// client, not the public internet (spec §6 Configuration).
		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.Auth(authCfg))

			r.Post("/workers/register", s.workerHandler.Register)
			r.Post("/workers/{id}/heartbeat", s.workerHandler.Heartbeat)
			r.Post("/workers/{id}/claim", s.workerHandler.Claim)
			r.Post("/tasks/{id}/progress", s.workerHandler.Progress)
			r.Post("/tasks/{id}/complete", s.workerHandler.Complete)
			r.Post("/tasks/{id}/release", s.workerHandler.Release)
		})

		// Operator-only routes: excluded from the plain worker-auth group
		// above because these act on a worker from the outside rather than
		// being a call the worker fleet makes on itself.
		r.Group(func(r chi.Router) {
			r.Use(apiMiddleware.Auth(authCfg))
			r.Use(apiMiddleware.RequireRole("admin"))

			r.Post("/workers/{id}/maintenance", s.workerHandler.Maintenance)
		})
	})

	// WebSocket endpoint
	s.router.Get("/ws", s.wsHandler.ServeWS)

	// Metrics endpoint
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
}

func apiKeySet(keys []string) map[string]bool {
	set := make(map[string]bool, len(keys))
	for _, k := range keys {
		set[k] = true
	}
	return set
}

// Start starts the WebSocket hub.
func (s *Server) Start(ctx context.Context) {
	go s.wsHub.Run(ctx)
}

// Stop stops the WebSocket hub.
func (s *Server) Stop() {
	s.wsHub.Stop()
}

// Router returns the chi router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Publisher returns the event publisher.
func (s *Server) Publisher() *events.RedisPubSub {
	return s.publisher
}
