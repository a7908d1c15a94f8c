package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"groupscan/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Options carries the optional handlers mounted next to the API.
type Options struct {
	// Tokens maps bearer tokens to owners. When empty every request acts for DefaultOwner.
	Tokens       map[string]string
	DefaultOwner string
	MCP          http.Handler
	Metrics      http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	service    *core.Service
	logger     *slog.Logger
	opts       Options
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, service *core.Service, logger *slog.Logger, opts Options) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if opts.DefaultOwner == "" {
		opts.DefaultOwner = "local"
	}
	s := &Server{
		router:  router,
		service: service,
		logger:  logger,
		opts:    opts,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	auth := AuthMiddleware(s.opts.Tokens, s.opts.DefaultOwner)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics)
	}
	if s.opts.MCP != nil {
		s.router.Handle("/mcp", auth(s.opts.MCP))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(auth)

		r.Post("/cron/preview", s.handleCronPreview)
		r.Get("/stats", s.handleStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleListTasks)
			r.Post("/", s.handleCreateTask)

			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.handleGetTask)
				r.Post("/start", s.handleStartTask)
				r.Post("/stop", s.handleStopTask)
				r.Put("/settings", s.handleUpdateSettings)
				r.Get("/logs", s.handleTaskLogs)
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Get("/{ruleID}", s.handleGetRule)
			r.Put("/{ruleID}", s.handleUpdateRule)
			r.Delete("/{ruleID}", s.handleDeleteRule)
		})

		r.Route("/targets", func(r chi.Router) {
			r.Get("/", s.handleListTargets)
			r.Post("/", s.handleCreateTarget)
			r.Delete("/{targetID}", s.handleDeleteTarget)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/", s.handleCreateAccount)
		})
	})
}
