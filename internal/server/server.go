// Package server exposes the orchestrator over a JSON HTTP API plus a
// server-sent-events stream for observers.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/bugyo/internal/config"
	"github.com/kazz187/bugyo/internal/eventbus"
	"github.com/kazz187/bugyo/internal/pushnotification"
	"github.com/kazz187/bugyo/internal/pushsubscription"
	"github.com/kazz187/bugyo/internal/state"
	"github.com/kazz187/bugyo/internal/worker"
	"github.com/kazz187/bugyo/pkg/cerr"
	"github.com/kazz187/bugyo/pkg/clog"
	"github.com/kazz187/bugyo/pkg/worktree"
)

// WorktreeLister enumerates the repository's existing worktrees.
type WorktreeLister interface {
	List(ctx context.Context) ([]worktree.Checkout, error)
}

type Server struct {
	server *http.Server

	env        *config.Env
	orch       *worker.Orchestrator
	bus        *eventbus.Bus[worker.Event]
	store      *state.Store
	worktrees  WorktreeLister
	pushRepo   pushsubscription.Repository
	pushSender *pushnotification.Sender
}

func NewServer(
	env *config.Env,
	orch *worker.Orchestrator,
	bus *eventbus.Bus[worker.Event],
	store *state.Store,
	worktrees WorktreeLister,
	pushRepo pushsubscription.Repository,
	pushSender *pushnotification.Sender,
) *Server {
	return &Server{
		env:        env,
		orch:       orch,
		bus:        bus,
		store:      store,
		worktrees:  worktrees,
		pushRepo:   pushRepo,
		pushSender: pushSender,
	}
}

// Handler builds the API router, including the API key guard.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(clog.SlogChiMiddleware())

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		// The event stream writes directly to the connection.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(cerr.NewJSONResponseChiMiddleware())
			r.NotFound(func(_ http.ResponseWriter, req *http.Request) {
				cerr.SetNewJSONError(req.Context(), cerr.NotFound, "not found", nil)
			})

			r.Route("/workers", func(r chi.Router) {
				r.Get("/", s.handleListWorkers)
				r.Post("/", s.handleCreateWorker)
				r.Route("/{workerID}", func(r chi.Router) {
					r.Get("/", s.handleInspectWorker)
					r.Delete("/", s.handleDeleteWorker)
					r.Get("/logs", s.handleWorkerLogs)
					r.Get("/sessions", s.handleWorkerSessions)
					r.Post("/restart", s.handleRestartWorker)
					r.Post("/continue", s.handleContinueWorker)
					r.Post("/rename", s.handleRenameWorker)
					r.Post("/permissions/{requestID}", s.handleRespondPermission)
				})
			})

			r.Get("/actions", s.handleActionLog)
			r.Get("/worktrees", s.handleListWorktrees)

			r.Route("/push", func(r chi.Router) {
				r.Get("/vapid-key", s.handleVapidKey)
				r.Post("/subscriptions", s.handleRegisterPush)
				r.Delete("/subscriptions", s.handleUnregisterPush)
				r.Post("/test", s.handleTestPush)
			})
		})
	})

	return s.apiKeyMiddleware(r)
}

// ListenAndServe starts the HTTP server. The provided context becomes the
// base context for all incoming requests, so cancelling it also tears down
// the event stream connections during shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr: addr,
		Handler: h2c.NewHandler(cors.New(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: true,
		}).Handler(s.Handler()), &http2.Server{}),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.env.APIKey == "" || r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
