package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cuemby/convsync/pkg/log"
	"github.com/cuemby/convsync/pkg/metrics"
	"github.com/cuemby/convsync/pkg/readstore"
	"github.com/cuemby/convsync/pkg/reconciler"
	"github.com/cuemby/convsync/pkg/storage"
	"github.com/cuemby/convsync/pkg/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// CommandExecutor commits commands, usually a dualwrite.Coordinator
type CommandExecutor interface {
	Execute(ctx context.Context, cmd *types.Command) (*types.Commit, error)
}

// ReconcileRunner runs on-demand reconciliation sweeps
type ReconcileRunner interface {
	Reconcile(ctx context.Context, w reconciler.Window) (types.ReconciliationReport, error)
	DefaultWindow() reconciler.Window
	LastReport() *types.ReconciliationReport
}

// DeadLetterReplayer reapplies dead-lettered events
type DeadLetterReplayer interface {
	Replay(ctx context.Context, id string) (types.ApplyResult, error)
}

// Deps are the components the API serves
type Deps struct {
	Commands    CommandExecutor
	Ledger      storage.Ledger
	DeadLetters storage.DeadLetterStore
	Reads       readstore.Store
	Reconciler  ReconcileRunner
	Replayer    DeadLetterReplayer

	RateLimit     RateLimit
	AccessControl AccessControl
}

// Server is the convsync HTTP API
type Server struct {
	deps   Deps
	router *mux.Router
	guard  *guard
	logger zerolog.Logger
}

// NewServer creates the API server and registers its routes
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		router: mux.NewRouter(),
		guard:  newGuard(deps.RateLimit, deps.AccessControl),
		logger: log.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.logRequests)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.Use(s.guardRequests)

	v1.HandleFunc("/commands", s.handleExecute).Methods(http.MethodPost)

	v1.HandleFunc("/sync", s.handleScanSyncRecords).Methods(http.MethodGet)
	v1.HandleFunc("/sync/{entityID}", s.handleGetSyncRecord).Methods(http.MethodGet)
	v1.HandleFunc("/ledger/stats", s.handleLedgerStats).Methods(http.MethodGet)

	v1.HandleFunc("/entities/{entityID}", s.handleGetEntity).Methods(http.MethodGet)
	v1.HandleFunc("/entities/{entityID}/children", s.handleListChildren).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{sessionID}/entities", s.handleListSession).Methods(http.MethodGet)
	v1.HandleFunc("/users/{userID}/entities", s.handleListOwner).Methods(http.MethodGet)

	v1.HandleFunc("/deadletters", s.handleListDeadLetters).Methods(http.MethodGet)
	v1.HandleFunc("/deadletters/{id}/replay", s.handleReplayDeadLetter).Methods(http.MethodPost)

	v1.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	v1.HandleFunc("/reconcile/last", s.handleLastReconcile).Methods(http.MethodGet)

	s.router.HandleFunc("/health", metrics.HealthHandler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", metrics.ReadyHandler()).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the HTTP handler for embedding in other servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx ends, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()
	s.logger.Info().Str("addr", addr).Msg("API listening")

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-serverErr:
		return err
	}
}

// statusRecorder captures the response status for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		event := s.logger.Debug()
		if rec.status >= http.StatusInternalServerError {
			event = s.logger.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
