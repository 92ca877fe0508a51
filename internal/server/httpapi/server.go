// Package httpapi exposes the sync service over a JSON HTTP API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpipe/syncengine/internal/service"
)

// Server wraps the HTTP listener and routing for the sync API.
type Server struct {
	svc  *service.SyncService
	log  *zap.Logger
	http *http.Server
}

// NewServer builds the server with routes and middleware attached.
func NewServer(addr string, svc *service.SyncService, log *zap.Logger) *Server {
	s := &Server{svc: svc, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sync/items", s.handleCreateItem)
	mux.HandleFunc("GET /v1/sync/items", s.handleListItems)
	mux.HandleFunc("POST /v1/sync/items/{id}/retry", s.handleRetryItem)
	mux.HandleFunc("GET /v1/sync/conflicts", s.handleListConflicts)
	mux.HandleFunc("POST /v1/sync/conflicts/{id}/resolve", s.handleResolveConflict)
	mux.HandleFunc("POST /v1/sync/full", s.handleFullSync)
	mux.HandleFunc("GET /v1/sync/status", s.handleStatus)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.recoverMW(s.loggingMW(mux)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler returns the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
