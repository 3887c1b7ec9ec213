// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tailscale/tscert"

	"github.com/claudefleet/fleet/internal/api/handlers"
	"github.com/claudefleet/fleet/internal/api/middleware"
	"github.com/claudefleet/fleet/internal/api/version"
	"github.com/claudefleet/fleet/internal/blackboard"
	"github.com/claudefleet/fleet/internal/events"
	"github.com/claudefleet/fleet/internal/worker"
)

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host         string
	Port         int
	TLSCert      string // Path to TLS certificate file
	TLSKey       string // Path to TLS private key file
	TLSTailscale bool   // Use the Tailscale daemon for automatic certificates
	AuthSeed     string // Shared secret gating POST /auth, empty disables it
}

// Dependencies holds all dependencies for API handlers.
type Dependencies struct {
	WorkerManager *worker.Manager
	Blackboard    *blackboard.Blackboard
	EventBus      events.EventBus
}

// NewRouter creates a new API router implementing SPEC_FULL.md §6's
// contract: health, auth, orchestrate, blackboard, events, and metrics.
// There are no UI page routes; dashboard rendering is out of scope.
func NewRouter(cfg ServerConfig, deps Dependencies) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)
	r.Use(middleware.CORS)
	r.Use(version.Middleware)

	r.HandleFunc("/health", handlers.Health).Methods(http.MethodGet)

	tokens := newTokenStore()
	auth := &authHandler{store: tokens, authSeed: cfg.AuthSeed}
	r.HandleFunc("/auth", auth.handle).Methods(http.MethodPost)

	protected := r.PathPrefix("/").Subrouter()
	protected.Use(requireAuth(tokens))

	orchestrateHandler := handlers.NewOrchestrateHandler(deps.WorkerManager)
	protected.HandleFunc("/orchestrate/spawn", orchestrateHandler.Spawn).Methods(http.MethodPost)
	protected.HandleFunc("/orchestrate/dismiss/{handle}", orchestrateHandler.Dismiss).Methods(http.MethodPost)
	protected.HandleFunc("/orchestrate/send/{handle}", orchestrateHandler.Send).Methods(http.MethodPost)
	protected.HandleFunc("/orchestrate/output/{handle}", orchestrateHandler.Output).Methods(http.MethodGet)
	protected.HandleFunc("/orchestrate/workers", orchestrateHandler.List).Methods(http.MethodGet)

	blackboardHandler := handlers.NewBlackboardHandler(deps.Blackboard)
	protected.HandleFunc("/blackboard", blackboardHandler.Post).Methods(http.MethodPost)
	protected.HandleFunc("/blackboard/{swarmId}", blackboardHandler.List).Methods(http.MethodGet)

	eventHandler := handlers.NewEventHandler(deps.EventBus)
	protected.HandleFunc("/events", eventHandler.History).Methods(http.MethodGet)
	protected.HandleFunc("/events/ws", eventHandler.WebSocket).Methods(http.MethodGet)

	if deps.WorkerManager != nil {
		metricsHandler := handlers.NewMetricsHandler(deps.WorkerManager)
		r.Handle("/metrics", metricsHandler).Methods(http.MethodGet)
	}

	return r
}

// Server represents the API server.
type Server struct {
	router *mux.Router
	cfg    ServerConfig
	server *http.Server
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, deps Dependencies) *Server {
	return &Server{
		router: NewRouter(cfg, deps),
		cfg:    cfg,
	}
}

// Router returns the underlying router.
func (s *Server) Router() *mux.Router {
	return s.router
}

// ListenAndServe starts the server. TLS is enabled if a Tailscale
// certificate is requested or a cert/key file pair is configured; files
// that don't exist are an error rather than silently falling back to
// plaintext.
func (s *Server) ListenAndServe() error {
	addr := s.cfg.Host + ":" + strconv.Itoa(s.cfg.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}

	if s.cfg.TLSTailscale {
		s.server.TLSConfig = &tls.Config{GetCertificate: tscert.GetCertificate}
		log.Printf("API server listening on https://%s (tailscale TLS)", addr)
		return s.server.ListenAndServeTLS("", "")
	}

	tlsEnabled, err := CheckTLSConfig(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		return fmt.Errorf("TLS configuration error: %w", err)
	}
	if tlsEnabled {
		certPath := expandPath(s.cfg.TLSCert)
		keyPath := expandPath(s.cfg.TLSKey)
		log.Printf("API server listening on https://%s (TLS enabled)", addr)
		return s.server.ListenAndServeTLS(certPath, keyPath)
	}

	log.Printf("API server listening on http://%s", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	log.Println("Shutting down API server...")

	shutdownCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	return s.server.Shutdown(shutdownCtx)
}
