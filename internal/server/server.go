// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/jeranaias/rigrun-chatsync/internal/model"
	"github.com/jeranaias/rigrun-chatsync/internal/persistence"
	"github.com/jeranaias/rigrun-chatsync/internal/storage"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = "127.0.0.1:8788"

	// MaxRequestBodySize caps request bodies (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// DefaultSessionListLimit bounds GET /v1/sessions.
	DefaultSessionListLimit = 50

	// Version is the API version reported by /health.
	Version = "0.3.0"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds server settings. Zero fields take defaults.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit is sustained requests per second per client IP; negative
	// disables limiting.
	RateLimit float64
	Burst     int
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         DefaultAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		RateLimit:    20,
		Burst:        40,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = d.RateLimit
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	return c
}

// ============================================================================
// STATS
// ============================================================================

// Stats counts API traffic since start.
type Stats struct {
	StartTime        time.Time
	SessionsCreated  atomic.Int64
	MessagesCreated  atomic.Int64
	MetadataPatches  atomic.Int64
	NotFoundReplies  atomic.Int64
	ValidationErrors atomic.Int64
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the message API server.
type Server struct {
	cfg     Config
	repo    *storage.Repository
	remote  persistence.Remote
	mux     *http.ServeMux
	limiter *RateLimiter
	logger  *slog.Logger
	stats   *Stats
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a server backed by repo.
func NewServer(repo *storage.Repository, cfg Config, opts ...Option) *Server {
	cfg = cfg.withDefaults()
	s := &Server{
		cfg:    cfg,
		repo:   repo,
		remote: storage.NewLocalRemote(repo),
		mux:    http.NewServeMux(),
		logger: slog.Default(),
		stats:  &Stats{StartTime: time.Now()},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.limiter = NewRateLimiter(cfg.RateLimit, cfg.Burst)
	s.setupRoutes()
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.WriteTimeout,
	}
	return s
}

// Stats returns the live counters.
func (s *Server) Stats() *Stats {
	return s.stats
}

// SetRateLimit adjusts the per-IP budget while serving.
func (s *Server) SetRateLimit(perSecond float64, burst int) {
	s.limiter.SetLimits(perSecond, burst)
	s.logger.Info("rate limit updated", "per_second", perSecond, "burst", burst)
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /v1/sessions/{sid}/messages", s.handleCreateMessage)
	s.mux.HandleFunc("GET /v1/sessions/{sid}/messages", s.handleListMessages)
	s.mux.HandleFunc("PATCH /v1/sessions/{sid}/messages/{mid}/metadata", s.handlePatchMetadata)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// Handler returns the routed handler wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Chain(
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.logger),
		RateLimitMiddleware(s.limiter, s.logger),
	)(s.mux)
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.remote.CreateSession(r.Context())
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.stats.SessionsCreated.Add(1)
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := DefaultSessionListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.stats.ValidationErrors.Add(1)
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := s.repo.ListSessions(r.Context(), limit)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []storage.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req persistence.CreateMessageRequest
	if !s.decode(w, r, &req) {
		return
	}

	draft := model.Draft{
		Role:      model.Role(req.Role),
		Content:   req.Content,
		ModelUsed: req.ModelUsed,
		Metadata:  req.Metadata,
	}
	if err := draft.Validate(); err != nil {
		s.stats.ValidationErrors.Add(1)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.remote.CreateMessage(r.Context(), r.PathValue("sid"), req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.stats.MessagesCreated.Add(1)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.remote.ListMessages(r.Context(), r.PathValue("sid"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []persistence.RemoteMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handlePatchMetadata(w http.ResponseWriter, r *http.Request) {
	var req persistence.PatchMetadataRequest
	if !s.decode(w, r, &req) {
		return
	}
	if _, err := model.ParseMergeStrategy(req.MergeStrategy); err != nil {
		s.stats.ValidationErrors.Add(1)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := s.remote.PatchMetadata(r.Context(), r.PathValue("sid"), r.PathValue("mid"), req)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.stats.MetadataPatches.Add(1)
	writeJSON(w, http.StatusOK, msg)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	Database        string `json:"database"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	SessionsCreated int64  `json:"sessions_created"`
	MessagesCreated int64  `json:"messages_created"`
	MetadataPatches int64  `json:"metadata_patches"`
	NotFoundReplies int64  `json:"not_found_replies"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:          "ok",
		Version:         Version,
		Database:        "ok",
		UptimeSeconds:   int64(time.Since(s.stats.StartTime).Seconds()),
		SessionsCreated: s.stats.SessionsCreated.Load(),
		MessagesCreated: s.stats.MessagesCreated.Load(),
		MetadataPatches: s.stats.MetadataPatches.Load(),
		NotFoundReplies: s.stats.NotFoundReplies.Load(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := http.StatusOK
	if err := s.repo.Ping(ctx); err != nil {
		s.logger.Warn("health check failed", "error", err)
		health.Status = "degraded"
		health.Database = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", "addr", s.cfg.Addr, "version", Version)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down",
		"sessions_created", s.stats.SessionsCreated.Load(),
		"messages_created", s.stats.MessagesCreated.Load(),
	)
	return s.server.Shutdown(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// writeStoreError maps a storage error onto a status code. Both missing
// sessions and missing messages are 404; the body code tells them apart.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var se *storage.StoreError
	if !errors.As(err, &se) {
		s.logger.Error("store operation failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	switch se.Code {
	case storage.CodeSessionNotFound, storage.CodeMessageNotFound:
		s.stats.NotFoundReplies.Add(1)
		writeCodedError(w, http.StatusNotFound, se.Code, err.Error())
	case storage.CodeInvalidMessage:
		s.stats.ValidationErrors.Add(1)
		writeCodedError(w, http.StatusBadRequest, se.Code, err.Error())
	default:
		s.logger.Error("store operation failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// decode reads a JSON body into v, writing a 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.stats.ValidationErrors.Add(1)
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
