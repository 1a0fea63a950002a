// Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
//
// WSO2 LLC. licenses this file to you under the Apache License,
// Version 2.0 (the "License"); you may not use this file except
// in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied. See the License for the
// specific language governing permissions and limitations
// under the License.

// Package admin serves the operator endpoints: health, readiness, metrics,
// breaker inspection and session lookup.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type SessionReader interface {
	Get(ctx context.Context, connectionID string) (*core.ConnectionSession, error)
	Ping(ctx context.Context) error
}

type ConnectionCounter interface {
	ActiveConnections() int
}

type RelayHealth interface {
	Health() map[string]bool
}

type Handler struct {
	mux      *http.ServeMux
	breakers *breaker.Registry
	sessions SessionReader
	metrics  http.Handler
	conns    ConnectionCounter
	relays   RelayHealth
	auth     func(http.Handler) http.Handler
	logger   *slog.Logger
}

type Option func(*Handler)

func WithMetrics(h http.Handler) Option {
	return func(a *Handler) { a.metrics = h }
}

func WithConnections(c ConnectionCounter) Option {
	return func(a *Handler) { a.conns = c }
}

func WithRelayHealth(r RelayHealth) Option {
	return func(a *Handler) { a.relays = r }
}

// WithAuth wraps every route in middleware, typically RequireToken.
func WithAuth(mw func(http.Handler) http.Handler) Option {
	return func(a *Handler) { a.auth = mw }
}

func NewHandler(breakers *breaker.Registry, sessions SessionReader, logger *slog.Logger, opts ...Option) *Handler {
	h := &Handler{
		mux:      http.NewServeMux(),
		breakers: breakers,
		sessions: sessions,
		logger:   logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		h.auth(h.mux).ServeHTTP(w, r)
		return
	}
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /healthz", h.healthz)
	h.mux.HandleFunc("GET /readyz", h.readyz)
	h.mux.HandleFunc("GET /breakers", h.listBreakers)
	h.mux.HandleFunc("POST /breakers/reset", h.resetBreakers)
	h.mux.HandleFunc("GET /sessions/{id}", h.getSession)
	if h.metrics != nil {
		h.mux.Handle("GET /metrics", h.metrics)
	}
}

// ListenAndServe serves on addr until ctx is cancelled.
func (h *Handler) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h.logger.Info("admin server starting", "addr", addr, "auth", h.auth != nil)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status            string          `json:"status"`
	ActiveConnections int             `json:"active_connections"`
	Relays            map[string]bool `json:"relays,omitempty"`
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if h.conns != nil {
		resp.ActiveConnections = h.conns.ActiveConnections()
	}
	if h.relays != nil {
		resp.Relays = h.relays.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.sessions.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.breakers.AllStats())
}

// resetBreakers resets one breaker when service is given, otherwise all.
func (h *Handler) resetBreakers(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	operation := r.URL.Query().Get("operation")
	if service == "" {
		h.breakers.ResetAll()
		writeJSON(w, http.StatusOK, map[string]string{"reset": "all"})
		return
	}
	if operation == "" {
		writeError(w, http.StatusBadRequest, "operation is required with service")
		return
	}
	if !h.breakers.Reset(service, operation) {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"reset": breaker.Key(service, operation)})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := h.sessions.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, sess)
	case errors.Is(err, core.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	default:
		h.logger.Error("session lookup failed", "connection_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
