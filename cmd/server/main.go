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

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/admin"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/dispatch"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/gateway"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/identity"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/logging"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/metrics"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/routing"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/session"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/config"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/ws"
	"golang.org/x/sync/errgroup"
)

func main() {
	configFlag := pflag.StringP("config", "c", "", "config file (defaults to $CONFIG_PATH, then "+config.DefaultPath+")")
	pflag.Parse()

	path := config.ResolvePath(*configFlag)
	if err := run(path); err != nil {
		slog.Error("chat relay failed", "config", path, "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level := new(slog.LevelVar)
	lvl, _ := config.ParseLevel(cfg.Logging.Level)
	level.Set(lvl)
	logger := newLogger(os.Stdout, cfg.Logging.Format, level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prom := metrics.NewPrometheus()
	breakers := breaker.NewRegistry(cfg.Breakers.Defaults.ToBreaker(), logger,
		append(cfg.BreakerOverrides(), breaker.WithMetrics(prom))...)

	backend, err := session.NewBackend(ctx, session.BackendType(cfg.Session.Store), cfg.Session.Redis)
	if err != nil {
		return fmt.Errorf("session backend: %w", err)
	}
	defer backend.Close()
	store := session.NewStore(backend, breakers, cfg.TTLs(), logger, session.WithMetrics(prom))

	verifier, err := identity.NewJWTVerifier(cfg.Auth.JWT)
	if err != nil {
		return fmt.Errorf("identity verifier: %w", err)
	}

	frames := logging.NewFrameLogger(logger)
	registry := plugins.NewRegistry(logger)
	registerRelays(cfg, registry, logger)
	connected := registry.ConnectRelays(ctx)
	logger.Info("relays connected", "connected", connected, "total", len(registry.Relays()))

	routes, err := cfg.RouteList()
	if err != nil {
		return err
	}
	table := routing.NewTable(routes...)
	router := routing.NewRouter(table, registry, breakers, frames, logger)

	entrypoint := ws.New("websocket", wsConfig(cfg.Server), logger, frames)
	registry.RegisterEntrypoint(entrypoint)

	dispatcher := dispatch.New(store, verifier, entrypoint, breakers, cfg.Dispatch(), logger,
		dispatch.WithRelay(router),
		dispatch.WithMetrics(prom),
		dispatch.WithFrameLogger(frames),
	)
	handler := gateway.NewHandler(store, dispatcher, logger)

	adminOpts := []admin.Option{
		admin.WithMetrics(prom.Handler()),
		admin.WithConnections(entrypoint),
		admin.WithRelayHealth(registry),
	}
	if cfg.Server.AdminToken != "" {
		adminOpts = append(adminOpts, admin.WithAuth(admin.RequireToken(cfg.Server.AdminToken)))
	} else if cfg.Server.AdminPort > 0 && cfg.Server.AdminExposed() {
		logger.Warn("admin server is reachable beyond loopback without a token",
			"admin_addr", cfg.Server.AdminAddr())
	}
	adminHandler := admin.NewHandler(breakers, store, logger, adminOpts...)
	watcher := config.NewWatcher(configPath, table, level, logger, config.WithKnownRelays(registry.HasRelay))
	cleanup := session.NewCleanupWorker(store, cfg.Session.CleanupInterval, nil, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return registry.StartEntrypoints(gctx, handler) })
	if cfg.Server.AdminPort > 0 {
		g.Go(func() error {
			return adminHandler.ListenAndServe(gctx, cfg.Server.AdminAddr(), cfg.Server.ShutdownTimeout)
		})
	}
	g.Go(func() error { return watcher.Watch(gctx) })
	g.Go(func() error { return cleanup.Run(gctx) })

	logger.Info("chat relay started",
		"config", configPath,
		"port", cfg.Server.Port,
		"admin_addr", cfg.Server.AdminAddr(),
		"session_store", cfg.Session.Store,
		"routes", table.Len(),
	)
	runErr := g.Wait()

	logger.Info("shutting down chat relay")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("chat relay stopped")
	return runErr
}

func newLogger(w io.Writer, format string, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func wsConfig(s config.ServerConfig) ws.Config {
	return ws.Config{
		Port:            s.Port,
		Path:            s.Path,
		ReadLimit:       s.ReadLimit,
		WriteTimeout:    s.WriteTimeout,
		PingInterval:    s.PingInterval,
		SendBuffer:      s.SendBuffer,
		RateLimit:       s.RateLimit,
		RateBurst:       s.RateBurst,
		AllowedOrigins:  s.AllowedOrigins,
		ShutdownTimeout: s.ShutdownTimeout,
	}
}
