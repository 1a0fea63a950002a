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

package config

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/routing"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Watcher polls the config file and hot-applies the parts that can change
// at runtime: relay routes and the log level. Everything else needs a
// restart.
type Watcher struct {
	path     string
	table    *routing.Table
	level    *slog.LevelVar
	known    func(relay string) bool
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	lastMod  time.Time
}

type WatcherOption func(*Watcher)

func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.interval = d }
}

func WithWatchClock(c clock.Clock) WatcherOption {
	return func(w *Watcher) { w.clock = c }
}

// WithKnownRelays drops reloaded routes whose target is not a running relay.
func WithKnownRelays(known func(relay string) bool) WatcherOption {
	return func(w *Watcher) { w.known = known }
}

func NewWatcher(path string, table *routing.Table, level *slog.LevelVar, logger *slog.Logger, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		table:    table,
		level:    level,
		interval: 5 * time.Second,
		clock:    clock.New(),
		logger:   logger.With("component", "config_watcher"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	return w
}

func (w *Watcher) Watch(ctx context.Context) error {
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Poll()
		}
	}
}

// Poll reloads the file if it changed since the last successful check and
// reports whether anything was applied. A broken file keeps the previous
// settings.
func (w *Watcher) Poll() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.logger.Warn("config stat failed", "path", w.path, "error", err)
		return false
	}
	if !info.ModTime().After(w.lastMod) {
		return false
	}
	w.lastMod = info.ModTime()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed", "path", w.path, "error", err)
		return false
	}

	routes, _ := cfg.RouteList()
	kept := make([]core.Route, 0, len(routes))
	for _, r := range routes {
		if w.known != nil && !w.known(r.Target) {
			w.logger.Warn("route dropped, relay not running", "source", r.Source, "target", r.Target)
			continue
		}
		kept = append(kept, r)
	}
	w.table.ReplaceAll(kept)

	if w.level != nil {
		if lvl, err := ParseLevel(cfg.Logging.Level); err == nil && lvl != w.level.Level() {
			w.level.Set(lvl)
			w.logger.Info("log level changed", "level", lvl.String())
		}
	}
	w.logger.Info("routes reloaded", "count", len(kept))
	return true
}
