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

package plugins

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
	"golang.org/x/sync/errgroup"
)

// Registry owns the entrypoints that accept clients and the relay endpoints
// chat messages are published to.
type Registry struct {
	entrypoints map[string]core.Entrypoint
	relays      map[string]core.RelayEndpoint
	healthy     map[string]bool
	logger      *slog.Logger
	mu          sync.RWMutex
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		entrypoints: make(map[string]core.Entrypoint),
		relays:      make(map[string]core.RelayEndpoint),
		healthy:     make(map[string]bool),
		logger:      logger.With("component", "plugins"),
	}
}

func (r *Registry) RegisterEntrypoint(e core.Entrypoint) {
	r.mu.Lock()
	r.entrypoints[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered entrypoint", "name", e.Name(), "type", e.Type())
}

func (r *Registry) RegisterRelay(e core.RelayEndpoint) {
	r.mu.Lock()
	r.relays[e.Name()] = e
	r.mu.Unlock()
	r.logger.Info("registered relay", "name", e.Name(), "type", e.Type())
}

// Endpoint looks up a relay by name.
func (r *Registry) Endpoint(name string) (core.RelayEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.relays[name]
	return ep, ok
}

// HasRelay reports whether name is registered.
func (r *Registry) HasRelay(name string) bool {
	_, ok := r.Endpoint(name)
	return ok
}

// Relays returns the registered relay names, sorted.
func (r *Registry) Relays() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.relays))
}

// ConnectRelays connects every relay and records its health. A relay that
// fails to connect stays registered; publishing to it fails until a later
// ConnectRelays succeeds.
func (r *Registry) ConnectRelays(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	connected := 0
	for name, ep := range r.relays {
		if err := ep.Connect(ctx); err != nil {
			r.logger.Error("relay connect failed", "name", name, "error", err)
			r.healthy[name] = false
			continue
		}
		r.healthy[name] = true
		connected++
	}
	return connected
}

func (r *Registry) IsHealthy(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[name]
}

// Health returns a snapshot of relay health keyed by name.
func (r *Registry) Health() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]bool, len(r.relays))
	for name := range r.relays {
		out[name] = r.healthy[name]
	}
	return out
}

// StartEntrypoints runs every entrypoint until ctx is cancelled or one of
// them fails, in which case the rest are cancelled too.
func (r *Registry) StartEntrypoints(ctx context.Context, handler core.EventHandler) error {
	r.mu.RLock()
	eps := slices.Collect(maps.Values(r.entrypoints))
	r.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range eps {
		g.Go(func() error {
			if err := ep.Start(gctx, handler); err != nil {
				r.logger.Error("entrypoint failed", "name", ep.Name(), "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// StopAll stops entrypoints first so no new frames arrive, then disconnects
// relays.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for name, ep := range r.entrypoints {
		r.logger.Info("stopping entrypoint", "name", name)
		if err := ep.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for name, ep := range r.relays {
		r.logger.Info("stopping relay", "name", name)
		if err := ep.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
