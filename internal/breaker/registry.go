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

package breaker

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Key names the breaker for one operation of one service.
func Key(service, operation string) string {
	return service + "/" + operation
}

// Registry owns every breaker of the process, created lazily per key.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	defaults  Config
	overrides map[string]Config
	clock     clock.Clock
	metrics   core.MetricsSink
	logger    *slog.Logger
}

type RegistryOption func(*Registry)

func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

func WithMetrics(m core.MetricsSink) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithOverride sets configuration for a service ("store") or a single
// operation ("store/authenticate"). Operation overrides win.
func WithOverride(key string, cfg Config) RegistryOption {
	return func(r *Registry) { r.overrides[key] = cfg }
}

// NewRegistry builds a registry whose breakers classify errors with
// core.IsDependencyFailure unless defaults says otherwise.
func NewRegistry(defaults Config, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults.Merge(DefaultConfig()),
		overrides: make(map[string]Config),
		clock:     clock.New(),
		logger:    logger.With("component", "breaker"),
	}
	if r.defaults.IsFailure == nil {
		r.defaults.IsFailure = core.IsDependencyFailure
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ConfigFor resolves the configuration a new breaker for the key would get.
func (r *Registry) ConfigFor(service, operation string) Config {
	cfg := r.defaults
	if o, ok := r.overrides[service]; ok {
		cfg = o.Merge(cfg)
	}
	if o, ok := r.overrides[Key(service, operation)]; ok {
		cfg = o.Merge(cfg)
	}
	return cfg
}

// Get returns the breaker for the key, creating it on first use. cfg, when
// non-nil, takes precedence over configured overrides; it is ignored once the
// breaker exists.
func (r *Registry) Get(service, operation string, cfg *Config) *CircuitBreaker {
	key := Key(service, operation)

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	resolved := r.ConfigFor(service, operation)
	if cfg != nil {
		resolved = cfg.Merge(resolved)
	}
	cb := New(key, resolved,
		WithClock(r.clock),
		OnTransition(r.transitioned),
		OnCall(r.called),
	)
	r.breakers[key] = cb
	r.logger.Debug("breaker created",
		"breaker", key,
		"failure_threshold", resolved.FailureThreshold,
		"recovery_timeout", resolved.RecoveryTimeout,
		"minimum_request_count", resolved.MinimumRequestCount,
	)
	return cb
}

func (r *Registry) Execute(ctx context.Context, service, operation string, op Operation, fallback Fallback) error {
	return r.Get(service, operation, nil).Execute(ctx, op, fallback)
}

// Call runs fn through the registry breaker for service/operation.
func Call[T any](ctx context.Context, r *Registry, service, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	return Do(ctx, r.Get(service, operation, nil), fn)
}

func (r *Registry) Stats(service, operation string) (Stats, bool) {
	r.mu.Lock()
	cb, ok := r.breakers[Key(service, operation)]
	r.mu.Unlock()
	if !ok {
		return Stats{}, false
	}
	return cb.Stats(), true
}

// AllStats returns a snapshot of every breaker ordered by key.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	out := make([]Stats, 0, len(list))
	for _, cb := range list {
		out = append(out, cb.Stats())
	}
	slices.SortFunc(out, func(a, b Stats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func (r *Registry) Reset(service, operation string) bool {
	r.mu.Lock()
	cb, ok := r.breakers[Key(service, operation)]
	r.mu.Unlock()
	if !ok {
		return false
	}
	cb.Reset()
	r.logger.Info("breaker reset", "breaker", cb.Name())
	return true
}

func (r *Registry) ResetAll() {
	r.mu.Lock()
	list := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		list = append(list, cb)
	}
	r.mu.Unlock()

	for _, cb := range list {
		cb.Reset()
	}
	r.logger.Info("all breakers reset", "count", len(list))
}

func (r *Registry) transitioned(name string, from, to State) {
	if to == StateOpen {
		r.logger.Warn("breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	} else {
		r.logger.Info("breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	}
	if r.metrics != nil {
		r.metrics.BreakerTransition(name, from.String(), to.String())
	}
}

func (r *Registry) called(name string, outcome Outcome, elapsed time.Duration) {
	if r.metrics != nil {
		r.metrics.BreakerCall(name, string(outcome), elapsed)
	}
}
