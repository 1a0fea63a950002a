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

// Package breaker guards calls to external dependencies.
//
// A CircuitBreaker is CLOSED while the dependency behaves. It opens once the
// monitoring window holds at least MinimumRequestCount calls and either
// FailureThreshold of them failed or more than half of them failed or were
// slow. While OPEN every call fails fast until RecoveryTimeout has passed;
// the first call after that is a single trial (HALF_OPEN) whose outcome
// closes or reopens the breaker.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is how a single call was accounted.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeSlow     Outcome = "slow"
	OutcomeFailure  Outcome = "failure"
	OutcomeRejected Outcome = "rejected"
)

// Operation is the guarded unit of work.
type Operation func(ctx context.Context) error

// Fallback runs instead of surfacing an error when the breaker rejects the
// call or the operation fails. cause is the rejection or the operation error.
type Fallback func(ctx context.Context, cause error) error

type sample struct {
	at     time.Time
	failed bool
	slow   bool
}

type ticket struct {
	trial      bool
	generation uint64
	start      time.Time
}

type transition struct {
	from, to State
}

type CircuitBreaker struct {
	name         string
	cfg          Config
	clock        clock.Clock
	onTransition func(name string, from, to State)
	onCall       func(name string, outcome Outcome, elapsed time.Duration)

	mu             sync.Mutex
	state          State
	generation     uint64
	failures       int64
	successes      int64
	rejected       int64
	samples        []sample
	trialInFlight  bool
	nextAttemptAt  time.Time
	lastTransition time.Time
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
}

type Option func(*CircuitBreaker)

func WithClock(c clock.Clock) Option {
	return func(cb *CircuitBreaker) { cb.clock = c }
}

// OnTransition registers a hook called after every state change, outside
// the breaker lock.
func OnTransition(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

func OnCall(fn func(name string, outcome Outcome, elapsed time.Duration)) Option {
	return func(cb *CircuitBreaker) { cb.onCall = fn }
}

func New(name string, cfg Config, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:  name,
		cfg:   cfg.Merge(DefaultConfig()),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	cb.lastTransition = cb.clock.Now()
	return cb
}

func (cb *CircuitBreaker) Name() string   { return cb.name }
func (cb *CircuitBreaker) Config() Config { return cb.cfg }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs op unless the breaker is open. The operation runs to
// completion and is accounted even when ctx is cancelled first; in that case
// Execute returns the context error without waiting.
//
// Errors that the breaker's classifier does not count as failures are
// returned as-is and never handed to fallback.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Fallback) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("breaker %s: %w", cb.name, err)
	}

	t, err := cb.admit()
	if err != nil {
		cb.reportCall(OutcomeRejected, 0)
		if fallback != nil {
			return fallback(ctx, err)
		}
		return err
	}

	done := make(chan error, 1)
	go func() {
		opErr := cb.invoke(context.WithoutCancel(ctx), op)
		cb.record(t, opErr)
		done <- opErr
	}()

	var opErr error
	select {
	case opErr = <-done:
	case <-ctx.Done():
		return fmt.Errorf("breaker %s: %w", cb.name, ctx.Err())
	}

	if opErr != nil && fallback != nil && cb.cfg.isFailure(opErr) {
		return fallback(ctx, opErr)
	}
	return opErr
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := cb.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, nil)
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

func (cb *CircuitBreaker) invoke(ctx context.Context, op Operation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("breaker %s: operation panicked: %v", cb.name, r)
		}
	}()
	if cb.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = cb.clock.WithTimeout(ctx, cb.cfg.CallTimeout)
		defer cancel()
	}
	return op(ctx)
}

func (cb *CircuitBreaker) admit() (ticket, error) {
	cb.mu.Lock()
	now := cb.clock.Now()
	t := ticket{generation: cb.generation, start: now}
	var tr *transition

	switch cb.state {
	case StateOpen:
		if now.Before(cb.nextAttemptAt) {
			cb.rejected++
			err := cb.openError()
			cb.mu.Unlock()
			return t, err
		}
		tr = cb.setState(StateHalfOpen, now)
		cb.trialInFlight = true
		t.trial = true
	case StateHalfOpen:
		if cb.trialInFlight {
			cb.rejected++
			err := cb.openError()
			cb.mu.Unlock()
			return t, err
		}
		cb.trialInFlight = true
		t.trial = true
	}

	cb.mu.Unlock()
	cb.notify(tr)
	return t, nil
}

// record accounts a finished call. Calls admitted before the last reset
// belong to a previous generation and only reach the hooks.
func (cb *CircuitBreaker) record(t ticket, err error) {
	cb.mu.Lock()
	now := cb.clock.Now()
	elapsed := now.Sub(t.start)
	failed := cb.cfg.isFailure(err)
	slow := !failed && cb.cfg.ExpectedResponseTime > 0 && elapsed > cb.cfg.ExpectedResponseTime

	outcome := OutcomeSuccess
	switch {
	case failed:
		outcome = OutcomeFailure
	case slow:
		outcome = OutcomeSlow
	}

	if t.generation != cb.generation {
		cb.mu.Unlock()
		cb.reportCall(outcome, elapsed)
		return
	}

	if failed {
		cb.failures++
		cb.lastFailureAt = now
	} else {
		cb.successes++
		cb.lastSuccessAt = now
	}
	cb.prune(now)
	cb.samples = append(cb.samples, sample{at: now, failed: failed, slow: slow})

	var tr *transition
	switch {
	case t.trial && cb.state == StateHalfOpen:
		cb.trialInFlight = false
		if failed {
			tr = cb.setState(StateOpen, now)
		} else {
			tr = cb.setState(StateClosed, now)
		}
	case cb.state == StateClosed && (failed || slow) && cb.shouldTrip():
		tr = cb.setState(StateOpen, now)
	}
	cb.mu.Unlock()

	cb.reportCall(outcome, elapsed)
	cb.notify(tr)
}

func (cb *CircuitBreaker) shouldTrip() bool {
	n := len(cb.samples)
	if n < cb.cfg.MinimumRequestCount {
		return false
	}
	failures, slow := cb.windowCounts()
	if failures >= cb.cfg.FailureThreshold {
		return true
	}
	return float64(failures+slow)/float64(n) > FailureRateThreshold
}

func (cb *CircuitBreaker) windowCounts() (failures, slow int) {
	for _, s := range cb.samples {
		switch {
		case s.failed:
			failures++
		case s.slow:
			slow++
		}
	}
	return failures, slow
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.cfg.MonitoringWindow)
	i := 0
	for i < len(cb.samples) && cb.samples[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		cb.samples = append(cb.samples[:0], cb.samples[i:]...)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State, now time.Time) *transition {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.lastTransition = now
	switch to {
	case StateOpen:
		cb.nextAttemptAt = now.Add(cb.cfg.RecoveryTimeout)
	case StateClosed:
		cb.clearLocked()
	}
	return &transition{from: from, to: to}
}

func (cb *CircuitBreaker) clearLocked() {
	cb.generation++
	cb.failures = 0
	cb.successes = 0
	cb.samples = nil
	cb.trialInFlight = false
	cb.nextAttemptAt = time.Time{}
}

func (cb *CircuitBreaker) openError() error {
	if cb.state == StateHalfOpen {
		return fmt.Errorf("%w: breaker=%s state=%s", core.ErrCircuitOpen, cb.name, cb.state)
	}
	return fmt.Errorf("%w: breaker=%s retry_at=%s", core.ErrCircuitOpen, cb.name, cb.nextAttemptAt.Format(time.RFC3339Nano))
}

// Reset closes the breaker and discards all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	now := cb.clock.Now()
	tr := cb.setState(StateClosed, now)
	if tr == nil {
		cb.clearLocked()
	}
	cb.rejected = 0
	cb.lastFailureAt = time.Time{}
	cb.lastSuccessAt = time.Time{}
	cb.mu.Unlock()
	cb.notify(tr)
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr != nil && cb.onTransition != nil {
		cb.onTransition(cb.name, tr.from, tr.to)
	}
}

func (cb *CircuitBreaker) reportCall(outcome Outcome, elapsed time.Duration) {
	if cb.onCall != nil {
		cb.onCall(cb.name, outcome, elapsed)
	}
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           State     `json:"state"`
	FailureCount    int64     `json:"failure_count"`
	SuccessCount    int64     `json:"success_count"`
	RejectedCount   int64     `json:"rejected_count"`
	WindowRequests  int       `json:"window_requests"`
	WindowFailures  int       `json:"window_failures"`
	WindowSlowCalls int       `json:"window_slow_calls"`
	FailureRate     float64   `json:"failure_rate"`
	SlowCallRate    float64   `json:"slow_call_rate"`
	LastStateChange time.Time `json:"last_state_change"`
	LastFailureAt   time.Time `json:"last_failure_at,omitzero"`
	LastSuccessAt   time.Time `json:"last_success_at,omitzero"`
	NextAttemptAt   time.Time `json:"next_attempt_at,omitzero"`
}

func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.prune(cb.clock.Now())

	failures, slow := cb.windowCounts()
	n := len(cb.samples)
	st := Stats{
		Name:            cb.name,
		State:           cb.state,
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		RejectedCount:   cb.rejected,
		WindowRequests:  n,
		WindowFailures:  failures,
		WindowSlowCalls: slow,
		LastStateChange: cb.lastTransition,
		LastFailureAt:   cb.lastFailureAt,
		LastSuccessAt:   cb.lastSuccessAt,
		NextAttemptAt:   cb.nextAttemptAt,
	}
	if n > 0 {
		st.FailureRate = float64(failures) / float64(n)
		st.SlowCallRate = float64(slow) / float64(n)
	}
	return st
}
