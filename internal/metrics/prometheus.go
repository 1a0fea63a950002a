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

// Package metrics exports relay observations to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

const namespace = "chat_relay"

// Prometheus is a core.MetricsSink backed by its own registry.
type Prometheus struct {
	registry *prometheus.Registry

	breakerState       *prometheus.GaugeVec     // by breaker; 0=closed 1=open 2=half_open
	breakerTransitions *prometheus.CounterVec   // by breaker, from, to
	breakerCalls       *prometheus.CounterVec   // by breaker, outcome
	breakerDuration    *prometheus.HistogramVec // by breaker
	frames             *prometheus.CounterVec   // by frame_type, outcome
	frameDuration      *prometheus.HistogramVec // by frame_type
	sessionEvents      *prometheus.CounterVec   // by event
}

func NewPrometheus() *Prometheus {
	m := &Prometheus{
		registry: prometheus.NewRegistry(),

		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		}, []string{"breaker"}),

		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		}, []string{"breaker", "from", "to"}),

		breakerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "calls_total",
			Help:      "Total number of calls through a circuit breaker",
		}, []string{"breaker", "outcome"}), // outcome: success, slow, failure, rejected

		breakerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "call_duration_seconds",
			Help:      "Duration of calls through a circuit breaker in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}, []string{"breaker"}),

		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_total",
			Help:      "Total number of inbound frames by type and outcome",
		}, []string{"frame_type", "outcome"}),

		frameDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frame_duration_seconds",
			Help:      "Inbound frame processing duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"frame_type"}),

		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of session lifecycle events",
		}, []string{"event"}),
	}

	m.registry.MustRegister(
		m.breakerState,
		m.breakerTransitions,
		m.breakerCalls,
		m.breakerDuration,
		m.frames,
		m.frameDuration,
		m.sessionEvents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for extra collectors.
func (m *Prometheus) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Prometheus) BreakerTransition(breaker, from, to string) {
	m.breakerTransitions.WithLabelValues(breaker, from, to).Inc()
	m.breakerState.WithLabelValues(breaker).Set(stateValue(to))
}

func (m *Prometheus) BreakerCall(breaker, outcome string, elapsed time.Duration) {
	m.breakerCalls.WithLabelValues(breaker, outcome).Inc()
	if outcome != "rejected" {
		m.breakerDuration.WithLabelValues(breaker).Observe(elapsed.Seconds())
	}
}

func (m *Prometheus) FrameDispatched(frameType, outcome string, elapsed time.Duration) {
	m.frames.WithLabelValues(frameType, outcome).Inc()
	m.frameDuration.WithLabelValues(frameType).Observe(elapsed.Seconds())
}

func (m *Prometheus) SessionEvent(event string) {
	m.sessionEvents.WithLabelValues(event).Inc()
}

func stateValue(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

// Nop discards every observation.
type Nop struct{}

func (Nop) BreakerTransition(string, string, string)      {}
func (Nop) BreakerCall(string, string, time.Duration)     {}
func (Nop) FrameDispatched(string, string, time.Duration) {}
func (Nop) SessionEvent(string)                           {}

var (
	_ core.MetricsSink = (*Prometheus)(nil)
	_ core.MetricsSink = Nop{}
)
