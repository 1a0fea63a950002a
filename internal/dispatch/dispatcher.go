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

// Package dispatch enforces the frame protocol: shape validation, the
// authentication gate and the per-type handlers.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/logging"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Policy decides what happens to a connection after an authentication error.
type Policy string

const (
	// PolicyTerminate closes the connection and removes its session.
	PolicyTerminate Policy = "terminate"
	// PolicyReject answers the frame and keeps the connection open.
	PolicyReject Policy = "reject"
)

const DefaultMaxTextLength = 4096

type Config struct {
	Policy        Policy
	MaxTextLength int
}

// SessionStore is the part of the session store the dispatcher needs.
type SessionStore interface {
	Authenticate(ctx context.Context, connectionID, userID string, tokenExpiry time.Time) (*core.ConnectionSession, error)
	IsAuthenticated(ctx context.Context, connectionID string) (bool, error)
	MarkClosed(ctx context.Context, connectionID string) error
	Remove(ctx context.Context, connectionID string) error
}

// Relay hands chat messages to a broker.
type Relay interface {
	Publish(ctx context.Context, source core.FrameType, msg core.RelayMessage) error
}

type Dispatcher struct {
	sessions SessionStore
	verifier core.IdentityVerifier
	delivery core.DeliveryChannel
	breakers *breaker.Registry
	relay    Relay
	cfg      Config
	clock    clock.Clock
	metrics  core.MetricsSink
	frames   *logging.FrameLogger
	logger   *slog.Logger
}

type Option func(*Dispatcher)

func WithRelay(r Relay) Option {
	return func(d *Dispatcher) { d.relay = r }
}

func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithMetrics(m core.MetricsSink) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithFrameLogger(f *logging.FrameLogger) Option {
	return func(d *Dispatcher) { d.frames = f }
}

func New(sessions SessionStore, verifier core.IdentityVerifier, delivery core.DeliveryChannel, breakers *breaker.Registry, cfg Config, logger *slog.Logger, opts ...Option) *Dispatcher {
	if cfg.Policy == "" {
		cfg.Policy = PolicyTerminate
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultMaxTextLength
	}
	d := &Dispatcher{
		sessions: sessions,
		verifier: verifier,
		delivery: delivery,
		breakers: breakers,
		cfg:      cfg,
		clock:    clock.New(),
		logger:   logger.With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch processes one inbound frame. It never fails at the transport
// level: every rejection is answered to the client, and authentication
// errors may additionally close the connection out of band.
func (d *Dispatcher) Dispatch(ctx context.Context, connectionID string, frame []byte) {
	start := d.clock.Now()
	frameType := core.FrameType("unknown")

	err := d.dispatch(ctx, connectionID, frame, &frameType)
	if err != nil {
		d.Fail(ctx, connectionID, frameType, err)
	}

	outcome := "ok"
	if err != nil {
		outcome = core.KindOf(err).String()
	}
	elapsed := d.clock.Since(start)
	if d.metrics != nil {
		d.metrics.FrameDispatched(string(frameType), outcome, elapsed)
	}
	d.frames.Inbound(connectionID, frameType, len(frame), outcome, elapsed)
}

func (d *Dispatcher) dispatch(ctx context.Context, connectionID string, frame []byte, frameType *core.FrameType) error {
	env, err := Parse(frame)
	if err != nil {
		return err
	}
	*frameType = env.Type

	if env.Type == core.FrameAuth {
		return d.handleAuth(ctx, connectionID, env.Data)
	}

	ok, err := d.sessions.IsAuthenticated(ctx, connectionID)
	if err != nil {
		return core.Dependency("session", err)
	}
	if !ok {
		return core.Authentication(core.CodeUnauthenticated, "connection is not authenticated", nil)
	}

	switch env.Type {
	case core.FrameChat:
		return d.handleChat(ctx, connectionID, env.Data)
	case core.FramePing:
		return d.handlePing(ctx, connectionID)
	default:
		return core.Validation("invalid message type")
	}
}

// Fail answers the client for err. The switch covers every error kind;
// authentication errors also tear the connection down under PolicyTerminate.
func (d *Dispatcher) Fail(ctx context.Context, connectionID string, frameType core.FrameType, err error) {
	code, message := core.CodeOf(err), clientMessage(err)

	switch kind := core.KindOf(err); kind {
	case core.KindValidation:
		d.logger.Debug("frame rejected", "connection_id", connectionID, "frame_type", frameType, "reason", message)
		d.send(ctx, connectionID, core.EncodeError(code, message))

	case core.KindAuthentication:
		d.logger.Info("authentication error",
			"connection_id", connectionID,
			"frame_type", frameType,
			"code", code,
			"policy", d.cfg.Policy,
			"error", err,
		)
		if frameType == core.FrameAuth {
			_ = d.reply(ctx, connectionID, core.FrameAuthResponse, core.AuthResponse{Success: false, Code: code, Message: message})
		} else {
			d.send(ctx, connectionID, core.EncodeError(code, message))
		}
		if d.cfg.Policy == PolicyTerminate {
			d.terminate(ctx, connectionID, code)
		}

	case core.KindCircuitOpen, core.KindDependency:
		d.logger.Warn("dependency unavailable",
			"connection_id", connectionID,
			"frame_type", frameType,
			"kind", kind.String(),
			"error", err,
		)
		d.send(ctx, connectionID, core.EncodeError(core.CodeServiceUnavailable, "service temporarily unavailable"))

	case core.KindInternal:
		d.logger.Error("frame processing failed",
			"connection_id", connectionID,
			"frame_type", frameType,
			"error", err,
		)
		d.send(ctx, connectionID, core.EncodeError(core.CodeInternal, "internal server error"))
	}
}

func clientMessage(err error) string {
	var ce *core.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	switch core.KindOf(err) {
	case core.KindCircuitOpen, core.KindDependency:
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, connectionID string, data []byte) error {
	var req core.AuthRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Token == "" {
		return core.Validation("missing token")
	}

	id, err := breaker.Call(ctx, d.breakers, "identity", "verify", func(ctx context.Context) (*core.Identity, error) {
		return d.verifier.Verify(ctx, req.Token)
	})
	if err != nil {
		if errors.Is(err, core.ErrInvalidToken) {
			return core.Authentication(core.CodeAuthFailed, "invalid or expired token", err)
		}
		return core.Dependency("identity", err)
	}

	sess, err := d.sessions.Authenticate(ctx, connectionID, id.Subject, id.ExpiresAt)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrSessionNotFound), errors.Is(err, core.ErrSessionClosed):
			return core.Authentication(core.CodeAuthFailed, "session expired", err)
		case errors.Is(err, core.ErrInvalidToken):
			return core.Authentication(core.CodeAuthFailed, "invalid or expired token", err)
		}
		return core.Dependency("session", err)
	}

	return d.reply(ctx, connectionID, core.FrameAuthResponse, core.AuthResponse{
		Success:   true,
		UserID:    sess.UserID,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (d *Dispatcher) handleChat(ctx context.Context, connectionID string, data []byte) error {
	var req core.ChatRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Text == "" {
		return core.Validation("missing text")
	}
	if len([]rune(req.Text)) > d.cfg.MaxTextLength {
		return core.Validation("message too long")
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	msg := core.RelayMessage{
		MessageID:    uuid.NewString(),
		ConnectionID: connectionID,
		SessionID:    req.SessionID,
		Text:         req.Text,
		Timestamp:    d.clock.Now().UTC(),
	}
	if d.relay != nil {
		if err := d.relay.Publish(ctx, core.FrameChat, msg); err != nil && !errors.Is(err, core.ErrNoRoute) {
			return err
		}
	}

	return d.reply(ctx, connectionID, core.FrameMessageResponse, core.MessageResponse{
		Success:   true,
		MessageID: msg.MessageID,
		SessionID: msg.SessionID,
		Timestamp: msg.Timestamp,
	})
}

func (d *Dispatcher) handlePing(ctx context.Context, connectionID string) error {
	return d.reply(ctx, connectionID, core.FramePong, core.PongResponse{Timestamp: d.clock.Now().UTC()})
}

func decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return core.Validation("invalid message format")
	}
	return nil
}

// reply encodes and sends a success envelope. Delivery failures are only
// logged.
func (d *Dispatcher) reply(ctx context.Context, connectionID string, t core.FrameType, data any) error {
	payload, err := core.Encode(t, data)
	if err != nil {
		return core.Internal("encode", fmt.Errorf("encode %s: %w", t, err))
	}
	d.send(ctx, connectionID, payload)
	return nil
}

func (d *Dispatcher) send(ctx context.Context, connectionID string, payload []byte) {
	err := d.breakers.Execute(ctx, "delivery", "send", func(ctx context.Context) error {
		return d.delivery.Send(ctx, connectionID, payload)
	}, nil)
	if err != nil {
		d.logger.Warn("reply not delivered", "connection_id", connectionID, "error", err)
	}
}

// terminate makes the session terminal, closes the connection and deletes
// the session. Each step is best effort.
func (d *Dispatcher) terminate(ctx context.Context, connectionID, reason string) {
	if err := d.sessions.MarkClosed(ctx, connectionID); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		d.logger.Warn("mark session closed failed", "connection_id", connectionID, "error", err)
	}

	err := d.breakers.Execute(ctx, "delivery", "close", func(ctx context.Context) error {
		return d.delivery.Close(ctx, connectionID, core.ClosePolicyViolation, reason)
	}, nil)
	if err != nil && !errors.Is(err, core.ErrConnectionNotFound) {
		d.logger.Warn("close connection failed", "connection_id", connectionID, "error", err)
	}

	if err := d.sessions.Remove(ctx, connectionID); err != nil {
		d.logger.Warn("remove session failed", "connection_id", connectionID, "error", err)
	}
	d.logger.Info("connection terminated", "connection_id", connectionID, "reason", reason)
}
