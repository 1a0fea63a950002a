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

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// SessionLifecycle creates and removes sessions for transport events.
type SessionLifecycle interface {
	Create(ctx context.Context, connectionID, remoteAddr string) (*core.ConnectionSession, error)
	Remove(ctx context.Context, connectionID string) error
}

// FrameDispatcher processes inbound frames and answers failures.
type FrameDispatcher interface {
	Dispatch(ctx context.Context, connectionID string, frame []byte)
	Fail(ctx context.Context, connectionID string, frameType core.FrameType, err error)
}

// Handler is the per-event entry point that entrypoints call into.
type Handler struct {
	sessions   SessionLifecycle
	dispatcher FrameDispatcher
	logger     *slog.Logger
}

func NewHandler(sessions SessionLifecycle, dispatcher FrameDispatcher, logger *slog.Logger) *Handler {
	return &Handler{
		sessions:   sessions,
		dispatcher: dispatcher,
		logger:     logger.With("component", "gateway"),
	}
}

// OnConnect creates the PENDING session. A failure is returned so the
// transport rejects the connection.
func (h *Handler) OnConnect(ctx context.Context, connectionID, remoteAddr string) error {
	if _, err := h.sessions.Create(ctx, connectionID, remoteAddr); err != nil {
		h.logger.Warn("connection rejected", "connection_id", connectionID, "remote_addr", remoteAddr, "error", err)
		return core.Dependency("connect", err)
	}
	h.logger.Info("client connected", "connection_id", connectionID, "remote_addr", remoteAddr)
	return nil
}

// OnDisconnect removes the session. It always succeeds.
func (h *Handler) OnDisconnect(ctx context.Context, connectionID string) {
	if err := h.sessions.Remove(ctx, connectionID); err != nil {
		h.logger.Warn("session cleanup failed", "connection_id", connectionID, "error", err)
	}
	h.logger.Info("client disconnected", "connection_id", connectionID)
}

// OnMessage hands the frame to the dispatcher. A panic is answered with a
// generic internal error.
func (h *Handler) OnMessage(ctx context.Context, connectionID string, frame []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while handling frame",
				"connection_id", connectionID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			h.dispatcher.Fail(ctx, connectionID, "", core.Internal("message", fmt.Errorf("panic: %v", r)))
		}
	}()
	h.dispatcher.Dispatch(ctx, connectionID, frame)
}

// OnRejected answers a frame the transport refused. The reply takes the
// same delivery path as any dispatcher reply.
func (h *Handler) OnRejected(ctx context.Context, connectionID string, err error) {
	h.dispatcher.Fail(ctx, connectionID, "", err)
}

var _ core.EventHandler = (*Handler)(nil)
