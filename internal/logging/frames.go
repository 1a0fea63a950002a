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

package logging

import (
	"context"
	"log/slog"
	"time"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// FrameLogger traces individual frames at debug level. A nil FrameLogger
// is valid and logs nothing.
type FrameLogger struct {
	logger *slog.Logger
}

func NewFrameLogger(logger *slog.Logger) *FrameLogger {
	return &FrameLogger{logger: logger.With("component", "frames")}
}

func (f *FrameLogger) enabled() bool {
	return f != nil && f.logger.Enabled(context.Background(), slog.LevelDebug)
}

// Inbound records a frame read from a client.
func (f *FrameLogger) Inbound(connectionID string, frameType core.FrameType, size int, outcome string, elapsed time.Duration) {
	if !f.enabled() {
		return
	}
	f.logger.Debug("frame",
		"direction", "inbound",
		"connection_id", connectionID,
		"frame_type", frameType,
		"payload_size", size,
		"outcome", outcome,
		"elapsed", elapsed,
	)
}

// Outbound records a frame written to a client.
func (f *FrameLogger) Outbound(connectionID string, size int, err error) {
	if !f.enabled() {
		return
	}
	attrs := []any{
		"direction", "outbound",
		"connection_id", connectionID,
		"payload_size", size,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	f.logger.Debug("frame", attrs...)
}

// Relayed records a chat message handed to a broker.
func (f *FrameLogger) Relayed(msg core.RelayMessage, route core.Route, err error) {
	if !f.enabled() {
		return
	}
	attrs := []any{
		"direction", "relay",
		"message_id", msg.MessageID,
		"connection_id", msg.ConnectionID,
		"route_source", route.Source,
		"route_target", route.Target,
		"delivery", route.DeliveryGuarantee.String(),
		"payload_size", len(msg.Text),
		"timestamp", msg.Timestamp,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	f.logger.Debug("frame", attrs...)
}
