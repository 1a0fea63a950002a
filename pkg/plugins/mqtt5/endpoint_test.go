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

package mqtt5

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

func newEndpoint(broker, topic string) *Endpoint {
	return New("mqtt5-edge", broker, topic, 1, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishBeforeConnect(t *testing.T) {
	e := newEndpoint("mqtt://localhost:1883", "chat/messages")
	assert.Equal(t, "mqtt5", e.Type())
	assert.ErrorIs(t, e.Publish(context.Background(), core.RelayMessage{}), core.ErrEndpointUnavailable)
	assert.NoError(t, e.Disconnect(context.Background()))
}

func TestConnectRejectsBadConfig(t *testing.T) {
	assert.ErrorContains(t, newEndpoint("mqtt://localhost:1883", "").Connect(context.Background()), "topic is required")
	assert.ErrorContains(t, newEndpoint("://bad", "chat").Connect(context.Background()), "invalid URL")
}

func TestQoSIsClamped(t *testing.T) {
	assert.Equal(t, byte(1), New("m", "mqtt://x", "t", 7, slog.New(slog.NewTextHandler(io.Discard, nil))).qos)
}
