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
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Endpoint publishes chat messages over MQTT v5 with an auto-reconnecting
// connection.
type Endpoint struct {
	name      string
	brokerURL string
	topic     string
	qos       byte
	cm        *autopaho.ConnectionManager
	logger    *slog.Logger
	mu        sync.RWMutex
}

func New(name, brokerURL, topic string, qos byte, logger *slog.Logger) *Endpoint {
	if qos > 2 {
		qos = 1
	}
	return &Endpoint{
		name:      name,
		brokerURL: brokerURL,
		topic:     topic,
		qos:       qos,
		logger:    logger.With("component", "relay", "relay", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "mqtt5" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.topic == "" {
		return fmt.Errorf("mqtt5 %s: topic is required", e.name)
	}
	serverURL, err := url.Parse(e.brokerURL)
	if err != nil {
		return fmt.Errorf("mqtt5 invalid URL: %w", err)
	}

	cfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{serverURL},
		KeepAlive:                     30,
		CleanStartOnInitialConnection: true,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(*autopaho.ConnectionManager, *paho.Connack) {
			e.logger.Info("mqtt5 connection up")
		},
		OnConnectError: func(err error) {
			e.logger.Warn("mqtt5 connect attempt failed", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "chat-relay-" + e.name + "-" + uuid.NewString()[:8],
		},
	}

	cm, err := autopaho.NewConnection(ctx, cfg)
	if err != nil {
		return fmt.Errorf("mqtt5 connection: %w", err)
	}
	if err := cm.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("mqtt5 await connection: %w", err)
	}

	e.mu.Lock()
	e.cm = cm
	e.mu.Unlock()
	e.logger.Info("mqtt5 relay connected", "broker", e.brokerURL, "topic", e.topic)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	cm := e.cm
	e.cm = nil
	e.mu.Unlock()
	if cm == nil {
		return nil
	}
	return cm.Disconnect(ctx)
}

func (e *Endpoint) Publish(ctx context.Context, msg core.RelayMessage) error {
	e.mu.RLock()
	cm := e.cm
	e.mu.RUnlock()
	if cm == nil {
		return fmt.Errorf("%w: relay=%s", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("mqtt5 encode: %w", err)
	}
	_, err = cm.Publish(ctx, &paho.Publish{
		Topic:   e.topic,
		QoS:     e.qos,
		Payload: payload,
		Properties: &paho.PublishProperties{
			ContentType: "application/json",
			User: paho.UserProperties{
				{Key: "message_id", Value: msg.MessageID},
				{Key: "session_id", Value: msg.SessionID},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("mqtt5 publish: %w", err)
	}
	return nil
}
