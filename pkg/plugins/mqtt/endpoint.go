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

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Endpoint publishes chat messages over MQTT 3.1.1 for brokers without v5
// support.
type Endpoint struct {
	name   string
	broker string
	topic  string
	qos    byte
	client mqtt.Client
	logger *slog.Logger
	mu     sync.RWMutex
}

func New(name, broker, topic string, qos byte, logger *slog.Logger) *Endpoint {
	if qos > 2 {
		qos = 1
	}
	return &Endpoint{
		name:   name,
		broker: broker,
		topic:  topic,
		qos:    qos,
		logger: logger.With("component", "relay", "relay", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "mqtt" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.broker == "" || e.topic == "" {
		return fmt.Errorf("mqtt %s: broker and topic are required", e.name)
	}
	opts := mqtt.NewClientOptions().
		AddBroker(e.broker).
		SetClientID("chat-relay-" + e.name + "-" + uuid.NewString()[:8]).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetOnConnectHandler(func(mqtt.Client) {
			e.logger.Info("mqtt connection up")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			e.logger.Warn("mqtt connection lost", "error", err)
		})

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	e.logger.Info("mqtt relay connected", "broker", e.broker, "topic", e.topic)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	client := e.client
	e.client = nil
	e.mu.Unlock()
	if client != nil {
		client.Disconnect(250)
	}
	return nil
}

// Publish waits for the broker's acknowledgement at QoS 1 and 2.
func (e *Endpoint) Publish(ctx context.Context, msg core.RelayMessage) error {
	e.mu.RLock()
	client := e.client
	e.mu.RUnlock()
	if client == nil || !client.IsConnectionOpen() {
		return fmt.Errorf("%w: relay=%s", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("mqtt encode: %w", err)
	}
	if err := wait(ctx, client.Publish(e.topic, e.qos, false, payload)); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
