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

package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

var errNacked = errors.New("broker nacked message")

// Endpoint publishes chat messages to an exchange with publisher confirms.
// An empty exchange publishes straight to the queue named by the routing key.
type Endpoint struct {
	name       string
	url        string
	exchange   string
	routingKey string
	conn       *amqp.Connection
	pubCh      *amqp.Channel
	logger     *slog.Logger
	mu         sync.Mutex
}

func New(name, url, exchange, routingKey string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:       name,
		url:        url,
		exchange:   exchange,
		routingKey: routingKey,
		logger:     logger.With("component", "relay", "relay", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "rabbitmq" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.routingKey == "" {
		return fmt.Errorf("rabbitmq %s: routing key is required", e.name)
	}
	conn, err := amqp.Dial(e.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	if e.exchange == "" {
		if _, err := ch.QueueDeclare(e.routingKey, true, false, false, false, nil); err != nil {
			conn.Close()
			return fmt.Errorf("rabbitmq queue declare %s: %w", e.routingKey, err)
		}
	}

	e.mu.Lock()
	e.conn, e.pubCh = conn, ch
	e.mu.Unlock()
	e.logger.Info("rabbitmq relay connected", "exchange", e.exchange, "routing_key", e.routingKey)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pubCh != nil {
		e.pubCh.Close()
		e.pubCh = nil
	}
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// Publish waits for the broker's confirm.
func (e *Endpoint) Publish(ctx context.Context, msg core.RelayMessage) error {
	e.mu.Lock()
	ch := e.pubCh
	e.mu.Unlock()
	if ch == nil || ch.IsClosed() {
		return fmt.Errorf("%w: relay=%s", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("rabbitmq encode: %w", err)
	}
	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		e.exchange,
		e.routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         payload,
			MessageId:    msg.MessageID,
			Timestamp:    msg.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq publish: %w", errNacked)
	}
	return nil
}
