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

package jms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Endpoint publishes chat messages to a JMS queue over AMQP 1.0 (ActiveMQ
// Artemis, Azure Service Bus and similar brokers).
type Endpoint struct {
	name     string
	url      string
	queue    string
	conn     *amqp.Conn
	sendSess *amqp.Session
	sender   *amqp.Sender
	logger   *slog.Logger
	mu       sync.RWMutex
}

func New(name, url, queue string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:   name,
		url:    url,
		queue:  queue,
		logger: logger.With("component", "relay", "relay", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "jms" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.queue == "" {
		return fmt.Errorf("jms %s: queue is required", e.name)
	}
	conn, err := amqp.Dial(ctx, e.url, nil)
	if err != nil {
		return fmt.Errorf("jms dial: %w", err)
	}
	sess, err := conn.NewSession(ctx, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("jms send session: %w", err)
	}
	sender, err := sess.NewSender(ctx, e.queue, nil)
	if err != nil {
		conn.Close()
		return fmt.Errorf("jms sender: %w", err)
	}

	e.mu.Lock()
	e.conn, e.sendSess, e.sender = conn, sess, sender
	e.mu.Unlock()
	e.logger.Info("jms relay connected", "url", e.url, "queue", e.queue)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sender != nil {
		e.sender.Close(ctx)
		e.sender = nil
	}
	if e.sendSess != nil {
		e.sendSess.Close(ctx)
		e.sendSess = nil
	}
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}

// Publish returns once the broker has settled the message.
func (e *Endpoint) Publish(ctx context.Context, msg core.RelayMessage) error {
	e.mu.RLock()
	sender := e.sender
	e.mu.RUnlock()
	if sender == nil {
		return fmt.Errorf("%w: relay=%s", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("jms encode: %w", err)
	}
	contentType := "application/json"
	err = sender.Send(ctx, &amqp.Message{
		Data: [][]byte{payload},
		Properties: &amqp.MessageProperties{
			MessageID:   msg.MessageID,
			ContentType: &contentType,
		},
		ApplicationProperties: map[string]any{
			"session_id":    msg.SessionID,
			"connection_id": msg.ConnectionID,
		},
	}, nil)
	if err != nil {
		return fmt.Errorf("jms publish: %w", err)
	}
	return nil
}
