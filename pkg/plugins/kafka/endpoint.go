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

package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Endpoint publishes chat messages to a Kafka topic keyed by chat session,
// so one session's messages stay on one partition.
type Endpoint struct {
	name    string
	brokers []string
	topic   string
	writer  messageWriter
	logger  *slog.Logger
	mu      sync.RWMutex
}

func New(name string, brokers []string, topic string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:    name,
		brokers: brokers,
		topic:   topic,
		logger:  logger.With("component", "relay", "relay", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "kafka" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if len(e.brokers) == 0 || e.topic == "" {
		return fmt.Errorf("kafka %s: brokers and topic are required", e.name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.writer = &kafka.Writer{
		Addr:         kafka.TCP(e.brokers...),
		Topic:        e.topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
	e.logger.Info("kafka relay connected",
		"brokers", strings.Join(e.brokers, ","),
		"topic", e.topic,
	)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.writer == nil {
		return nil
	}
	err := e.writer.Close()
	e.writer = nil
	return err
}

func (e *Endpoint) Publish(ctx context.Context, msg core.RelayMessage) error {
	e.mu.RLock()
	w := e.writer
	e.mu.RUnlock()
	if w == nil {
		return fmt.Errorf("%w: relay=%s", core.ErrEndpointUnavailable, e.name)
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("kafka encode: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.SessionID),
		Value: payload,
		Time:  msg.Timestamp,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(msg.MessageID)},
			{Key: "connection_id", Value: []byte(msg.ConnectionID)},
		},
	}); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}
