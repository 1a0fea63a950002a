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

package solace

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
	"solace.dev/go/messaging"
	"solace.dev/go/messaging/pkg/solace"
	"solace.dev/go/messaging/pkg/solace/config"
	"solace.dev/go/messaging/pkg/solace/resource"
)

// Endpoint publishes chat messages to a Solace topic with a direct
// publisher. Direct messaging has no broker acknowledgement.
type Endpoint struct {
	name      string
	host      string
	vpn       string
	username  string
	password  string
	topic     string
	service   solace.MessagingService
	publisher solace.DirectMessagePublisher
	logger    *slog.Logger
	mu        sync.RWMutex
}

func New(name, host, vpn, username, password, topic string, logger *slog.Logger) *Endpoint {
	return &Endpoint{
		name:     name,
		host:     host,
		vpn:      vpn,
		username: username,
		password: password,
		topic:    topic,
		logger:   logger.With("component", "relay", "relay", name),
	}
}

func (e *Endpoint) Name() string { return e.name }
func (e *Endpoint) Type() string { return "solace" }

func (e *Endpoint) Connect(ctx context.Context) error {
	if e.host == "" || e.topic == "" {
		return fmt.Errorf("solace %s: host and topic are required", e.name)
	}
	service, err := messaging.NewMessagingServiceBuilder().
		FromConfigurationProvider(config.ServicePropertyMap{
			config.TransportLayerPropertyHost:                e.host,
			config.ServicePropertyVPNName:                    e.vpn,
			config.AuthenticationPropertySchemeBasicUserName: e.username,
			config.AuthenticationPropertySchemeBasicPassword: e.password,
		}).Build()
	if err != nil {
		return fmt.Errorf("solace build: %w", err)
	}
	if err := service.Connect(); err != nil {
		return fmt.Errorf("solace connect: %w", err)
	}
	publisher, err := service.CreateDirectMessagePublisherBuilder().Build()
	if err != nil {
		service.Disconnect()
		return fmt.Errorf("solace publisher build: %w", err)
	}
	if err := publisher.Start(); err != nil {
		service.Disconnect()
		return fmt.Errorf("solace publisher start: %w", err)
	}

	e.mu.Lock()
	e.service, e.publisher = service, publisher
	e.mu.Unlock()
	e.logger.Info("solace relay connected", "host", e.host, "topic", e.topic)
	return nil
}

func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var err error
	if e.publisher != nil {
		err = e.publisher.Terminate(5 * time.Second)
		e.publisher = nil
	}
	if e.service != nil {
		if derr := e.service.Disconnect(); derr != nil && err == nil {
			err = derr
		}
		e.service = nil
	}
	return err
}

func (e *Endpoint) Publish(ctx context.Context, msg core.RelayMessage) error {
	e.mu.RLock()
	service, publisher := e.service, e.publisher
	e.mu.RUnlock()
	if publisher == nil {
		return fmt.Errorf("%w: relay=%s", core.ErrEndpointUnavailable, e.name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("solace encode: %w", err)
	}
	out, err := service.MessageBuilder().BuildWithByteArrayPayload(payload)
	if err != nil {
		return fmt.Errorf("solace message build: %w", err)
	}
	if err := publisher.Publish(out, resource.TopicOf(e.topic)); err != nil {
		return fmt.Errorf("solace publish: %w", err)
	}
	return nil
}
