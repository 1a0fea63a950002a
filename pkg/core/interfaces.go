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

package core

import (
	"context"
	"time"
)

// Entrypoint accepts client connections and feeds their events to a handler.
type Entrypoint interface {
	Name() string
	Type() string
	Start(ctx context.Context, handler EventHandler) error
	Stop(ctx context.Context) error
}

// EventHandler receives one call per transport event.
type EventHandler interface {
	OnConnect(ctx context.Context, connectionID, remoteAddr string) error
	OnDisconnect(ctx context.Context, connectionID string)
	OnMessage(ctx context.Context, connectionID string, frame []byte)
	// OnRejected is called for a frame the transport refused before
	// dispatch, such as one over the rate limit.
	OnRejected(ctx context.Context, connectionID string, err error)
}

// RelayEndpoint publishes chat messages to a broker.
type RelayEndpoint interface {
	Name() string
	Type() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Publish(ctx context.Context, msg RelayMessage) error
}

// DeliveryChannel answers clients over their open connection.
type DeliveryChannel interface {
	Send(ctx context.Context, connectionID string, payload []byte) error
	Close(ctx context.Context, connectionID string, code int, reason string) error
}

type IdentityVerifier interface {
	Verify(ctx context.Context, token string) (*Identity, error)
}

// SessionBackend is durable key-value storage for sessions. Update must be
// atomic: mutate sees the current row and its result is written only if the
// row did not change in between. A mutate error aborts without writing.
type SessionBackend interface {
	Put(ctx context.Context, s *ConnectionSession, ttl time.Duration) error
	Get(ctx context.Context, connectionID string) (*ConnectionSession, error)
	Update(ctx context.Context, connectionID string, mutate func(*ConnectionSession) (time.Duration, error)) (*ConnectionSession, error)
	Delete(ctx context.Context, connectionID string) error
	DeleteIfExpired(ctx context.Context, connectionID string, now time.Time) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// MetricsSink receives fire-and-forget observations. Implementations must
// not block.
type MetricsSink interface {
	BreakerTransition(breaker, from, to string)
	BreakerCall(breaker, outcome string, elapsed time.Duration)
	FrameDispatched(frameType, outcome string, elapsed time.Duration)
	SessionEvent(event string)
}
