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

package plugins

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type stubRelay struct {
	name         string
	connectErr   error
	disconnected atomic.Bool
}

func (s *stubRelay) Name() string                                     { return s.name }
func (s *stubRelay) Type() string                                     { return "stub" }
func (s *stubRelay) Connect(context.Context) error                    { return s.connectErr }
func (s *stubRelay) Publish(context.Context, core.RelayMessage) error { return nil }
func (s *stubRelay) Disconnect(context.Context) error {
	s.disconnected.Store(true)
	return nil
}

type stubEntrypoint struct {
	name     string
	startErr error
	stopped  atomic.Bool
}

func (s *stubEntrypoint) Name() string { return s.name }
func (s *stubEntrypoint) Type() string { return "stub" }
func (s *stubEntrypoint) Start(ctx context.Context, _ core.EventHandler) error {
	if s.startErr != nil {
		return s.startErr
	}
	<-ctx.Done()
	return nil
}
func (s *stubEntrypoint) Stop(context.Context) error {
	s.stopped.Store(true)
	return nil
}

func newRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestConnectRelaysTracksHealth(t *testing.T) {
	r := newRegistry()
	r.RegisterRelay(&stubRelay{name: "kafka-main"})
	r.RegisterRelay(&stubRelay{name: "mqtt-edge", connectErr: errors.New("refused")})

	assert.Equal(t, 1, r.ConnectRelays(context.Background()))
	assert.True(t, r.IsHealthy("kafka-main"))
	assert.False(t, r.IsHealthy("mqtt-edge"))
	assert.Equal(t, map[string]bool{"kafka-main": true, "mqtt-edge": false}, r.Health())
	assert.Equal(t, []string{"kafka-main", "mqtt-edge"}, r.Relays())

	ep, ok := r.Endpoint("mqtt-edge")
	require.True(t, ok)
	assert.Equal(t, "mqtt-edge", ep.Name())
	assert.False(t, r.HasRelay("missing"))
}

func TestStartEntrypointsStopsOnFailure(t *testing.T) {
	r := newRegistry()
	r.RegisterEntrypoint(&stubEntrypoint{name: "ok"})
	r.RegisterEntrypoint(&stubEntrypoint{name: "broken", startErr: errors.New("bind: address in use")})

	err := r.StartEntrypoints(context.Background(), nil)
	assert.EqualError(t, err, "bind: address in use")
}

func TestStartEntrypointsReturnsOnCancel(t *testing.T) {
	r := newRegistry()
	r.RegisterEntrypoint(&stubEntrypoint{name: "ok"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, r.StartEntrypoints(ctx, nil))
}

func TestStopAll(t *testing.T) {
	r := newRegistry()
	ep := &stubEntrypoint{name: "ws"}
	relay := &stubRelay{name: "kafka-main"}
	r.RegisterEntrypoint(ep)
	r.RegisterRelay(relay)

	require.NoError(t, r.StopAll(context.Background()))
	assert.True(t, ep.stopped.Load())
	assert.True(t, relay.disconnected.Load())
}
