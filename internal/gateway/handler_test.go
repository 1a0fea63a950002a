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

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type fakeSessions struct {
	createErr error
	removeErr error
	created   []string
	removed   []string
}

func (f *fakeSessions) Create(_ context.Context, id, addr string) (*core.ConnectionSession, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, id)
	return &core.ConnectionSession{ConnectionID: id, RemoteAddr: addr, Status: core.StatusPending}, nil
}

func (f *fakeSessions) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return f.removeErr
}

type fakeDispatcher struct {
	mu       sync.Mutex
	panicMsg string
	frames   []string
	failures []error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, _ string, frame []byte) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	f.frames = append(f.frames, string(frame))
	f.mu.Unlock()
}

func (f *fakeDispatcher) Fail(_ context.Context, _ string, _ core.FrameType, err error) {
	f.mu.Lock()
	f.failures = append(f.failures, err)
	f.mu.Unlock()
}

func newHandler(s *fakeSessions, d *fakeDispatcher) *Handler {
	return NewHandler(s, d, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestOnConnect(t *testing.T) {
	s := &fakeSessions{}
	h := newHandler(s, &fakeDispatcher{})

	require.NoError(t, h.OnConnect(context.Background(), "c-1", "10.0.0.1"))
	assert.Equal(t, []string{"c-1"}, s.created)
}

func TestOnConnectSurfacesStoreFailure(t *testing.T) {
	s := &fakeSessions{createErr: core.ErrCircuitOpen}
	h := newHandler(s, &fakeDispatcher{})

	err := h.OnConnect(context.Background(), "c-1", "10.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.Equal(t, core.KindCircuitOpen, core.KindOf(err))
}

func TestOnDisconnectSwallowsErrors(t *testing.T) {
	s := &fakeSessions{removeErr: errors.New("redis: connection refused")}
	h := newHandler(s, &fakeDispatcher{})

	assert.NotPanics(t, func() { h.OnDisconnect(context.Background(), "c-1") })
	assert.Equal(t, []string{"c-1"}, s.removed)
}

func TestOnMessageDelegates(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHandler(&fakeSessions{}, d)

	h.OnMessage(context.Background(), "c-1", []byte(`{"type":"ping","data":{}}`))
	assert.Equal(t, []string{`{"type":"ping","data":{}}`}, d.frames)
	assert.Empty(t, d.failures)
}

func TestOnRejectedAnswersThroughDispatcher(t *testing.T) {
	d := &fakeDispatcher{}
	h := newHandler(&fakeSessions{}, d)

	h.OnRejected(context.Background(), "c-1", core.Validation("rate limit exceeded"))
	assert.Empty(t, d.frames)
	require.Len(t, d.failures, 1)
	assert.Equal(t, core.CodeValidation, core.CodeOf(d.failures[0]))
}

func TestOnMessageRecoversPanic(t *testing.T) {
	d := &fakeDispatcher{panicMsg: "nil pointer dereference"}
	h := newHandler(&fakeSessions{}, d)

	assert.NotPanics(t, func() {
		h.OnMessage(context.Background(), "c-1", []byte(`{}`))
	})
	require.Len(t, d.failures, 1)
	assert.Equal(t, core.KindInternal, core.KindOf(d.failures[0]))
	assert.Equal(t, core.CodeInternal, core.CodeOf(d.failures[0]))
}
