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

package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/session"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type recordingChannel struct {
	mu     sync.Mutex
	sent   map[string][][]byte
	closed map[string]int
}

func newRecordingChannel() *recordingChannel {
	return &recordingChannel{sent: map[string][][]byte{}, closed: map[string]int{}}
}

func (c *recordingChannel) Send(_ context.Context, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent[id] = append(c.sent[id], payload)
	return nil
}

func (c *recordingChannel) Close(_ context.Context, id string, code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed[id] = code
	return nil
}

type wireFrame struct {
	Type core.FrameType `json:"type"`
	Data map[string]any `json:"data"`
}

func (c *recordingChannel) last(t *testing.T, id string) wireFrame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	frames := c.sent[id]
	require.NotEmpty(t, frames, "no frame sent to %s", id)
	var f wireFrame
	require.NoError(t, json.Unmarshal(frames[len(frames)-1], &f))
	return f
}

func (c *recordingChannel) closeCode(id string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	code, ok := c.closed[id]
	return code, ok
}

type fakeVerifier struct {
	tokens map[string]*core.Identity
	err    error
	calls  atomic.Int32
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (*core.Identity, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	id, ok := v.tokens[token]
	if !ok {
		return nil, core.ErrInvalidToken
	}
	return id, nil
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []core.RelayMessage
	err  error
}

func (r *fakeRelay) Publish(_ context.Context, _ core.FrameType, msg core.RelayMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

type frameSink struct {
	mu       sync.Mutex
	outcomes []string
}

func (s *frameSink) BreakerTransition(string, string, string)  {}
func (s *frameSink) BreakerCall(string, string, time.Duration) {}
func (s *frameSink) SessionEvent(string)                       {}

func (s *frameSink) FrameDispatched(ft, outcome string, _ time.Duration) {
	s.mu.Lock()
	s.outcomes = append(s.outcomes, ft+":"+outcome)
	s.mu.Unlock()
}

type harness struct {
	d        *Dispatcher
	store    *session.Store
	backend  *session.MemoryBackend
	ch       *recordingChannel
	verifier *fakeVerifier
	relay    *fakeRelay
	sink     *frameSink
	mock     *clock.Mock
	breakers *breaker.Registry
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))

	reg := breaker.NewRegistry(breaker.Config{
		FailureThreshold:    3,
		MinimumRequestCount: 3,
		RecoveryTimeout:     30 * time.Second,
	}, logger, breaker.WithRegistryClock(mock))
	backend := session.NewMemoryBackend()
	store := session.NewStore(backend, reg, session.TTLConfig{}, logger, session.WithClock(mock))

	h := &harness{
		store:   store,
		backend: backend,
		ch:      newRecordingChannel(),
		verifier: &fakeVerifier{tokens: map[string]*core.Identity{
			"good-token":   {Subject: "user-42", ExpiresAt: mock.Now().Add(2 * time.Hour)},
			"lapsed-token": {Subject: "user-7", ExpiresAt: mock.Now().Add(-5 * time.Second)},
		}},
		relay:    &fakeRelay{},
		sink:     &frameSink{},
		mock:     mock,
		breakers: reg,
	}
	h.d = New(store, h.verifier, h.ch, reg, Config{Policy: policy, MaxTextLength: 10}, logger,
		WithClock(mock), WithRelay(h.relay), WithMetrics(h.sink))
	return h
}

func (h *harness) connect(t *testing.T, id string) {
	t.Helper()
	_, err := h.store.Create(context.Background(), id, "127.0.0.1")
	require.NoError(t, err)
}

func (h *harness) send(id, frame string) {
	h.d.Dispatch(context.Background(), id, []byte(frame))
}

func TestPingOnUnauthenticatedConnectionTerminates(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")

	h.send("c-1", `{"type":"ping","data":{}}`)

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.FrameError, f.Type)
	assert.Equal(t, core.CodeUnauthenticated, f.Data["code"])

	code, closed := h.ch.closeCode("c-1")
	require.True(t, closed)
	assert.Equal(t, core.ClosePolicyViolation, code)
	assert.Zero(t, h.backend.Len(), "session must be removed")
}

func TestRejectPolicyKeepsConnection(t *testing.T) {
	h := newHarness(t, PolicyReject)
	h.connect(t, "c-1")

	h.send("c-1", `{"type":"chat","data":{"text":"hi"}}`)

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.CodeUnauthenticated, f.Data["code"])
	_, closed := h.ch.closeCode("c-1")
	assert.False(t, closed)
	assert.Equal(t, 1, h.backend.Len())

	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)
	h.send("c-1", `{"type":"ping","data":{}}`)
	assert.Equal(t, core.FramePong, h.ch.last(t, "c-1").Type)
}

func TestUnauthenticatedFramesNeverReachHandlers(t *testing.T) {
	h := newHarness(t, PolicyReject)
	h.connect(t, "c-1")

	for i := 0; i < 5; i++ {
		h.send("c-1", `{"type":"chat","data":{"text":"hello"}}`)
		h.send("c-1", `{"type":"ping","data":{}}`)
	}
	assert.Zero(t, h.relay.count())

	h.ch.mu.Lock()
	defer h.ch.mu.Unlock()
	for _, raw := range h.ch.sent["c-1"] {
		var f wireFrame
		require.NoError(t, json.Unmarshal(raw, &f))
		assert.Equal(t, core.FrameError, f.Type)
		assert.Equal(t, core.CodeUnauthenticated, f.Data["code"])
	}
}

func TestAuthWithValidToken(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")

	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.FrameAuthResponse, f.Type)
	assert.Equal(t, true, f.Data["success"])
	assert.Equal(t, "user-42", f.Data["userId"])

	ok, err := h.store.IsAuthenticated(context.Background(), "c-1")
	require.NoError(t, err)
	assert.True(t, ok)

	h.send("c-1", `{"type":"ping","data":{}}`)
	assert.Equal(t, core.FramePong, h.ch.last(t, "c-1").Type)
}

func TestAuthWithInvalidTokenTerminates(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")

	h.send("c-1", `{"type":"auth","data":{"token":"forged"}}`)

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.FrameAuthResponse, f.Type)
	assert.Equal(t, false, f.Data["success"])
	assert.Equal(t, core.CodeAuthFailed, f.Data["code"])

	_, closed := h.ch.closeCode("c-1")
	assert.True(t, closed)
	assert.Zero(t, h.backend.Len())
}

func TestAuthWithoutSession(t *testing.T) {
	h := newHarness(t, PolicyReject)

	h.send("ghost", `{"type":"auth","data":{"token":"good-token"}}`)

	f := h.ch.last(t, "ghost")
	assert.Equal(t, false, f.Data["success"])
	assert.Equal(t, core.CodeAuthFailed, f.Data["code"])
	assert.Zero(t, h.backend.Len())
}

func TestAuthMissingToken(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")

	h.send("c-1", `{"type":"auth","data":{}}`)

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.FrameError, f.Type)
	assert.Equal(t, core.CodeValidation, f.Data["code"])
	assert.Equal(t, "missing token", f.Data["message"])
	_, closed := h.ch.closeCode("c-1")
	assert.False(t, closed, "validation errors do not terminate")
	assert.Zero(t, h.verifier.calls.Load())
}

func TestIdentityOutageOpensBreaker(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")
	h.verifier.err = errors.New("jwks endpoint unreachable")

	for i := 0; i < 3; i++ {
		h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)
		f := h.ch.last(t, "c-1")
		assert.Equal(t, core.FrameError, f.Type)
		assert.Equal(t, core.CodeServiceUnavailable, f.Data["code"])
		assert.Equal(t, "service temporarily unavailable", f.Data["message"])
	}
	assert.EqualValues(t, 3, h.verifier.calls.Load())

	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)
	assert.Equal(t, core.CodeServiceUnavailable, h.ch.last(t, "c-1").Data["code"])
	assert.EqualValues(t, 3, h.verifier.calls.Load(), "open breaker must not call the verifier")

	_, closed := h.ch.closeCode("c-1")
	assert.False(t, closed, "dependency errors do not terminate")

	h.verifier.err = nil
	h.mock.Add(30 * time.Second)
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)
	assert.Equal(t, true, h.ch.last(t, "c-1").Data["success"])
}

func TestInvalidTokensDoNotTripIdentityBreaker(t *testing.T) {
	h := newHarness(t, PolicyReject)
	h.connect(t, "c-1")

	for i := 0; i < 5; i++ {
		h.send("c-1", `{"type":"auth","data":{"token":"forged"}}`)
	}
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)
	assert.Equal(t, true, h.ch.last(t, "c-1").Data["success"])
}

func TestAuthWithTokenInsideLeeway(t *testing.T) {
	h := newHarness(t, PolicyReject)

	for _, id := range []string{"c-1", "c-2", "c-3", "c-4"} {
		h.connect(t, id)
		h.send(id, `{"type":"auth","data":{"token":"lapsed-token"}}`)
		f := h.ch.last(t, id)
		assert.Equal(t, core.FrameAuthResponse, f.Type)
		assert.Equal(t, false, f.Data["success"])
		assert.Equal(t, core.CodeAuthFailed, f.Data["code"])
	}

	st, ok := h.breakers.Stats("store", "authenticate")
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, st.State)
	assert.Zero(t, st.FailureCount)

	h.connect(t, "c-5")
	h.send("c-5", `{"type":"auth","data":{"token":"good-token"}}`)
	assert.Equal(t, true, h.ch.last(t, "c-5").Data["success"])
}

func TestRejectedFrameUsesDeliveryBreaker(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")

	h.d.Fail(context.Background(), "c-1", "", core.Validation("rate limit exceeded"))

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.CodeValidation, f.Data["code"])
	assert.Equal(t, "rate limit exceeded", f.Data["message"])
	st, ok := h.breakers.Stats("delivery", "send")
	require.True(t, ok)
	assert.EqualValues(t, 1, st.SuccessCount)
	_, closed := h.ch.closeCode("c-1")
	assert.False(t, closed)
}

func TestChat(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)

	h.send("c-1", `{"type":"chat","data":{"text":"hello","sessionId":"s-9"}}`)

	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.FrameMessageResponse, f.Type)
	assert.Equal(t, true, f.Data["success"])
	assert.Equal(t, "s-9", f.Data["sessionId"])
	assert.NotEmpty(t, f.Data["messageId"])

	require.Equal(t, 1, h.relay.count())
	msg := h.relay.msgs[0]
	assert.Equal(t, "c-1", msg.ConnectionID)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, f.Data["messageId"], msg.MessageID)

	h.send("c-1", `{"type":"chat","data":{"text":"again"}}`)
	assert.NotEmpty(t, h.ch.last(t, "c-1").Data["sessionId"], "session id is generated when absent")
}

func TestChatValidation(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)

	tests := []struct {
		frame string
		want  string
	}{
		{`{"type":"chat","data":{}}`, "missing text"},
		{`{"type":"chat","data":{"text":""}}`, "missing text"},
		{`{"type":"chat","data":{"text":"` + strings.Repeat("x", 11) + `"}}`, "message too long"},
		{`{"type":"chat","data":{"text":42}}`, "invalid message format"},
	}
	for _, tt := range tests {
		h.send("c-1", tt.frame)
		f := h.ch.last(t, "c-1")
		assert.Equal(t, core.CodeValidation, f.Data["code"])
		assert.Equal(t, tt.want, f.Data["message"])
	}
	assert.Zero(t, h.relay.count())

	h.send("c-1", `{"type":"chat","data":{"text":"ünïcødé!!!"}}`)
	assert.Equal(t, core.FrameMessageResponse, h.ch.last(t, "c-1").Type, "length counts runes")
}

func TestChatRelayFailure(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)

	h.relay.err = core.Dependency("relay", errors.New("broker down"))
	h.send("c-1", `{"type":"chat","data":{"text":"hello"}}`)
	assert.Equal(t, core.CodeServiceUnavailable, h.ch.last(t, "c-1").Data["code"])

	h.relay.err = core.ErrNoRoute
	h.send("c-1", `{"type":"chat","data":{"text":"hello"}}`)
	assert.Equal(t, core.FrameMessageResponse, h.ch.last(t, "c-1").Type, "unrouted chat is still acknowledged")
}

func TestExpiredSessionIsUnauthenticated(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)

	h.mock.Add(3 * time.Hour)
	h.send("c-1", `{"type":"ping","data":{}}`)
	assert.Equal(t, core.CodeUnauthenticated, h.ch.last(t, "c-1").Data["code"])
}

func TestFail(t *testing.T) {
	h := newHarness(t, PolicyTerminate)
	h.connect(t, "c-1")

	h.d.Fail(context.Background(), "c-1", core.FrameChat, errors.New("nil map write"))
	f := h.ch.last(t, "c-1")
	assert.Equal(t, core.CodeInternal, f.Data["code"])
	assert.Equal(t, "internal server error", f.Data["message"])
	assert.Equal(t, 1, h.backend.Len())
}

func TestDispatchReportsOutcomes(t *testing.T) {
	h := newHarness(t, PolicyReject)
	h.connect(t, "c-1")

	h.send("c-1", ``)
	h.send("c-1", `{"type":"ping","data":{}}`)
	h.send("c-1", `{"type":"auth","data":{"token":"good-token"}}`)
	h.send("c-1", `{"type":"ping","data":{}}`)

	h.sink.mu.Lock()
	defer h.sink.mu.Unlock()
	assert.Equal(t, []string{
		"unknown:validation",
		"ping:authentication",
		"auth:ok",
		"ping:ok",
	}, h.sink.outcomes)
}
