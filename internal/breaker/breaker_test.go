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

package breaker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

var errDown = errors.New("dependency down")

func testConfig() Config {
	return Config{
		FailureThreshold:     3,
		RecoveryTimeout:      10 * time.Second,
		ExpectedResponseTime: 100 * time.Millisecond,
		MonitoringWindow:     time.Minute,
		MinimumRequestCount:  5,
	}
}

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock.Mock) {
	mock := clock.NewMock()
	return New("store/get", cfg, WithClock(mock)), mock
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func tripOpen(t *testing.T, cb *CircuitBreaker) {
	t.Helper()
	for i := 0; i < cb.Config().MinimumRequestCount; i++ {
		_ = cb.Execute(context.Background(), fail, nil)
	}
	require.Equal(t, StateOpen, cb.State())
}

func TestConsecutiveFailuresOpenBreaker(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	for i := 0; i < 4; i++ {
		err := cb.Execute(context.Background(), fail, nil)
		require.ErrorIs(t, err, errDown)
		require.Equal(t, StateClosed, cb.State(), "call %d", i+1)
	}

	require.ErrorIs(t, cb.Execute(context.Background(), fail, nil), errDown)
	assert.Equal(t, StateOpen, cb.State())

	var invoked atomic.Bool
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked.Store(true)
		return nil
	}, nil)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.False(t, invoked.Load())
	assert.EqualValues(t, 1, cb.Stats().RejectedCount)
}

func TestOpenBreakerUsesFallback(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	tripOpen(t, cb)

	var cause error
	err := cb.Execute(context.Background(), succeed, func(_ context.Context, c error) error {
		cause = c
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, cause, core.ErrCircuitOpen)
}

func TestMinimumRequestCountGuardsTrip(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumRequestCount = 10
	cb, _ := newTestBreaker(cfg)

	for i := 0; i < 9; i++ {
		_ = cb.Execute(context.Background(), fail, nil)
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.EqualValues(t, 9, cb.Stats().FailureCount)
}

func TestFailureRateOpensBreaker(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100
	cfg.MinimumRequestCount = 4
	cb, _ := newTestBreaker(cfg)

	for _, op := range []Operation{succeed, fail, succeed, fail} {
		_ = cb.Execute(context.Background(), op, nil)
	}
	assert.Equal(t, StateClosed, cb.State(), "50%% is not above the threshold")

	_ = cb.Execute(context.Background(), fail, nil)
	assert.Equal(t, StateOpen, cb.State())
}

func TestSlowCallsCountAsQuasiFailures(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 100
	cfg.MinimumRequestCount = 4
	cb, mock := newTestBreaker(cfg)

	slow := func(context.Context) error {
		mock.Add(200 * time.Millisecond)
		return nil
	}

	for _, op := range []Operation{succeed, succeed, slow, fail} {
		_ = cb.Execute(context.Background(), op, nil)
	}
	assert.Equal(t, StateClosed, cb.State())

	require.NoError(t, cb.Execute(context.Background(), slow, nil))
	assert.Equal(t, StateOpen, cb.State())

	st := cb.Stats()
	assert.Equal(t, 2, st.WindowSlowCalls)
	assert.Equal(t, 1, st.WindowFailures)
	assert.EqualValues(t, 1, st.FailureCount)
}

func TestSlowSuccessesAloneNeverReachThreshold(t *testing.T) {
	cfg := testConfig()
	cfg.FailureThreshold = 1
	cfg.MinimumRequestCount = 2
	cb, mock := newTestBreaker(cfg)

	slow := func(context.Context) error {
		mock.Add(time.Second)
		return nil
	}
	_ = cb.Execute(context.Background(), slow, nil)
	_ = cb.Execute(context.Background(), succeed, nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestMonitoringWindowDropsOldSamples(t *testing.T) {
	cfg := testConfig()
	cfg.MinimumRequestCount = 3
	cfg.MonitoringWindow = 10 * time.Second
	cb, mock := newTestBreaker(cfg)

	_ = cb.Execute(context.Background(), fail, nil)
	_ = cb.Execute(context.Background(), fail, nil)
	mock.Add(11 * time.Second)
	_ = cb.Execute(context.Background(), fail, nil)

	assert.Equal(t, StateClosed, cb.State())
	st := cb.Stats()
	assert.Equal(t, 1, st.WindowRequests)
	assert.EqualValues(t, 3, st.FailureCount)
}

func TestRecoveryTrialSuccessCloses(t *testing.T) {
	cb, mock := newTestBreaker(testConfig())
	tripOpen(t, cb)
	openedAt := mock.Now()
	assert.Equal(t, openedAt.Add(10*time.Second), cb.Stats().NextAttemptAt)

	mock.Add(10*time.Second - time.Millisecond)
	require.ErrorIs(t, cb.Execute(context.Background(), succeed, nil), core.ErrCircuitOpen)

	mock.Add(time.Millisecond)
	var calls atomic.Int32
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, StateClosed, cb.State())

	st := cb.Stats()
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.WindowRequests)
	assert.True(t, st.NextAttemptAt.IsZero())
}

func TestRecoveryTrialFailureReopens(t *testing.T) {
	cb, mock := newTestBreaker(testConfig())
	tripOpen(t, cb)

	mock.Add(15 * time.Second)
	var calls atomic.Int32
	err := cb.Execute(context.Background(), func(context.Context) error {
		calls.Add(1)
		return errDown
	}, nil)
	require.ErrorIs(t, err, errDown)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, mock.Now().Add(10*time.Second), cb.Stats().NextAttemptAt)

	require.ErrorIs(t, cb.Execute(context.Background(), succeed, nil), core.ErrCircuitOpen)
}

func TestHalfOpenAllowsSingleTrial(t *testing.T) {
	cb, mock := newTestBreaker(testConfig())
	tripOpen(t, cb)
	mock.Add(10 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	trialDone := make(chan error, 1)
	go func() {
		trialDone <- cb.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	assert.Equal(t, StateHalfOpen, cb.State())
	var invoked atomic.Bool
	err := cb.Execute(context.Background(), func(context.Context) error {
		invoked.Store(true)
		return nil
	}, nil)
	assert.ErrorIs(t, err, core.ErrCircuitOpen)
	assert.False(t, invoked.Load())

	close(release)
	require.NoError(t, <-trialDone)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCancelledCallerStillRecordsOutcome(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		result <- cb.Execute(ctx, func(opCtx context.Context) error {
			close(started)
			<-release
			if opCtx.Err() != nil {
				return opCtx.Err()
			}
			return errDown
		}, nil)
	}()
	<-started
	cancel()

	err := <-result
	require.ErrorIs(t, err, context.Canceled)

	close(release)
	require.Eventually(t, func() bool {
		return cb.Stats().FailureCount == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAlreadyCancelledContextSkipsCall(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var invoked atomic.Bool
	err := cb.Execute(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, invoked.Load())
}

func TestClassifierExcludesBusinessErrors(t *testing.T) {
	cfg := testConfig()
	cfg.IsFailure = core.IsDependencyFailure
	cb, _ := newTestBreaker(cfg)

	fallbackCalled := false
	for i := 0; i < 10; i++ {
		err := cb.Execute(context.Background(), func(context.Context) error {
			return core.NotFound("c-1")
		}, func(context.Context, error) error {
			fallbackCalled = true
			return nil
		})
		require.ErrorIs(t, err, core.ErrSessionNotFound)
	}
	assert.False(t, fallbackCalled)
	assert.Equal(t, StateClosed, cb.State())
	assert.EqualValues(t, 10, cb.Stats().SuccessCount)
}

func TestFallbackAbsorbsFailure(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	var cause error
	err := cb.Execute(context.Background(), fail, func(_ context.Context, c error) error {
		cause = c
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, cause, errDown)
	assert.EqualValues(t, 1, cb.Stats().FailureCount)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	err := cb.Execute(context.Background(), func(context.Context) error {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.EqualValues(t, 1, cb.Stats().FailureCount)
}

func TestCallTimeoutBoundsOperation(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	cb := New("identity/verify", cfg)

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.EqualValues(t, 1, cb.Stats().FailureCount)
}

func TestResetClosesBreaker(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())
	var transitions []string
	cb.onTransition = func(_ string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	tripOpen(t, cb)
	cb.Reset()

	assert.Equal(t, StateClosed, cb.State())
	st := cb.Stats()
	assert.Zero(t, st.FailureCount)
	assert.Zero(t, st.RejectedCount)
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->CLOSED"}, transitions)
	require.NoError(t, cb.Execute(context.Background(), succeed, nil))
}

func TestDoReturnsValue(t *testing.T) {
	cb, _ := newTestBreaker(testConfig())

	v, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = Do(context.Background(), cb, func(context.Context) (int, error) { return 7, errDown })
	require.ErrorIs(t, err, errDown)
	assert.Zero(t, v)
}

func TestStateText(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "CLOSED", StateOpen: "OPEN", StateHalfOpen: "HALF_OPEN"} {
		b, err := s.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}
