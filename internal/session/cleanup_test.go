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

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCleanupWorkerPurgesExpiredSessions(t *testing.T) {
	backend := NewMemoryBackend()
	store, mock := newTestStore(t, backend)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := store.Create(ctx, "c-1", "")
	require.NoError(t, err)
	_, err = store.Create(ctx, "c-2", "")
	require.NoError(t, err)
	_, err = store.Authenticate(ctx, "c-2", "user-1", time.Time{})
	require.NoError(t, err)

	worker := NewCleanupWorker(store, time.Minute, mock, discardLogger())
	done := make(chan error, 1)
	go func() { done <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		return backend.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
