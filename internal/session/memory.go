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
	"sync"
	"time"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// MemoryBackend keeps sessions in process. Expiry is judged from
// ExpiresAt; the ttl arguments are not used.
type MemoryBackend struct {
	mu       sync.RWMutex
	sessions map[string]*core.ConnectionSession
	closed   bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		sessions: make(map[string]*core.ConnectionSession),
	}
}

func (m *MemoryBackend) Put(_ context.Context, s *core.ConnectionSession, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	m.sessions[s.ConnectionID] = s.Clone()
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, connectionID string) (*core.ConnectionSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}
	s, ok := m.sessions[connectionID]
	if !ok {
		return nil, core.NotFound(connectionID)
	}
	return s.Clone(), nil
}

func (m *MemoryBackend) Update(_ context.Context, connectionID string, mutate func(*core.ConnectionSession) (time.Duration, error)) (*core.ConnectionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrStoreClosed
	}
	cur, ok := m.sessions[connectionID]
	if !ok {
		return nil, core.NotFound(connectionID)
	}
	next := cur.Clone()
	if _, err := mutate(next); err != nil {
		return nil, err
	}
	m.sessions[connectionID] = next
	return next.Clone(), nil
}

func (m *MemoryBackend) Delete(_ context.Context, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	delete(m.sessions, connectionID)
	return nil
}

func (m *MemoryBackend) DeleteIfExpired(_ context.Context, connectionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, core.ErrStoreClosed
	}
	s, ok := m.sessions[connectionID]
	if !ok || !s.Expired(now) {
		return false, nil
	}
	delete(m.sessions, connectionID)
	return true, nil
}

func (m *MemoryBackend) PurgeExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, core.ErrStoreClosed
	}
	n := 0
	for id, s := range m.sessions {
		if s.Expired(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	return nil
}

// Len is the number of stored rows, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.sessions = nil
	return nil
}
