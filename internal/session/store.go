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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

const breakerService = "store"

const (
	DefaultConnectionTTL    = 10 * time.Minute
	DefaultAuthenticatedTTL = 24 * time.Hour
)

type TTLConfig struct {
	// Connection is how long a PENDING session lives.
	Connection time.Duration
	// Authenticated is how long an AUTHENTICATED session lives, unless the
	// token expires earlier.
	Authenticated time.Duration
}

// Store is the session lifecycle over a backend. Every backend call goes
// through the "store/<operation>" breaker.
type Store struct {
	backend  core.SessionBackend
	breakers *breaker.Registry
	ttl      TTLConfig
	clock    clock.Clock
	metrics  core.MetricsSink
	logger   *slog.Logger
}

type StoreOption func(*Store)

func WithClock(c clock.Clock) StoreOption {
	return func(s *Store) { s.clock = c }
}

func WithMetrics(m core.MetricsSink) StoreOption {
	return func(s *Store) { s.metrics = m }
}

func NewStore(backend core.SessionBackend, breakers *breaker.Registry, ttl TTLConfig, logger *slog.Logger, opts ...StoreOption) *Store {
	if ttl.Connection <= 0 {
		ttl.Connection = DefaultConnectionTTL
	}
	if ttl.Authenticated <= 0 {
		ttl.Authenticated = DefaultAuthenticatedTTL
	}
	s := &Store{
		backend:  backend,
		breakers: breakers,
		ttl:      ttl,
		clock:    clock.New(),
		logger:   logger.With("component", "session_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) exec(ctx context.Context, op string, fn breaker.Operation) error {
	return s.breakers.Execute(ctx, breakerService, op, fn, nil)
}

// Create stores a fresh PENDING session. A duplicate connect for the same id
// overwrites the previous row.
func (s *Store) Create(ctx context.Context, connectionID, remoteAddr string) (*core.ConnectionSession, error) {
	now := s.clock.Now().UTC()
	sess := &core.ConnectionSession{
		ConnectionID: connectionID,
		Status:       core.StatusPending,
		RemoteAddr:   remoteAddr,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl.Connection),
	}
	err := s.exec(ctx, "create", func(ctx context.Context) error {
		return s.backend.Put(ctx, sess, s.ttl.Connection)
	})
	if err != nil {
		return nil, fmt.Errorf("create session %s: %w", connectionID, err)
	}
	s.event("created")
	s.logger.Debug("session created", "connection_id", connectionID, "expires_at", sess.ExpiresAt)
	return sess.Clone(), nil
}

// Authenticate moves the session to AUTHENTICATED for userID. The expiry is
// the authenticated TTL, shortened to tokenExpiry when that comes first.
// A missing or expired session yields core.ErrSessionNotFound and nothing is
// written. A token already past its expiry yields core.ErrInvalidToken.
func (s *Store) Authenticate(ctx context.Context, connectionID, userID string, tokenExpiry time.Time) (*core.ConnectionSession, error) {
	var out *core.ConnectionSession
	err := s.exec(ctx, "authenticate", func(ctx context.Context) error {
		sess, err := s.backend.Update(ctx, connectionID, func(cur *core.ConnectionSession) (time.Duration, error) {
			now := s.clock.Now().UTC()
			if cur.Expired(now) {
				return 0, core.NotFound(connectionID)
			}
			if !tokenExpiry.IsZero() && !tokenExpiry.After(now) {
				return 0, fmt.Errorf("%w: token expired at %s", core.ErrInvalidToken, tokenExpiry.UTC().Format(time.RFC3339))
			}
			expires := now.Add(s.ttl.Authenticated)
			if !tokenExpiry.IsZero() && tokenExpiry.Before(expires) {
				expires = tokenExpiry.UTC()
			}
			if err := cur.Authenticate(userID, now, expires); err != nil {
				return 0, err
			}
			return expires.Sub(now), nil
		})
		out = sess
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("authenticate session %s: %w", connectionID, err)
	}
	s.event("authenticated")
	s.logger.Info("session authenticated", "connection_id", connectionID, "user_id", userID, "expires_at", out.ExpiresAt)
	return out, nil
}

// IsAuthenticated reports whether the session exists, is AUTHENTICATED and
// has not expired. An expired row is purged on the way.
func (s *Store) IsAuthenticated(ctx context.Context, connectionID string) (bool, error) {
	var sess *core.ConnectionSession
	err := s.exec(ctx, "is_authenticated", func(ctx context.Context) error {
		got, err := s.backend.Get(ctx, connectionID)
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil
		}
		sess = got
		return err
	})
	if err != nil {
		return false, fmt.Errorf("check session %s: %w", connectionID, err)
	}
	if sess == nil {
		return false, nil
	}
	now := s.clock.Now()
	if sess.Expired(now) {
		s.purge(ctx, connectionID, now)
		return false, nil
	}
	return sess.IsAuthenticated(now), nil
}

// Get returns the live session for connectionID.
func (s *Store) Get(ctx context.Context, connectionID string) (*core.ConnectionSession, error) {
	sess, err := breaker.Call(ctx, s.breakers, breakerService, "get", func(ctx context.Context) (*core.ConnectionSession, error) {
		return s.backend.Get(ctx, connectionID)
	})
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", connectionID, err)
	}
	if sess.Expired(s.clock.Now()) {
		return nil, core.NotFound(connectionID)
	}
	return sess, nil
}

// MarkClosed makes the session terminal so no concurrent frame can
// authenticate it while the connection is torn down.
func (s *Store) MarkClosed(ctx context.Context, connectionID string) error {
	err := s.exec(ctx, "close", func(ctx context.Context) error {
		_, err := s.backend.Update(ctx, connectionID, func(cur *core.ConnectionSession) (time.Duration, error) {
			now := s.clock.Now().UTC()
			if cur.Expired(now) {
				return 0, core.NotFound(connectionID)
			}
			cur.Close()
			return cur.ExpiresAt.Sub(now), nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("close session %s: %w", connectionID, err)
	}
	s.event("closed")
	return nil
}

// Remove deletes the session. Removing a missing session is not an error.
func (s *Store) Remove(ctx context.Context, connectionID string) error {
	err := s.exec(ctx, "remove", func(ctx context.Context) error {
		return s.backend.Delete(ctx, connectionID)
	})
	if err != nil {
		return fmt.Errorf("remove session %s: %w", connectionID, err)
	}
	s.event("removed")
	s.logger.Debug("session removed", "connection_id", connectionID)
	return nil
}

// PurgeExpired deletes every session whose expiry has passed.
func (s *Store) PurgeExpired(ctx context.Context) (int, error) {
	n, err := breaker.Call(ctx, s.breakers, breakerService, "purge", func(ctx context.Context) (int, error) {
		return s.backend.PurgeExpired(ctx, s.clock.Now())
	})
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	for i := 0; i < n; i++ {
		s.event("expired")
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.exec(ctx, "ping", s.backend.Ping)
}

func (s *Store) purge(ctx context.Context, connectionID string, now time.Time) {
	var deleted bool
	err := s.exec(ctx, "remove", func(ctx context.Context) error {
		var err error
		deleted, err = s.backend.DeleteIfExpired(ctx, connectionID, now)
		return err
	})
	if err != nil {
		s.logger.Warn("lazy purge failed", "connection_id", connectionID, "error", err)
		return
	}
	if deleted {
		s.event("expired")
		s.logger.Debug("expired session purged", "connection_id", connectionID)
	}
}

func (s *Store) event(name string) {
	if s.metrics != nil {
		s.metrics.SessionEvent(name)
	}
}
