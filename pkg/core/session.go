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
	"errors"
	"fmt"
	"maps"
	"time"
)

type SessionStatus string

const (
	StatusPending       SessionStatus = "PENDING"
	StatusAuthenticated SessionStatus = "AUTHENTICATED"
	StatusClosed        SessionStatus = "CLOSED"
)

// ConnectionSession is the authentication state of one physical connection.
// UserID is set if and only if Status is StatusAuthenticated.
type ConnectionSession struct {
	ConnectionID    string            `json:"connection_id"`
	UserID          string            `json:"user_id,omitempty"`
	Status          SessionStatus     `json:"status"`
	RemoteAddr      string            `json:"remote_addr,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	AuthenticatedAt time.Time         `json:"authenticated_at,omitzero"`
	ExpiresAt       time.Time         `json:"expires_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session is logically gone at now.
func (s *ConnectionSession) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Authenticate moves the session to StatusAuthenticated. Re-authenticating an
// already authenticated session refreshes the user and expiry.
func (s *ConnectionSession) Authenticate(userID string, now, expiresAt time.Time) error {
	if s.Status == StatusClosed {
		return fmt.Errorf("%w: connection_id=%s", ErrSessionClosed, s.ConnectionID)
	}
	if userID == "" {
		return fmt.Errorf("%w: empty user id connection_id=%s", ErrInvalidToken, s.ConnectionID)
	}
	if !expiresAt.After(now) {
		return fmt.Errorf("%w: expiry %s is not after %s", ErrInvalidToken, expiresAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	s.Status = StatusAuthenticated
	s.UserID = userID
	s.AuthenticatedAt = now
	s.ExpiresAt = expiresAt
	return nil
}

// Close marks the session terminal. Closing twice is a no-op.
func (s *ConnectionSession) Close() {
	s.Status = StatusClosed
	s.UserID = ""
}

func (s *ConnectionSession) IsAuthenticated(now time.Time) bool {
	return s.Status == StatusAuthenticated && s.UserID != "" && !s.Expired(now)
}

func (s *ConnectionSession) Validate() error {
	if s.ConnectionID == "" {
		return errors.New("session: empty connection id")
	}
	switch s.Status {
	case StatusPending, StatusClosed:
		if s.UserID != "" {
			return fmt.Errorf("session %s: user id set in status %s", s.ConnectionID, s.Status)
		}
	case StatusAuthenticated:
		if s.UserID == "" {
			return fmt.Errorf("session %s: authenticated without user id", s.ConnectionID)
		}
	default:
		return fmt.Errorf("session %s: unknown status %q", s.ConnectionID, s.Status)
	}
	return nil
}

func (s *ConnectionSession) Clone() *ConnectionSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Metadata = maps.Clone(s.Metadata)
	return &c
}
