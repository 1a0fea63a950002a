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
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"validation", Validation("invalid json"), KindValidation},
		{"authentication", Authentication(CodeUnauthenticated, "no", nil), KindAuthentication},
		{"dependency", Dependency("store/create", errors.New("boom")), KindDependency},
		{"open breaker via dependency", Dependency("store/create", fmt.Errorf("%w: breaker=store/create", ErrCircuitOpen)), KindCircuitOpen},
		{"bare open breaker", fmt.Errorf("%w: x", ErrCircuitOpen), KindCircuitOpen},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindDependency},
		{"wrapped classified", fmt.Errorf("outer: %w", Validation("missing body")), KindValidation},
		{"plain", errors.New("oops"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeValidation, CodeOf(Validation("x")))
	assert.Equal(t, CodeAuthFailed, CodeOf(Authentication(CodeAuthFailed, "x", nil)))
	assert.Equal(t, CodeServiceUnavailable, CodeOf(fmt.Errorf("%w", ErrCircuitOpen)))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("x")))
}

func TestIsDependencyFailure(t *testing.T) {
	assert.False(t, IsDependencyFailure(nil))
	assert.False(t, IsDependencyFailure(NotFound("c-1")))
	assert.False(t, IsDependencyFailure(fmt.Errorf("verify: %w", ErrInvalidToken)))
	assert.False(t, IsDependencyFailure(ErrConnectionNotFound))
	assert.False(t, IsDependencyFailure(Validation("x")))
	assert.True(t, IsDependencyFailure(errors.New("connection refused")))
	assert.True(t, IsDependencyFailure(context.DeadlineExceeded))
}

func TestErrorUnwrapAndMessage(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Dependency("identity/verify", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "identity/verify")
	assert.Equal(t, "service temporarily unavailable", err.Message)
}
