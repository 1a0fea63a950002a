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
	"fmt"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type BackendType string

const (
	BackendMemory BackendType = "memory"
	BackendRedis  BackendType = "redis"
)

func NewBackend(ctx context.Context, typ BackendType, redisCfg RedisConfig) (core.SessionBackend, error) {
	switch typ {
	case BackendMemory, "":
		return NewMemoryBackend(), nil
	case BackendRedis:
		return NewRedisBackend(ctx, redisCfg)
	default:
		return nil, fmt.Errorf("unknown session store type: %s", typ)
	}
}
