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
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// ErrUpdateConflict is returned when an optimistic update keeps losing to
// concurrent writers.
var ErrUpdateConflict = errors.New("session update conflict")

type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	KeyPrefix   string        `yaml:"key_prefix"`
	MaxRetries  int           `yaml:"max_retries"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RedisBackend stores each session as a JSON string with a native TTL.
// Updates use WATCH/MULTI so a read-modify-write never overwrites a
// concurrent change.
type RedisBackend struct {
	client     *redis.Client
	keyPrefix  string
	maxRetries int
}

func NewRedisBackend(ctx context.Context, cfg RedisConfig) (*RedisBackend, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: addr=%s: %w", cfg.Addr, err)
	}
	return NewRedisBackendWithClient(client, cfg.KeyPrefix, cfg.MaxRetries), nil
}

func NewRedisBackendWithClient(client *redis.Client, keyPrefix string, maxRetries int) *RedisBackend {
	if keyPrefix == "" {
		keyPrefix = "chat-relay:session:"
	}
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &RedisBackend{
		client:     client,
		keyPrefix:  keyPrefix,
		maxRetries: maxRetries,
	}
}

func (r *RedisBackend) key(connectionID string) string {
	return r.keyPrefix + connectionID
}

func (r *RedisBackend) Put(ctx context.Context, s *core.ConnectionSession, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return r.client.Set(ctx, r.key(s.ConnectionID), data, ttl).Err()
}

func (r *RedisBackend) Get(ctx context.Context, connectionID string) (*core.ConnectionSession, error) {
	data, err := r.client.Get(ctx, r.key(connectionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.NotFound(connectionID)
		}
		return nil, err
	}
	return decode(data)
}

func (r *RedisBackend) Update(ctx context.Context, connectionID string, mutate func(*core.ConnectionSession) (time.Duration, error)) (*core.ConnectionSession, error) {
	key := r.key(connectionID)
	for attempt := 0; attempt < r.maxRetries; attempt++ {
		var out *core.ConnectionSession
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				return core.NotFound(connectionID)
			}
			if err != nil {
				return err
			}
			sess, err := decode(data)
			if err != nil {
				return err
			}
			ttl, err := mutate(sess)
			if err != nil {
				return err
			}
			payload, err := json.Marshal(sess)
			if err != nil {
				return fmt.Errorf("marshal session: %w", err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, ttl)
				return nil
			})
			if err == nil {
				out = sess
			}
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: key=%s attempts=%d", ErrUpdateConflict, key, r.maxRetries)
}

func (r *RedisBackend) Delete(ctx context.Context, connectionID string) error {
	return r.client.Del(ctx, r.key(connectionID)).Err()
}

func (r *RedisBackend) DeleteIfExpired(ctx context.Context, connectionID string, now time.Time) (bool, error) {
	key := r.key(connectionID)
	var deleted bool
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		sess, err := decode(data)
		if err != nil {
			return err
		}
		if !sess.Expired(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err == nil {
			deleted = true
		}
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone wrote the row meanwhile, so it is no longer the expired one.
		return false, nil
	}
	return deleted, err
}

// PurgeExpired walks the key space with SCAN. Redis drops most rows through
// their TTL; this catches rows whose logical expiry came first.
func (r *RedisBackend) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	var (
		cursor uint64
		purged int
	)
	pattern := r.keyPrefix + "*"
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return purged, fmt.Errorf("scan keys: %w", err)
		}
		for _, key := range keys {
			deleted, err := r.DeleteIfExpired(ctx, strings.TrimPrefix(key, r.keyPrefix), now)
			if err != nil {
				return purged, err
			}
			if deleted {
				purged++
			}
		}
		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func decode(data []byte) (*core.ConnectionSession, error) {
	var s core.ConnectionSession
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
