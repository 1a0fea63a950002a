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

// Package identity verifies client bearer tokens.
package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	Leeway   time.Duration `yaml:"leeway"`
	// SubjectClaim names the claim that carries the user id. Defaults to "sub".
	SubjectClaim string   `yaml:"subject_claim"`
	Algorithms   []string `yaml:"algorithms"`
	// RequireExpiry rejects tokens without an exp claim.
	RequireExpiry bool `yaml:"require_expiry"`
}

// JWTVerifier validates HMAC-signed JWTs.
type JWTVerifier struct {
	key          []byte
	subjectClaim string
	parser       *jwt.Parser
}

type Option func(*options)

type options struct {
	clock clock.Clock
}

func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func NewJWTVerifier(cfg JWTConfig, opts ...Option) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}

	algs := cfg.Algorithms
	if len(algs) == 0 {
		algs = []string{jwt.SigningMethodHS256.Alg()}
	}
	for _, alg := range algs {
		if !strings.HasPrefix(alg, "HS") {
			return nil, fmt.Errorf("unsupported signing algorithm: %s", alg)
		}
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods(algs),
		jwt.WithTimeFunc(o.clock.Now),
	}
	if cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.RequireExpiry {
		parserOpts = append(parserOpts, jwt.WithExpirationRequired())
	}

	subject := cfg.SubjectClaim
	if subject == "" {
		subject = "sub"
	}
	return &JWTVerifier{
		key:          []byte(cfg.Secret),
		subjectClaim: subject,
		parser:       jwt.NewParser(parserOpts...),
	}, nil
}

// Verify parses and validates token. Any rejection of the token itself is
// reported as core.ErrInvalidToken.
func (v *JWTVerifier) Verify(ctx context.Context, token string) (*core.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", core.ErrInvalidToken)
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidToken, err)
	}

	subject, _ := claims[v.subjectClaim].(string)
	if subject == "" {
		return nil, fmt.Errorf("%w: missing %s claim", core.ErrInvalidToken, v.subjectClaim)
	}

	id := &core.Identity{
		Subject: subject,
		Claims:  make(map[string]any, len(claims)),
	}
	maps.Copy(id.Claims, claims)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.UTC()
	}
	return id, nil
}

var _ core.IdentityVerifier = (*JWTVerifier)(nil)
