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

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/dispatch"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/identity"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/session"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "/etc/chat-relay/config.yaml"

// RelayTypes lists the supported relay endpoint types.
var RelayTypes = []string{"kafka", "rabbitmq", "mqtt", "mqtt5", "jms", "solace"}

// Environment variables that override file values.
const (
	EnvConfigPath = "CONFIG_PATH"
	EnvJWTSecret  = "CHAT_RELAY_JWT_SECRET"
	EnvRedisAddr  = "CHAT_RELAY_REDIS_ADDR"
	EnvLogLevel   = "CHAT_RELAY_LOG_LEVEL"
	EnvAdminToken = "CHAT_RELAY_ADMIN_TOKEN"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
	Chat     ChatConfig     `yaml:"chat"`
	Breakers BreakersConfig `yaml:"breakers"`
	Relays   []RelayConfig  `yaml:"relays"`
	Routes   []RouteConfig  `yaml:"routes"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	AdminHost       string        `yaml:"admin_host"`
	AdminPort       int           `yaml:"admin_port"`
	AdminToken      string        `yaml:"admin_token"`
	ReadLimit       int64         `yaml:"read_limit"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	SendBuffer      int           `yaml:"send_buffer"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AdminAddr is the listen address of the admin server.
func (s ServerConfig) AdminAddr() string {
	return net.JoinHostPort(s.AdminHost, strconv.Itoa(s.AdminPort))
}

// AdminExposed reports whether the admin server listens beyond loopback.
func (s ServerConfig) AdminExposed() bool {
	if s.AdminHost == "localhost" {
		return false
	}
	ip := net.ParseIP(s.AdminHost)
	return ip == nil || !ip.IsLoopback()
}

type SessionConfig struct {
	Store            string              `yaml:"store"`
	ConnectionTTL    time.Duration       `yaml:"connection_ttl"`
	AuthenticatedTTL time.Duration       `yaml:"authenticated_ttl"`
	CleanupInterval  time.Duration       `yaml:"cleanup_interval"`
	Redis            session.RedisConfig `yaml:"redis"`
}

type AuthConfig struct {
	// UnauthenticatedPolicy is "terminate" or "reject".
	UnauthenticatedPolicy string             `yaml:"unauthenticated_policy"`
	JWT                   identity.JWTConfig `yaml:"jwt"`
}

type ChatConfig struct {
	MaxTextLength int `yaml:"max_text_length"`
}

// BreakersConfig holds the registry defaults and overrides keyed by service
// ("store") or by service/operation ("store/create").
type BreakersConfig struct {
	Defaults BreakerConfig            `yaml:"defaults"`
	Services map[string]BreakerConfig `yaml:"services"`
}

type BreakerConfig struct {
	FailureThreshold     int           `yaml:"failure_threshold"`
	RecoveryTimeout      time.Duration `yaml:"recovery_timeout"`
	ExpectedResponseTime time.Duration `yaml:"expected_response_time"`
	MonitoringWindow     time.Duration `yaml:"monitoring_window"`
	MinimumRequestCount  int           `yaml:"minimum_request_count"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
}

type RelayConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

type RouteConfig struct {
	Source            string `yaml:"source"`
	Target            string `yaml:"target"`
	DeliveryGuarantee string `yaml:"delivery_guarantee"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	bd := breaker.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Path:            "/ws",
			AdminHost:       "127.0.0.1",
			AdminPort:       9090,
			ReadLimit:       64 * 1024,
			WriteTimeout:    10 * time.Second,
			PingInterval:    30 * time.Second,
			SendBuffer:      64,
			RateLimit:       20,
			RateBurst:       40,
			ShutdownTimeout: 15 * time.Second,
		},
		Session: SessionConfig{
			Store:            string(session.BackendMemory),
			ConnectionTTL:    session.DefaultConnectionTTL,
			AuthenticatedTTL: session.DefaultAuthenticatedTTL,
			CleanupInterval:  30 * time.Second,
			Redis: session.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "chat-relay:session:",
			},
		},
		Auth: AuthConfig{
			UnauthenticatedPolicy: string(dispatch.PolicyTerminate),
			JWT: identity.JWTConfig{
				SubjectClaim: "sub",
				Algorithms:   []string{"HS256"},
			},
		},
		Chat: ChatConfig{MaxTextLength: dispatch.DefaultMaxTextLength},
		Breakers: BreakersConfig{
			Defaults: BreakerConfig{
				FailureThreshold:     bd.FailureThreshold,
				RecoveryTimeout:      bd.RecoveryTimeout,
				ExpectedResponseTime: bd.ExpectedResponseTime,
				MonitoringWindow:     bd.MonitoringWindow,
				MinimumRequestCount:  bd.MinimumRequestCount,
				CallTimeout:          breaker.DefaultCallTimeout,
			},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// ResolvePath picks the config file: the flag value, then CONFIG_PATH, then
// DefaultPath.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads path, applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvJWTSecret); ok && v != "" {
		c.Auth.JWT.Secret = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Session.Redis.Addr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvAdminToken); ok && v != "" {
		c.Server.AdminToken = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.AdminPort < 0 || c.Server.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("server.admin_port out of range: %d", c.Server.AdminPort))
	}
	if c.Server.AdminPort != 0 && c.Server.AdminPort == c.Server.Port {
		errs = append(errs, errors.New("server.admin_port must differ from server.port"))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path must start with '/': %q", c.Server.Path))
	}
	if c.Server.RateLimit < 0 || c.Server.RateBurst < 0 {
		errs = append(errs, errors.New("server.rate_limit and server.rate_burst must not be negative"))
	}

	switch session.BackendType(c.Session.Store) {
	case session.BackendMemory:
	case session.BackendRedis:
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.store must be memory or redis: %q", c.Session.Store))
	}
	if c.Session.ConnectionTTL <= 0 || c.Session.AuthenticatedTTL <= 0 {
		errs = append(errs, errors.New("session ttls must be positive"))
	}

	if _, err := ParsePolicy(c.Auth.UnauthenticatedPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Auth.JWT.Secret == "" {
		errs = append(errs, fmt.Errorf("auth.jwt.secret is required (or set %s)", EnvJWTSecret))
	}
	if c.Chat.MaxTextLength <= 0 {
		errs = append(errs, errors.New("chat.max_text_length must be positive"))
	}

	if err := c.Breakers.Defaults.validate("breakers.defaults"); err != nil {
		errs = append(errs, err)
	}
	for key, bc := range c.Breakers.Services {
		if err := bc.validate("breakers.services." + key); err != nil {
			errs = append(errs, err)
		}
	}

	relays := make(map[string]bool, len(c.Relays))
	for i, r := range c.Relays {
		if r.Name == "" || r.Type == "" {
			errs = append(errs, fmt.Errorf("relays[%d]: name and type are required", i))
			continue
		}
		if relays[r.Name] {
			errs = append(errs, fmt.Errorf("relays[%d]: duplicate name %q", i, r.Name))
		}
		if !slices.Contains(RelayTypes, r.Type) {
			errs = append(errs, fmt.Errorf("relays[%d]: unknown type %q", i, r.Type))
		}
		relays[r.Name] = true
	}
	if _, err := c.RouteList(); err != nil {
		errs = append(errs, err)
	}
	for _, r := range c.Routes {
		if r.Target != "" && !relays[r.Target] {
			errs = append(errs, fmt.Errorf("route %s: unknown relay %q", r.Source, r.Target))
		}
	}

	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	if f := c.Logging.Format; f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("logging.format must be json or text: %q", f))
	}
	return errors.Join(errs...)
}

func (b BreakerConfig) validate(field string) error {
	if b.FailureThreshold < 0 || b.MinimumRequestCount < 0 {
		return fmt.Errorf("%s: counts must not be negative", field)
	}
	if b.RecoveryTimeout < 0 || b.ExpectedResponseTime < 0 || b.MonitoringWindow < 0 || b.CallTimeout < 0 {
		return fmt.Errorf("%s: durations must not be negative", field)
	}
	return nil
}

// ToBreaker converts to a breaker config. Zero fields stay zero so the
// registry fills them from its defaults.
func (b BreakerConfig) ToBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold:     b.FailureThreshold,
		RecoveryTimeout:      b.RecoveryTimeout,
		ExpectedResponseTime: b.ExpectedResponseTime,
		MonitoringWindow:     b.MonitoringWindow,
		MinimumRequestCount:  b.MinimumRequestCount,
		CallTimeout:          b.CallTimeout,
	}
}

// BreakerOverrides returns one registry option per configured service key.
func (c *Config) BreakerOverrides() []breaker.RegistryOption {
	opts := make([]breaker.RegistryOption, 0, len(c.Breakers.Services))
	for key, bc := range c.Breakers.Services {
		opts = append(opts, breaker.WithOverride(key, bc.ToBreaker()))
	}
	return opts
}

// RouteList converts the configured routes. Only inbound frame types can be
// routed.
func (c *Config) RouteList() ([]core.Route, error) {
	routes := make([]core.Route, 0, len(c.Routes))
	seen := make(map[core.FrameType]bool, len(c.Routes))
	for _, rc := range c.Routes {
		r, err := rc.ToRoute()
		if err != nil {
			return nil, err
		}
		if seen[r.Source] {
			return nil, fmt.Errorf("duplicate route for source %q", r.Source)
		}
		seen[r.Source] = true
		routes = append(routes, r)
	}
	return routes, nil
}

func (rc RouteConfig) ToRoute() (core.Route, error) {
	source := core.FrameType(rc.Source)
	if !source.Inbound() {
		return core.Route{}, fmt.Errorf("route source must be auth, chat or ping: %q", rc.Source)
	}
	if rc.Target == "" {
		return core.Route{}, fmt.Errorf("route %s: target is required", rc.Source)
	}
	return core.Route{
		Source:            source,
		Target:            rc.Target,
		DeliveryGuarantee: ParseDeliveryGuarantee(rc.DeliveryGuarantee),
	}, nil
}

func ParseDeliveryGuarantee(s string) core.DeliveryGuarantee {
	switch s {
	case "none":
		return core.DeliveryNone
	case "at_most_once":
		return core.DeliveryAtMostOnce
	case "at_least_once":
		return core.DeliveryAtLeastOnce
	default:
		return core.DeliveryAuto
	}
}

func ParsePolicy(s string) (dispatch.Policy, error) {
	switch p := dispatch.Policy(strings.ToLower(s)); p {
	case dispatch.PolicyTerminate, dispatch.PolicyReject:
		return p, nil
	case "":
		return dispatch.PolicyTerminate, nil
	default:
		return "", fmt.Errorf("auth.unauthenticated_policy must be terminate or reject: %q", s)
	}
}

func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Dispatch returns the dispatcher settings.
func (c *Config) Dispatch() dispatch.Config {
	policy, _ := ParsePolicy(c.Auth.UnauthenticatedPolicy)
	return dispatch.Config{Policy: policy, MaxTextLength: c.Chat.MaxTextLength}
}

// TTLs returns the session lifetimes.
func (c *Config) TTLs() session.TTLConfig {
	return session.TTLConfig{Connection: c.Session.ConnectionTTL, Authenticated: c.Session.AuthenticatedTTL}
}
