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

package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/config"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/jms"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/kafka"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/mqtt"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/mqtt5"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/rabbitmq"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/plugins/solace"
)

func registerRelays(cfg *config.Config, reg *plugins.Registry, logger *slog.Logger) {
	for _, rc := range cfg.Relays {
		ep, err := newRelay(rc, logger)
		if err != nil {
			logger.Warn("relay skipped", "name", rc.Name, "type", rc.Type, "error", err)
			continue
		}
		reg.RegisterRelay(ep)
	}
}

func newRelay(rc config.RelayConfig, logger *slog.Logger) (core.RelayEndpoint, error) {
	c := rc.Config
	switch rc.Type {
	case "kafka":
		return kafka.New(rc.Name, splitList(c["brokers"]), c["topic"], logger), nil
	case "rabbitmq":
		key := c["routing_key"]
		if key == "" {
			key = c["queue"]
		}
		return rabbitmq.New(rc.Name, c["url"], c["exchange"], key, logger), nil
	case "mqtt", "mqtt5":
		qos, err := parseQoS(c["qos"])
		if err != nil {
			return nil, err
		}
		if rc.Type == "mqtt" {
			return mqtt.New(rc.Name, c["broker"], c["topic"], qos, logger), nil
		}
		return mqtt5.New(rc.Name, c["broker"], c["topic"], qos, logger), nil
	case "jms":
		return jms.New(rc.Name, c["url"], c["queue"], logger), nil
	case "solace":
		return solace.New(rc.Name, c["host"], c["vpn"], c["username"], c["password"], c["topic"], logger), nil
	default:
		return nil, fmt.Errorf("unknown relay type %q", rc.Type)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseQoS defaults to at-least-once delivery.
func parseQoS(s string) (byte, error) {
	if s == "" {
		return 1, nil
	}
	q, err := strconv.ParseUint(s, 10, 8)
	if err != nil || q > 2 {
		return 0, fmt.Errorf("qos must be 0, 1 or 2: %q", s)
	}
	return byte(q), nil
}
