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

package routing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wso2/api-platform/gateway/chat-relay/internal/breaker"
	"github.com/wso2/api-platform/gateway/chat-relay/internal/logging"
	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

const breakerService = "relay"

// EndpointLookup resolves a route target to a connected relay endpoint.
type EndpointLookup interface {
	Endpoint(name string) (core.RelayEndpoint, bool)
}

// Router publishes relay messages to the endpoint routed for their source
// frame type. Each target has its own "relay/<target>" breaker.
type Router struct {
	table     *Table
	endpoints EndpointLookup
	breakers  *breaker.Registry
	frames    *logging.FrameLogger
	logger    *slog.Logger
}

func NewRouter(table *Table, endpoints EndpointLookup, breakers *breaker.Registry, frames *logging.FrameLogger, logger *slog.Logger) *Router {
	return &Router{
		table:     table,
		endpoints: endpoints,
		breakers:  breakers,
		frames:    frames,
		logger:    logger.With("component", "router"),
	}
}

func (r *Router) Table() *Table {
	return r.table
}

// Publish relays msg for source. It returns core.ErrNoRoute when nothing is
// routed for source. How publish errors surface depends on the route's
// delivery guarantee:
//
//	none           published in the background, errors only logged
//	at_most_once   published inline, errors only logged
//	at_least_once  published inline, errors returned
//	auto           same as at_least_once
func (r *Router) Publish(ctx context.Context, source core.FrameType, msg core.RelayMessage) error {
	route, ok := r.table.Lookup(source)
	if !ok {
		return fmt.Errorf("%w: source=%s", core.ErrNoRoute, source)
	}
	ep, ok := r.endpoints.Endpoint(route.Target)
	if !ok {
		return core.Internal("relay", fmt.Errorf("%w: target=%s", core.ErrTargetNotFound, route.Target))
	}

	publish := func(ctx context.Context) error {
		err := r.breakers.Execute(ctx, breakerService, route.Target, func(ctx context.Context) error {
			return ep.Publish(ctx, msg)
		}, nil)
		r.frames.Relayed(msg, route, err)
		return err
	}

	switch route.DeliveryGuarantee {
	case core.DeliveryNone:
		go func() {
			if err := publish(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("relay publish failed", "target", route.Target, "message_id", msg.MessageID, "error", err)
			}
		}()
		return nil
	case core.DeliveryAtMostOnce:
		if err := publish(ctx); err != nil {
			r.logger.Warn("relay publish failed", "target", route.Target, "message_id", msg.MessageID, "error", err)
		}
		return nil
	default:
		if err := publish(ctx); err != nil {
			return core.Dependency("relay", err)
		}
		return nil
	}
}
