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
	"sort"
	"sync"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Table maps inbound frame types to relay routes. ReplaceAll swaps the whole
// set at once so a config reload is never observed half applied.
type Table struct {
	mu     sync.RWMutex
	routes map[core.FrameType]core.Route
}

func NewTable(routes ...core.Route) *Table {
	t := &Table{routes: make(map[core.FrameType]core.Route, len(routes))}
	for _, r := range routes {
		t.routes[r.Source] = r
	}
	return t
}

func (t *Table) Add(route core.Route) {
	t.mu.Lock()
	t.routes[route.Source] = route
	t.mu.Unlock()
}

func (t *Table) Remove(source core.FrameType) {
	t.mu.Lock()
	delete(t.routes, source)
	t.mu.Unlock()
}

func (t *Table) Lookup(source core.FrameType) (core.Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.routes[source]
	return r, ok
}

func (t *Table) ReplaceAll(routes []core.Route) {
	next := make(map[core.FrameType]core.Route, len(routes))
	for _, r := range routes {
		next[r.Source] = r
	}
	t.mu.Lock()
	t.routes = next
	t.mu.Unlock()
}

// List returns the routes ordered by source.
func (t *Table) List() []core.Route {
	t.mu.RLock()
	out := make([]core.Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes)
}
