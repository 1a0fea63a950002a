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

package dispatch

import (
	"bytes"
	"encoding/json"

	"github.com/wso2/api-platform/gateway/chat-relay/pkg/core"
)

// Parse validates the shape of an inbound frame. Every failure is a
// validation error carrying the client-facing reason.
func Parse(frame []byte) (core.Envelope, error) {
	if len(bytes.TrimSpace(frame)) == 0 {
		return core.Envelope{}, core.Validation("missing body")
	}
	if !json.Valid(frame) {
		return core.Envelope{}, core.Validation("invalid json")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		return core.Envelope{}, core.Validation("invalid message format")
	}
	rawType, hasType := fields["type"]
	rawData, hasData := fields["data"]
	if !hasType || !hasData {
		return core.Envelope{}, core.Validation("invalid message format")
	}

	var typ string
	if err := json.Unmarshal(rawType, &typ); err != nil {
		return core.Envelope{}, core.Validation("invalid message format")
	}
	if d := bytes.TrimSpace(rawData); len(d) == 0 || d[0] != '{' {
		return core.Envelope{}, core.Validation("invalid message format")
	}

	ft := core.FrameType(typ)
	if !ft.Inbound() {
		return core.Envelope{}, core.Validation("invalid message type")
	}
	return core.Envelope{Type: ft, Data: rawData}, nil
}
