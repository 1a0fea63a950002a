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
	"encoding/json"
	"time"
)

type DeliveryGuarantee int

const (
	DeliveryAuto DeliveryGuarantee = iota
	DeliveryNone
	DeliveryAtMostOnce
	DeliveryAtLeastOnce
)

func (d DeliveryGuarantee) String() string {
	switch d {
	case DeliveryNone:
		return "none"
	case DeliveryAtMostOnce:
		return "at_most_once"
	case DeliveryAtLeastOnce:
		return "at_least_once"
	default:
		return "auto"
	}
}

// FrameType is the "type" field of a wire envelope.
type FrameType string

const (
	FrameAuth            FrameType = "auth"
	FrameChat            FrameType = "chat"
	FramePing            FrameType = "ping"
	FrameAuthResponse    FrameType = "auth_response"
	FrameMessageResponse FrameType = "message_response"
	FramePong            FrameType = "pong"
	FrameError           FrameType = "error"
)

// Inbound reports whether t is a frame type clients may send.
func (t FrameType) Inbound() bool {
	switch t {
	case FrameAuth, FrameChat, FramePing:
		return true
	}
	return false
}

// WebSocket close codes used when the server tears a connection down.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseTryAgainLater   = 1013
)

type Envelope struct {
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

type AuthRequest struct {
	Token string `json:"token"`
}

type ChatRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"sessionId,omitempty"`
}

type AuthResponse struct {
	Success   bool      `json:"success"`
	UserID    string    `json:"userId,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

type MessageResponse struct {
	Success   bool      `json:"success"`
	MessageID string    `json:"messageId"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
}

type PongResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode renders an outbound envelope.
func Encode(t FrameType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: t, Data: raw})
}

// EncodeError renders an error envelope. It cannot fail.
func EncodeError(code, message string) []byte {
	b, _ := Encode(FrameError, ErrorResponse{Code: code, Message: message})
	return b
}

// Identity is the verified result of a bearer token.
type Identity struct {
	Subject   string
	Claims    map[string]any
	ExpiresAt time.Time
}

// RelayMessage is what a chat frame becomes on a broker.
type RelayMessage struct {
	MessageID    string    `json:"message_id"`
	ConnectionID string    `json:"connection_id"`
	SessionID    string    `json:"session_id"`
	Text         string    `json:"text"`
	Timestamp    time.Time `json:"timestamp"`
}

func (m RelayMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Route maps an inbound frame type to a relay endpoint.
type Route struct {
	Source            FrameType
	Target            string
	DeliveryGuarantee DeliveryGuarantee
}
