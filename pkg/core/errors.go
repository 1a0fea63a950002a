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
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionClosed       = errors.New("session closed")
	ErrInvalidToken        = errors.New("invalid token")
	ErrStoreClosed         = errors.New("session store closed")
	ErrConnectionNotFound  = errors.New("connection not found")
	ErrNoRoute             = errors.New("no route for source")
	ErrTargetNotFound      = errors.New("target endpoint not found")
	ErrEndpointUnavailable = errors.New("endpoint unavailable")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
)

// Client-visible error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeUnauthenticated    = "UNAUTHENTICATED_CONNECTION"
	CodeAuthFailed         = "AUTHENTICATION_FAILED"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal           = "INTERNAL_ERROR"
)

// ErrorKind classifies a failure for the purpose of answering the client.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindAuthentication
	KindCircuitOpen
	KindDependency
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthentication:
		return "authentication"
	case KindCircuitOpen:
		return "circuit_open"
	case KindDependency:
		return "dependency"
	default:
		return "internal"
	}
}

// Error is a classified failure. Message is safe to show to clients; Err
// carries the underlying cause and is only ever logged.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.String() + ": " + e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(message string) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: message}
}

func Authentication(code, message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Code: code, Message: message, Err: err}
}

// Dependency wraps a failure returned through a circuit breaker. An open
// breaker is reported as KindCircuitOpen so callers can tell fast-fails apart.
func Dependency(op string, err error) *Error {
	kind := KindDependency
	if errors.Is(err, ErrCircuitOpen) {
		kind = KindCircuitOpen
	}
	return &Error{
		Kind:    kind,
		Code:    CodeServiceUnavailable,
		Message: "service temporarily unavailable",
		Op:      op,
		Err:     err,
	}
}

func Internal(op string, err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Code:    CodeInternal,
		Message: "internal server error",
		Op:      op,
		Err:     err,
	}
}

// KindOf classifies any error. Unclassified errors are internal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindInternal
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return KindDependency
	default:
		return KindInternal
	}
}

// CodeOf returns the client-visible code for err.
func CodeOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Code != "" {
		return ce.Code
	}
	switch KindOf(err) {
	case KindCircuitOpen, KindDependency:
		return CodeServiceUnavailable
	default:
		return CodeInternal
	}
}

// IsDependencyFailure reports whether err indicates an unhealthy dependency.
// Business outcomes such as a missing session or a rejected token are
// answers from a healthy dependency and must not trip a breaker.
func IsDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrSessionClosed),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrConnectionNotFound),
		errors.Is(err, ErrNoRoute):
		return false
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind == KindDependency || ce.Kind == KindInternal
	}
	return true
}

// NotFound builds a wrapped ErrSessionNotFound for id.
func NotFound(id string) error {
	return fmt.Errorf("%w: connection_id=%s", ErrSessionNotFound, id)
}
