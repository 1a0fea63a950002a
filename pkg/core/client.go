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
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// NewConnectionID returns an identifier for a freshly accepted connection.
// It never comes from the client.
func NewConnectionID() string {
	return uuid.NewString()
}

// ClientAddress returns the originating host of r, preferring the first
// X-Forwarded-For hop and then X-Real-IP.
func ClientAddress(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if host := normalizeHost(strings.TrimSpace(first)); host != "" {
			return host
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		if host := normalizeHost(strings.TrimSpace(real)); host != "" {
			return host
		}
	}
	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return normalizeHost(host)
}

func normalizeHost(host string) string {
	host = strings.Trim(host, "[]")
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
