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

package breaker

import "time"

// Config tunes one breaker. Zero fields take the value from DefaultConfig.
type Config struct {
	// FailureThreshold is the number of failures inside the monitoring
	// window that opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before a trial.
	RecoveryTimeout time.Duration
	// ExpectedResponseTime marks slower successful calls as quasi-failures
	// when computing the windowed failure rate.
	ExpectedResponseTime time.Duration
	MonitoringWindow     time.Duration
	// MinimumRequestCount is the number of windowed calls required before
	// the breaker may open at all.
	MinimumRequestCount int
	// CallTimeout bounds a single call. Zero means no bound.
	CallTimeout time.Duration
	// IsFailure decides which errors count against the dependency. Nil
	// counts every non-nil error.
	IsFailure func(error) bool
}

// DefaultCallTimeout bounds dependency calls when the config leaves
// call_timeout unset.
const DefaultCallTimeout = 5 * time.Second

// FailureRateThreshold is the windowed failure rate above which a breaker opens.
const FailureRateThreshold = 0.5

func DefaultConfig() Config {
	return Config{
		FailureThreshold:     5,
		RecoveryTimeout:      30 * time.Second,
		ExpectedResponseTime: time.Second,
		MonitoringWindow:     time.Minute,
		MinimumRequestCount:  10,
	}
}

// Merge returns c with every zero field taken from base.
func (c Config) Merge(base Config) Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = base.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = base.RecoveryTimeout
	}
	if c.ExpectedResponseTime <= 0 {
		c.ExpectedResponseTime = base.ExpectedResponseTime
	}
	if c.MonitoringWindow <= 0 {
		c.MonitoringWindow = base.MonitoringWindow
	}
	if c.MinimumRequestCount <= 0 {
		c.MinimumRequestCount = base.MinimumRequestCount
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = base.CallTimeout
	}
	if c.IsFailure == nil {
		c.IsFailure = base.IsFailure
	}
	return c
}

func (c Config) isFailure(err error) bool {
	if err == nil {
		return false
	}
	if c.IsFailure == nil {
		return true
	}
	return c.IsFailure(err)
}
