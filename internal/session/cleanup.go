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

package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

// CleanupWorker periodically deletes expired sessions.
type CleanupWorker struct {
	purger   Purger
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

func NewCleanupWorker(purger Purger, interval time.Duration, c clock.Clock, logger *slog.Logger) *CleanupWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if c == nil {
		c = clock.New()
	}
	return &CleanupWorker{
		purger:   purger,
		interval: interval,
		clock:    c,
		logger:   logger.With("component", "session_cleanup"),
	}
}

// Run blocks until ctx is done.
func (w *CleanupWorker) Run(ctx context.Context) error {
	w.logger.Info("cleanup worker started", "interval", w.interval)
	ticker := w.clock.Ticker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("cleanup worker stopped")
			return nil
		case <-ticker.C:
			n, err := w.purger.PurgeExpired(ctx)
			if err != nil {
				w.logger.Warn("purge expired sessions failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("expired sessions purged", "count", n)
			}
		}
	}
}
