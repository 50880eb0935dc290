// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bcem/mailmirror/internal/models"
)

// Scheduler runs a full sync of every eligible account at a fixed interval.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a periodic sync scheduler.
func NewScheduler(orch *Orchestrator, interval time.Duration) *Scheduler {
	return &Scheduler{orch: orch, interval: interval}
}

// StartPeriodicSync starts the sync loop in the background. Stop ends it.
func (s *Scheduler) StartPeriodicSync(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.RunOnce(loopCtx)
			}
		}
	}()

	slog.Info("periodic sync started", "interval", s.interval)
}

// RunOnce syncs every account that is not waiting for re-authentication,
// one account at a time. It returns the number of syncs that ran.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	accounts, err := s.orch.store.ListAccounts(ctx)
	if err != nil {
		slog.Error("periodic sync: list accounts failed", "error", err)
		return 0
	}

	ran := 0
	for _, acct := range accounts {
		if ctx.Err() != nil {
			break
		}
		if acct.Status == models.AccountNeedsReauth {
			slog.Debug("periodic sync: skipping account awaiting re-authentication", "account", acct.ID)
			continue
		}

		res, err := s.orch.PerformFullSync(ctx, acct.ID)
		if errors.Is(err, ErrSyncInProgress) {
			slog.Debug("periodic sync: account already syncing", "account", acct.ID)
			continue
		}
		if err != nil {
			slog.Error("periodic sync failed",
				"account", acct.ID,
				"error", err,
			)
			continue
		}
		ran++
		slog.Debug("periodic sync finished", "account", acct.ID, "status", res.Status)
	}
	return ran
}

// Stop shuts down the periodic sync loop.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
