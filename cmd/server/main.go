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

// Mailbox mirror sync service
//
// Entry point for the sync service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis
//  3. Wires the token manager, Graph gateway, folder reconciler, delta
//     syncer and orchestrator
//  4. Runs the periodic full sync of every connected account
//  5. Serves the control API (health, on-demand syncs, stats)
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailmirror/internal/api"
	"github.com/bcem/mailmirror/internal/config"
	"github.com/bcem/mailmirror/internal/delta"
	"github.com/bcem/mailmirror/internal/events"
	"github.com/bcem/mailmirror/internal/folders"
	"github.com/bcem/mailmirror/internal/graph"
	"github.com/bcem/mailmirror/internal/lock"
	"github.com/bcem/mailmirror/internal/orchestrator"
	"github.com/bcem/mailmirror/internal/store"
	"github.com/bcem/mailmirror/internal/token"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailbox mirror sync service",
		"graph", cfg.GraphBaseURL,
		"sync_interval", cfg.Sync.Interval,
		"folder_batch", cfg.Sync.FolderBatchSize,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	st, err := store.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := events.NewPublisher(rdb, cfg.EventsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	locker := lock.NewRedisLocker(rdb, cfg.Sync.LockTTL)

	// --- Sync Engine ---
	httpClient := &http.Client{Timeout: 60 * time.Second}

	tokens := token.NewManager(token.ManagerConfig{
		Store:            st,
		Refresher:        token.NewOAuthRefresher(cfg.OAuth, httpClient),
		RefreshMargin:    cfg.Sync.RefreshMargin,
		FailureThreshold: cfg.Sync.FailureThreshold,
	})

	gateway := graph.NewClient(graph.ClientConfig{
		HTTPClient:  httpClient,
		BaseURL:     cfg.GraphBaseURL,
		Tokens:      tokens,
		PageSize:    cfg.Sync.PageSize,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseBackoff: cfg.Sync.BaseBackoff,
		MaxBackoff:  cfg.Sync.MaxBackoff,
	})

	orch := orchestrator.New(orchestrator.Config{
		Store:   st,
		Folders: folders.NewReconciler(st, gateway),
		Messages: delta.NewSyncer(delta.SyncerConfig{
			Store:     st,
			Gateway:   gateway,
			BatchSize: cfg.Sync.UpsertBatchSize,
		}),
		Locker:    locker,
		Publisher: publisher,
		BatchSize: cfg.Sync.FolderBatchSize,
	})

	var scheduler *orchestrator.Scheduler
	if cfg.Sync.Interval > 0 {
		scheduler = orchestrator.NewScheduler(orch, cfg.Sync.Interval)
		scheduler.StartPeriodicSync(ctx)
	} else {
		slog.Info("periodic sync disabled")
	}

	// --- Control API ---
	handler := api.NewHandler(ctx, orch, st, map[string]api.HealthCheck{
		"postgres": st.Ping,
		"redis":    publisher.Ping,
	})
	ready, err := api.Serve(ctx, cfg.Port, handler)
	if err != nil {
		slog.Error("failed to start API server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Stop all background goroutines

	if scheduler != nil {
		scheduler.Stop()
	}
	handler.Wait()

	rdb.Close()
	pgPool.Close()

	slog.Info("sync service stopped")
}
