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

// Mailbox mirror one-shot sync command
//
// Runs a single full sync, a single folder sync, or prints mailbox
// statistics for one connected account, then exits. Shares the service's
// Redis run lock, so it never overlaps a sync the service is running.
//
// Usage:
//
//	go run ./cmd/mailsync/ --account <id> [--folder <local folder id>] [--stats]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailmirror/internal/config"
	"github.com/bcem/mailmirror/internal/delta"
	"github.com/bcem/mailmirror/internal/folders"
	"github.com/bcem/mailmirror/internal/graph"
	"github.com/bcem/mailmirror/internal/lock"
	"github.com/bcem/mailmirror/internal/orchestrator"
	"github.com/bcem/mailmirror/internal/store"
	"github.com/bcem/mailmirror/internal/token"
)

func main() {
	// --- CLI Flags ---
	accountFlag := flag.String("account", "", "Account id to sync (required)")
	folderFlag := flag.Int64("folder", 0, "Local folder id to sync (optional; 0 = full sync)")
	statsFlag := flag.Bool("stats", false, "Print mailbox statistics and exit without syncing")
	flag.Parse()

	if *accountFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --account is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: load configuration: %v\n", err)
		os.Exit(1)
	}

	// Logs go to stderr; stdout carries the JSON result.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

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
	defer rdb.Close()

	locker := lock.NewRedisLocker(rdb, cfg.Sync.LockTTL)
	if err := locker.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

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
		BatchSize: cfg.Sync.FolderBatchSize,
	})

	// --- Run ---
	var result interface{}
	failed := false

	switch {
	case *statsFlag:
		stats, err := orch.GetSyncStats(ctx, *accountFlag)
		if err != nil {
			slog.Error("stats failed", "account", *accountFlag, "error", err)
			os.Exit(1)
		}
		result = stats

	case *folderFlag > 0:
		res, err := orch.SyncFolder(ctx, *accountFlag, *folderFlag)
		if err != nil {
			slog.Error("folder sync failed", "account", *accountFlag, "folder", *folderFlag, "error", err)
			os.Exit(1)
		}
		result = res
		failed = len(res.Errors) > 0

	default:
		res, err := orch.PerformFullSync(ctx, *accountFlag)
		if err != nil {
			slog.Error("full sync failed", "account", *accountFlag, "error", err)
			os.Exit(1)
		}
		result = summarise(res)
		failed = res.Status == orchestrator.StatusFailed
	}

	// --- Summary ---
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		slog.Error("failed to write result", "error", err)
		os.Exit(1)
	}
	if failed {
		os.Exit(2)
	}
}

// fullSyncSummary is the printed form of a full sync result.
type fullSyncSummary struct {
	AccountID      string   `json:"account_id"`
	Status         string   `json:"status"`
	Elapsed        string   `json:"elapsed"`
	FoldersCreated int      `json:"folders_created"`
	FoldersUpdated int      `json:"folders_updated"`
	FoldersDeleted int      `json:"folders_deleted"`
	MessagesSynced int      `json:"messages_synced"`
	Created        int      `json:"created"`
	Updated        int      `json:"updated"`
	Deleted        int      `json:"deleted"`
	Errors         []string `json:"errors"`
}

func summarise(res *orchestrator.SyncResult) fullSyncSummary {
	return fullSyncSummary{
		AccountID:      res.AccountID,
		Status:         string(res.Status),
		Elapsed:        res.Duration().Round(time.Millisecond).String(),
		FoldersCreated: res.FolderSync.Created,
		FoldersUpdated: res.FolderSync.Updated,
		FoldersDeleted: res.FolderSync.Deleted,
		MessagesSynced: res.MessageSync.Synced,
		Created:        res.MessageSync.Created,
		Updated:        res.MessageSync.Updated,
		Deleted:        res.MessageSync.Deleted,
		Errors:         res.Errors(),
	}
}
