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

// Package api exposes the sync engine over HTTP: health, on-demand full and
// folder syncs, and mailbox statistics.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bcem/mailmirror/internal/delta"
	"github.com/bcem/mailmirror/internal/models"
	"github.com/bcem/mailmirror/internal/orchestrator"
	"github.com/bcem/mailmirror/internal/token"
)

// Syncer is implemented by orchestrator.Orchestrator.
type Syncer interface {
	PerformFullSync(ctx context.Context, accountID string) (*orchestrator.SyncResult, error)
	SyncFolder(ctx context.Context, accountID string, folderID int64) (*delta.Result, error)
	GetSyncStats(ctx context.Context, accountID string) (*models.SyncStats, error)
}

// AccountReader looks up accounts. Implemented by store.Store.
type AccountReader interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Handler serves the control API.
type Handler struct {
	syncer   Syncer
	accounts AccountReader
	checks   map[string]HealthCheck

	// baseCtx outlives requests; background syncs run on it.
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewHandler creates the API handler. Background syncs started through the
// API are cancelled with ctx.
func NewHandler(ctx context.Context, syncer Syncer, accounts AccountReader, checks map[string]HealthCheck) *Handler {
	return &Handler{
		syncer:   syncer,
		accounts: accounts,
		checks:   checks,
		baseCtx:  ctx,
	}
}

// Router builds the gin engine.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", h.health)

	accounts := r.Group("/accounts/:id")
	accounts.POST("/sync", h.startFullSync)
	accounts.POST("/folders/:folderID/sync", h.syncFolder)
	accounts.GET("/stats", h.stats)

	return r
}

// Wait blocks until background syncs started through the API finish.
func (h *Handler) Wait() {
	h.wg.Wait()
}

func (h *Handler) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			slog.Warn("health check failed", "dependency", name, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "dependency": name})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// startFullSync accepts a full sync and runs it in the background.
func (h *Handler) startFullSync(c *gin.Context) {
	accountID := c.Param("id")

	acct, err := h.accounts.GetAccount(c.Request.Context(), accountID)
	if err != nil {
		writeError(c, err)
		return
	}
	if acct == nil {
		writeError(c, fmt.Errorf("account %s: %w", accountID, orchestrator.ErrAccountNotFound))
		return
	}
	if acct.Status == models.AccountNeedsReauth {
		writeError(c, fmt.Errorf("account %s: %w", accountID, token.ErrReauthRequired))
		return
	}

	// A stored "syncing" status may be left over from a crashed run; the
	// orchestrator's run lock decides whether a sync is really in progress.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res, err := h.syncer.PerformFullSync(h.baseCtx, accountID)
		if errors.Is(err, orchestrator.ErrSyncInProgress) {
			slog.Info("requested full sync skipped, account already syncing", "account", accountID)
			return
		}
		if err != nil {
			slog.Error("requested full sync failed", "account", accountID, "error", err)
			return
		}
		slog.Info("requested full sync finished", "account", accountID, "status", res.Status)
	}()

	c.JSON(http.StatusAccepted, gin.H{"account_id": accountID, "status": "accepted"})
}

func (h *Handler) syncFolder(c *gin.Context) {
	accountID := c.Param("id")
	folderID, err := strconv.ParseInt(c.Param("folderID"), 10, 64)
	if err != nil || folderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "folder id must be a positive integer"})
		return
	}

	res, err := h.syncer.SyncFolder(c.Request.Context(), accountID, folderID)
	if err != nil {
		writeError(c, err)
		return
	}

	status := "success"
	if len(res.Errors) > 0 {
		status = "partial"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  status,
		"created": res.Created,
		"updated": res.Updated,
		"deleted": res.Deleted,
		"synced":  res.Synced,
		"errors":  nonNil(res.Errors),
	})
}

func (h *Handler) stats(c *gin.Context) {
	stats, err := h.syncer.GetSyncStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// writeError maps engine errors onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, orchestrator.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrSyncInProgress),
		errors.Is(err, token.ErrReauthRequired):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// requestLogger logs each request through slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Serve starts the API server in a goroutine and returns a channel that is
// closed once the listener is bound. The server closes when ctx is done.
func Serve(ctx context.Context, port int, handler *Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind API port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("API server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("API server error", "error", err)
		}
	}()

	return ready, nil
}
