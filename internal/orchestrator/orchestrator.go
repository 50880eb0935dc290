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

// Package orchestrator runs full mailbox syncs: folder reconciliation first,
// then message delta sync across every folder in bounded concurrent
// batches, and finally the account health update.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bcem/mailmirror/internal/delta"
	"github.com/bcem/mailmirror/internal/events"
	"github.com/bcem/mailmirror/internal/folders"
	"github.com/bcem/mailmirror/internal/lock"
	"github.com/bcem/mailmirror/internal/models"
	"github.com/bcem/mailmirror/internal/token"
)

// ErrSyncInProgress is returned when the account is already being synced.
var ErrSyncInProgress = errors.New("sync already in progress")

// ErrAccountNotFound is returned for an unknown account id.
var ErrAccountNotFound = errors.New("account not found")

// maxStatusErrors bounds how many errors are folded into status_message.
const maxStatusErrors = 5

// Status is the overall outcome of a full sync.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// Store is the persistence the orchestrator needs.
// Implemented by store.Store and memstore.Store.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, message string) error
	RecordSyncOutcome(ctx context.Context, id string, o models.SyncOutcome) error
	ListFolders(ctx context.Context, accountID string) ([]models.Folder, error)
	SyncStats(ctx context.Context, accountID string) (*models.SyncStats, error)
}

// FolderSyncer is implemented by folders.Reconciler.
type FolderSyncer interface {
	SyncFolders(ctx context.Context, accountID string) folders.Result
}

// MessageSyncer is implemented by delta.Syncer.
type MessageSyncer interface {
	SyncMessages(ctx context.Context, accountID string, folderID *int64) delta.Result
}

// Publisher is implemented by events.Publisher.
type Publisher interface {
	PublishSyncCompleted(ctx context.Context, ev events.SyncCompleted) error
}

// FolderOutcome is the message sync result of one folder.
type FolderOutcome struct {
	FolderID    int64
	GraphID     string
	DisplayName string
	Result      delta.Result
}

// MessageSyncSummary aggregates the per-folder message syncs.
type MessageSyncSummary struct {
	Synced  int
	Created int
	Updated int
	Deleted int
	Errors  []string
	Folders []FolderOutcome
}

// SyncResult is the outcome of PerformFullSync.
type SyncResult struct {
	AccountID   string
	Status      Status
	FolderSync  folders.Result
	MessageSync MessageSyncSummary
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Duration is the wall time of the sync.
func (r *SyncResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Errors returns folder and message errors in order.
func (r *SyncResult) Errors() []string {
	out := make([]string, 0, len(r.FolderSync.Errors)+len(r.MessageSync.Errors))
	out = append(out, r.FolderSync.Errors...)
	return append(out, r.MessageSync.Errors...)
}

// Config holds the dependencies of the orchestrator.
type Config struct {
	Store     Store
	Folders   FolderSyncer
	Messages  MessageSyncer
	Locker    lock.Locker
	Publisher Publisher

	// BatchSize is the number of folders synced concurrently.
	BatchSize int
}

// Orchestrator coordinates full and folder-scoped syncs.
type Orchestrator struct {
	store     Store
	folders   FolderSyncer
	messages  MessageSyncer
	locker    lock.Locker
	publisher Publisher
	batchSize int
	now       func() time.Time
}

// New creates an orchestrator. A nil Locker falls back to an in-process
// lock; a nil Publisher disables events.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		store:     cfg.Store,
		folders:   cfg.Folders,
		messages:  cfg.Messages,
		locker:    cfg.Locker,
		publisher: cfg.Publisher,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
	if o.locker == nil {
		o.locker = lock.NewLocalLocker()
	}
	if o.batchSize <= 0 {
		o.batchSize = 10
	}
	return o
}

func lockKey(accountID string) string { return "sync:" + accountID }

// PerformFullSync reconciles folders and then syncs the messages of every
// local folder, smallest first, in concurrent batches. The account's status
// reflects the outcome when it returns.
func (o *Orchestrator) PerformFullSync(ctx context.Context, accountID string) (*SyncResult, error) {
	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if !acct.Status.CanTransitionTo(models.AccountSyncing) {
		return nil, fmt.Errorf("account %s is %s: %w", accountID, acct.Status, token.ErrReauthRequired)
	}

	lease, err := o.locker.Acquire(ctx, lockKey(accountID))
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrSyncInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		// Released on a fresh context so a cancelled sync still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			slog.Warn("failed to release sync lock", "account", accountID, "error", err)
		}
	}()

	res := &SyncResult{AccountID: accountID, StartedAt: o.now().UTC()}
	slog.Info("starting full sync", "account", accountID)

	if err := o.store.SetAccountStatus(ctx, accountID, models.AccountSyncing, "Sync in progress"); err != nil {
		return nil, fmt.Errorf("mark account syncing: %w", err)
	}

	res.FolderSync = o.folders.SyncFolders(ctx, accountID)

	if len(res.FolderSync.Folders) == 0 {
		res.Status = StatusFailed
	} else {
		o.syncAllFolders(ctx, accountID, res)
		res.Status = StatusSuccess
		if len(res.FolderSync.Errors) > 0 || len(res.MessageSync.Errors) > 0 {
			res.Status = StatusPartial
		}
	}
	res.FinishedAt = o.now().UTC()

	if err := o.recordOutcome(ctx, res); err != nil {
		return res, err
	}
	o.publish(ctx, res)

	slog.Info("full sync complete",
		"account", accountID,
		"status", res.Status,
		"folders", len(res.FolderSync.Folders),
		"messages_synced", res.MessageSync.Synced,
		"errors", len(res.Errors()),
		"duration", res.Duration(),
	)
	return res, nil
}

// syncAllFolders fans message sync out over the local folders in batches,
// waiting for each batch before starting the next.
func (o *Orchestrator) syncAllFolders(ctx context.Context, accountID string, res *SyncResult) {
	local, err := o.store.ListFolders(ctx, accountID)
	if err != nil {
		res.MessageSync.Errors = append(res.MessageSync.Errors, fmt.Sprintf("list local folders: %v", err))
		return
	}

	for start := 0; start < len(local); start += o.batchSize {
		end := start + o.batchSize
		if end > len(local) {
			end = len(local)
		}
		batch := local[start:end]
		outcomes := make([]FolderOutcome, len(batch))

		var g errgroup.Group
		for i := range batch {
			i, f := i, batch[i]
			g.Go(func() error {
				id := f.ID
				outcomes[i] = FolderOutcome{
					FolderID:    f.ID,
					GraphID:     f.GraphID,
					DisplayName: f.DisplayName,
					Result:      o.messages.SyncMessages(ctx, accountID, &id),
				}
				return nil
			})
		}
		g.Wait()

		for _, out := range outcomes {
			mergeFolder(&res.MessageSync, out)
		}
	}
}

func mergeFolder(sum *MessageSyncSummary, out FolderOutcome) {
	sum.Synced += out.Result.Synced
	sum.Created += out.Result.Created
	sum.Updated += out.Result.Updated
	sum.Deleted += out.Result.Deleted
	for _, e := range out.Result.Errors {
		sum.Errors = append(sum.Errors, fmt.Sprintf("folder %q (%d): %s", out.DisplayName, out.FolderID, e))
	}
	sum.Folders = append(sum.Folders, out)
}

// recordOutcome writes the account health derived from the result. An
// account moved to needs_reauth during the sync keeps that status.
func (o *Orchestrator) recordOutcome(ctx context.Context, res *SyncResult) error {
	outcome := models.SyncOutcome{
		Status:              models.AccountActive,
		StatusMessage:       statusMessage(res),
		MessagesSynced:      res.MessageSync.Synced,
		ResetErrorCount:     res.Status == StatusSuccess,
		InitialSyncComplete: res.Status != StatusFailed,
		FinishedAt:          res.FinishedAt,
	}
	if res.Status != StatusSuccess {
		outcome.Status = models.AccountError
	}

	// Store calls below must run even if the sync was cancelled.
	ctx = context.WithoutCancel(ctx)

	acct, err := o.store.GetAccount(ctx, res.AccountID)
	if err != nil {
		return fmt.Errorf("reload account: %w", err)
	}
	if acct != nil && (acct.Status == models.AccountNeedsReauth || !acct.Status.CanTransitionTo(outcome.Status)) {
		outcome.Status = acct.Status
		outcome.StatusMessage = acct.StatusMessage
	}

	if err := o.store.RecordSyncOutcome(ctx, res.AccountID, outcome); err != nil {
		return fmt.Errorf("record sync outcome: %w", err)
	}
	return nil
}

func statusMessage(res *SyncResult) string {
	errs := res.Errors()
	switch {
	case res.Status == StatusSuccess:
		return fmt.Sprintf("Synced %d messages across %d folders", res.MessageSync.Synced, len(res.MessageSync.Folders))
	case res.Status == StatusFailed && len(errs) == 0:
		return "No folders found in mailbox"
	}

	shown := errs
	if len(shown) > maxStatusErrors {
		shown = shown[:maxStatusErrors]
	}
	msg := fmt.Sprintf("Sync %s with %d errors: %s", res.Status, len(errs), strings.Join(shown, "; "))
	if len(errs) > len(shown) {
		msg += fmt.Sprintf("; and %d more", len(errs)-len(shown))
	}
	return msg
}

func (o *Orchestrator) publish(ctx context.Context, res *SyncResult) {
	if o.publisher == nil {
		return
	}
	ev := events.SyncCompleted{
		AccountID:      res.AccountID,
		Status:         string(res.Status),
		MessagesSynced: res.MessageSync.Synced,
		Created:        res.MessageSync.Created,
		Updated:        res.MessageSync.Updated,
		Deleted:        res.MessageSync.Deleted,
		ErrorCount:     len(res.Errors()),
		StartedAt:      res.StartedAt,
		FinishedAt:     res.FinishedAt,
	}
	if err := o.publisher.PublishSyncCompleted(context.WithoutCancel(ctx), ev); err != nil {
		slog.Warn("failed to publish sync event", "account", res.AccountID, "error", err)
	}
}

// SyncFolder runs a message delta sync of a single local folder. It shares
// the account's run lock with PerformFullSync.
func (o *Orchestrator) SyncFolder(ctx context.Context, accountID string, folderID int64) (*delta.Result, error) {
	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	if acct.Status == models.AccountNeedsReauth {
		return nil, fmt.Errorf("account %s: %w", accountID, token.ErrReauthRequired)
	}

	lease, err := o.locker.Acquire(ctx, lockKey(accountID))
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrSyncInProgress)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer lease.Release(context.WithoutCancel(ctx))

	res := o.messages.SyncMessages(ctx, accountID, &folderID)
	return &res, nil
}

// GetSyncStats returns message totals and the latest message sync time.
func (o *Orchestrator) GetSyncStats(ctx context.Context, accountID string) (*models.SyncStats, error) {
	acct, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if acct == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountNotFound)
	}
	stats, err := o.store.SyncStats(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("sync stats: %w", err)
	}
	return stats, nil
}
