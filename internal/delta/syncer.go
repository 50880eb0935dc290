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

// Package delta mirrors messages using the Graph delta query endpoints
// (/mailFolders/{id}/messages/delta and /messages/delta). Each run replays
// the stored delta token, applies every page of changes to the store and
// saves the new delta token once the final page has been applied.
package delta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailmirror/internal/graph"
	"github.com/bcem/mailmirror/internal/models"
)

// ErrUnmappedFolder is recorded for a message whose parent folder has no
// local row yet.
var ErrUnmappedFolder = errors.New("parent folder not mapped locally")

// Store is the persistence the syncer needs.
// Implemented by store.Store and memstore.Store.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetFolder(ctx context.Context, accountID string, id int64) (*models.Folder, error)
	FolderIDMap(ctx context.Context, accountID string) (map[string]int64, error)
	TouchFolder(ctx context.Context, id int64, at time.Time) error

	GetCursor(ctx context.Context, accountID string, scope models.Scope) (*models.SyncCursor, error)
	SaveCursor(ctx context.Context, c models.SyncCursor) error
	DeleteCursor(ctx context.Context, accountID string, scope models.Scope) error

	ExistingMessageIDs(ctx context.Context, accountID string, graphIDs []string) (map[string]int64, error)
	InsertMessages(ctx context.Context, msgs []models.Message) (int, error)
	UpdateMessages(ctx context.Context, msgs []models.Message) (int, error)
	DeleteMessages(ctx context.Context, accountID string, graphIDs []string) (int, error)
}

// Gateway fetches delta pages. Implemented by graph.Client.
type Gateway interface {
	InitialDeltaURL(mb graph.Mailbox, folderID string) string
	FetchDeltaPage(ctx context.Context, mb graph.Mailbox, pageURL string) (*graph.DeltaPage, error)
}

// Result summarises one delta run. DeltaToken is set only when the run
// reached the final page and the token was saved.
type Result struct {
	Created    int
	Updated    int
	Deleted    int
	Synced     int
	DeltaToken string
	Errors     []string
}

func (r *Result) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// SyncerConfig holds the configuration for the delta syncer.
type SyncerConfig struct {
	Store   Store
	Gateway Gateway

	// BatchSize bounds the number of messages per existence query and bulk
	// write. Values above 100 are clamped.
	BatchSize int
}

// Syncer applies delta query results to the store.
type Syncer struct {
	store     Store
	gateway   Gateway
	batchSize int
	now       func() time.Time
}

// NewSyncer creates a delta syncer.
func NewSyncer(cfg SyncerConfig) *Syncer {
	batch := cfg.BatchSize
	if batch <= 0 || batch > 100 {
		batch = 100
	}
	return &Syncer{
		store:     cfg.Store,
		gateway:   cfg.Gateway,
		batchSize: batch,
		now:       time.Now,
	}
}

// run holds the state of one SyncMessages call.
type run struct {
	accountID string
	mb        graph.Mailbox
	scope     models.Scope
	folder    *models.Folder
	folderIDs map[string]int64
	res       Result

	// unmapped is set when a message was skipped because its folder is
	// unknown; the delta token must then not advance past it.
	unmapped bool
}

// SyncMessages syncs the messages of one folder, or of the whole mailbox
// when folderID is nil. Failures are collected in the result; the stored
// delta token only advances when every page was applied.
func (s *Syncer) SyncMessages(ctx context.Context, accountID string, folderID *int64) Result {
	r := &run{accountID: accountID, scope: models.ScopeMailbox()}

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		r.res.addError("load account: %v", err)
		return r.res
	}
	if acct == nil {
		r.res.addError("account %s not found", accountID)
		return r.res
	}
	r.mb = graph.MailboxFor(acct)

	folderGraphID := ""
	if folderID != nil {
		folder, err := s.store.GetFolder(ctx, accountID, *folderID)
		if err != nil {
			r.res.addError("load folder %d: %v", *folderID, err)
			return r.res
		}
		if folder == nil {
			r.res.addError("folder %d not found", *folderID)
			return r.res
		}
		r.folder = folder
		r.scope = models.ScopeFolder(folder.GraphID)
		folderGraphID = folder.GraphID
	}

	r.folderIDs, err = s.store.FolderIDMap(ctx, accountID)
	if err != nil {
		r.res.addError("load folder map: %v", err)
		return r.res
	}

	cursor, err := s.store.GetCursor(ctx, accountID, r.scope)
	if err != nil {
		r.res.addError("load cursor: %v", err)
		return r.res
	}

	initialURL := s.gateway.InitialDeltaURL(r.mb, folderGraphID)
	startURL, resumed := initialURL, false
	if cursor != nil && cursor.DeltaToken != "" {
		startURL, resumed = cursor.DeltaToken, true
	}

	slog.Info("starting delta sync",
		"account", accountID,
		"scope", r.scope.Key(),
		"incremental", resumed,
	)

	deltaLink, err := s.pull(ctx, r, startURL)
	if err != nil && resumed && graph.IsGone(err) {
		slog.Warn("delta token expired (410 Gone), performing full re-sync",
			"account", accountID,
			"scope", r.scope.Key(),
		)
		if err := s.store.DeleteCursor(ctx, accountID, r.scope); err != nil {
			r.res.addError("clear expired cursor: %v", err)
			return r.res
		}
		cursor = nil
		deltaLink, err = s.pull(ctx, r, initialURL)
	}
	if err != nil {
		r.res.addError("%v", err)
		s.markFailed(ctx, cursor)
		return r.res
	}

	if r.unmapped {
		slog.Warn("messages skipped for unmapped folders, delta token not advanced",
			"account", accountID,
			"scope", r.scope.Key(),
		)
		s.markFailed(ctx, cursor)
	} else {
		if err := s.saveCursor(ctx, r, deltaLink); err != nil {
			r.res.addError("%v", err)
			return r.res
		}
		r.res.DeltaToken = deltaLink
	}

	if r.folder != nil {
		if err := s.store.TouchFolder(ctx, r.folder.ID, s.now().UTC()); err != nil {
			r.res.addError("mark folder synced: %v", err)
		}
	}

	slog.Info("delta sync complete",
		"account", accountID,
		"scope", r.scope.Key(),
		"created", r.res.Created,
		"updated", r.res.Updated,
		"deleted", r.res.Deleted,
		"errors", len(r.res.Errors),
	)
	return r.res
}

// pull consumes pages from startURL until the delta link and returns it.
// Pages are applied in order; any fetch or store failure stops the run.
func (s *Syncer) pull(ctx context.Context, r *run, startURL string) (string, error) {
	pageCount := 0

	for url := startURL; ; {
		page, err := s.gateway.FetchDeltaPage(ctx, r.mb, url)
		if err != nil {
			return "", fmt.Errorf("fetch delta page %d: %w", pageCount, err)
		}
		pageCount++

		if err := s.applyPage(ctx, r, page); err != nil {
			return "", fmt.Errorf("apply delta page %d: %w", pageCount-1, err)
		}

		slog.Debug("delta page applied",
			"account", r.accountID,
			"page", pageCount,
			"messages", len(page.Messages),
			"removed", len(page.Removed),
		)

		if page.DeltaLink != "" {
			return page.DeltaLink, nil
		}
		if page.NextLink == "" {
			return "", fmt.Errorf("delta page %d has neither nextLink nor deltaLink", pageCount-1)
		}
		url = page.NextLink
	}
}

func (s *Syncer) applyPage(ctx context.Context, r *run, page *graph.DeltaPage) error {
	if len(page.Removed) > 0 {
		n, err := s.store.DeleteMessages(ctx, r.accountID, page.Removed)
		if err != nil {
			return fmt.Errorf("delete removed messages: %w", err)
		}
		r.res.Deleted += n
	}

	msgs := dedupeMessages(page.Messages)
	for start := 0; start < len(msgs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := s.upsertBatch(ctx, r, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// dedupeMessages drops all but the last copy of a message reported more
// than once in the same page.
func dedupeMessages(msgs []graph.Message) []graph.Message {
	last := make(map[string]int, len(msgs))
	for i, m := range msgs {
		last[m.ID] = i
	}
	if len(last) == len(msgs) {
		return msgs
	}
	out := make([]graph.Message, 0, len(last))
	for i, m := range msgs {
		if last[m.ID] == i {
			out = append(out, m)
		}
	}
	return out
}

// upsertBatch writes one sub-batch with a single existence query, one bulk
// insert and one bulk update.
func (s *Syncer) upsertBatch(ctx context.Context, r *run, batch []graph.Message) error {
	msgs := make([]models.Message, 0, len(batch))
	for i := range batch {
		gm := &batch[i]
		folderID, ok := s.resolveFolder(r, gm)
		if !ok {
			r.unmapped = true
			r.res.addError("message %s: %v (parent %s)", gm.ID, ErrUnmappedFolder, gm.ParentFolderID)
			continue
		}
		msgs = append(msgs, gm.Model(r.accountID, folderID))
	}
	if len(msgs) == 0 {
		return nil
	}

	graphIDs := make([]string, len(msgs))
	for i, m := range msgs {
		graphIDs[i] = m.GraphID
	}
	existing, err := s.store.ExistingMessageIDs(ctx, r.accountID, graphIDs)
	if err != nil {
		return fmt.Errorf("look up existing messages: %w", err)
	}

	var inserts, updates []models.Message
	for _, m := range msgs {
		if id, ok := existing[m.GraphID]; ok {
			m.ID = id
			updates = append(updates, m)
		} else {
			inserts = append(inserts, m)
		}
	}

	if len(inserts) > 0 {
		n, err := s.store.InsertMessages(ctx, inserts)
		if err != nil {
			return fmt.Errorf("insert messages: %w", err)
		}
		r.res.Created += n
		r.res.Synced += n
	}
	if len(updates) > 0 {
		n, err := s.store.UpdateMessages(ctx, updates)
		if err != nil {
			return fmt.Errorf("update messages: %w", err)
		}
		r.res.Updated += n
		r.res.Synced += n
	}
	return nil
}

// resolveFolder maps the message's parent folder to its local id. In a
// folder-scoped run a message without a parent belongs to that folder.
func (s *Syncer) resolveFolder(r *run, gm *graph.Message) (int64, bool) {
	if gm.ParentFolderID == "" && r.folder != nil {
		return r.folder.ID, true
	}
	id, ok := r.folderIDs[gm.ParentFolderID]
	return id, ok
}

// saveCursor replaces the cursor of the run's scope.
func (s *Syncer) saveCursor(ctx context.Context, r *run, deltaLink string) error {
	cursor := models.SyncCursor{
		AccountID:  r.accountID,
		Scope:      r.scope,
		DeltaToken: deltaLink,
		LastSyncAt: s.now().UTC(),
		Status:     models.CursorCompleted,
	}
	if err := s.store.SaveCursor(ctx, cursor); err != nil {
		return fmt.Errorf("persist delta token: %w", err)
	}
	slog.Debug("delta token saved", "account", r.accountID, "scope", r.scope.Key())
	return nil
}

// markFailed records a run that did not complete on the stored cursor. The
// delta token and last sync time are kept so the next run resumes from the
// last good point.
func (s *Syncer) markFailed(ctx context.Context, cursor *models.SyncCursor) {
	if cursor == nil || cursor.Status == models.CursorFailed {
		return
	}
	failed := *cursor
	failed.Status = models.CursorFailed
	if err := s.store.SaveCursor(context.WithoutCancel(ctx), failed); err != nil {
		slog.Warn("failed to mark cursor failed",
			"account", cursor.AccountID,
			"scope", cursor.Scope.Key(),
			"error", err,
		)
	}
}
