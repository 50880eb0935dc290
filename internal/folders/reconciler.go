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

// Package folders reconciles the local folder tree of an account with the
// remote mailbox hierarchy.
package folders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/mailmirror/internal/graph"
	"github.com/bcem/mailmirror/internal/models"
)

// Store is the persistence the reconciler needs.
// Implemented by store.Store and memstore.Store.
type Store interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	ListFolders(ctx context.Context, accountID string) ([]models.Folder, error)
	InsertFolder(ctx context.Context, f models.Folder) (int64, error)
	UpdateFolder(ctx context.Context, f models.Folder) error
	DeleteFolders(ctx context.Context, accountID string, ids []int64) (int, error)
	SaveCursor(ctx context.Context, c models.SyncCursor) error
}

// Gateway lists remote folders. Implemented by graph.Client.
type Gateway interface {
	ListFolders(ctx context.Context, mb graph.Mailbox) ([]graph.Folder, error)
	ListChildFolders(ctx context.Context, mb graph.Mailbox, parentID string) ([]graph.Folder, error)
}

// Result summarises one reconciliation. Folders is the full remote set,
// with ParentFolderID cleared on top-level folders.
type Result struct {
	Created int
	Updated int
	Deleted int
	Folders []graph.Folder
	Errors  []string
}

func (r *Result) addError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Reconciler mirrors the remote folder hierarchy into the store.
type Reconciler struct {
	store   Store
	gateway Gateway
	now     func() time.Time
}

// NewReconciler creates a folder reconciler.
func NewReconciler(store Store, gateway Gateway) *Reconciler {
	return &Reconciler{store: store, gateway: gateway, now: time.Now}
}

// SyncFolders fetches the full remote hierarchy, creates and updates local
// folders to match and deletes local folders that no longer exist remotely.
// Failures are collected in the result rather than returned.
func (r *Reconciler) SyncFolders(ctx context.Context, accountID string) Result {
	var res Result

	acct, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		res.addError("load account: %v", err)
		return res
	}
	if acct == nil {
		res.addError("account %s not found", accountID)
		return res
	}
	mb := graph.MailboxFor(acct)

	top, err := r.gateway.ListFolders(ctx, mb)
	if err != nil {
		// Without the top-level listing the remote set is unknown, so
		// nothing may be deleted.
		res.addError("list folders: %v", err)
		return res
	}

	w := walker{
		ctx:     ctx,
		gateway: r.gateway,
		mb:      mb,
		res:     &res,
		visited: make(map[string]bool),
		failed:  make(map[string]bool),
	}
	w.walk(top, nil)

	local, err := r.store.ListFolders(ctx, accountID)
	if err != nil {
		res.addError("list local folders: %v", err)
		return res
	}
	byGraphID := make(map[string]models.Folder, len(local))
	for _, f := range local {
		byGraphID[f.GraphID] = f
	}

	for _, rf := range res.Folders {
		want := models.Folder{
			AccountID:     accountID,
			GraphID:       rf.ID,
			DisplayName:   rf.DisplayName,
			ParentGraphID: parentOf(rf),
			UnreadCount:   rf.UnreadItemCount,
			TotalCount:    rf.TotalItemCount,
			IsHidden:      rf.IsHidden,
		}

		existing, ok := byGraphID[rf.ID]
		if !ok {
			if _, err := r.store.InsertFolder(ctx, want); err != nil {
				res.addError("create folder %q: %v", rf.DisplayName, err)
				continue
			}
			res.Created++
			continue
		}

		if !changed(existing, want) {
			continue
		}
		want.ID = existing.ID
		if err := r.store.UpdateFolder(ctx, want); err != nil {
			res.addError("update folder %q: %v", rf.DisplayName, err)
			continue
		}
		res.Updated++
	}

	stale := staleFolders(local, w.visited, w.failed)
	if len(stale) > 0 {
		n, err := r.store.DeleteFolders(ctx, accountID, stale)
		if err != nil {
			res.addError("delete folders: %v", err)
		}
		res.Deleted = n
	}

	cursor := models.SyncCursor{
		AccountID:  accountID,
		Scope:      models.ScopeFolders(),
		LastSyncAt: r.now().UTC(),
		Status:     models.CursorCompleted,
	}
	if err := r.store.SaveCursor(ctx, cursor); err != nil {
		res.addError("save folder cursor: %v", err)
	}

	slog.Info("folder sync complete",
		"account", accountID,
		"remote", len(res.Folders),
		"created", res.Created,
		"updated", res.Updated,
		"deleted", res.Deleted,
		"errors", len(res.Errors),
	)
	return res
}

// walker collects the remote hierarchy depth first.
type walker struct {
	ctx     context.Context
	gateway Gateway
	mb      graph.Mailbox
	res     *Result

	// visited guards against a folder being listed under two parents.
	visited map[string]bool
	// failed holds folders whose children could not be listed.
	failed map[string]bool
}

func (w *walker) walk(folders []graph.Folder, parentID *string) {
	for _, f := range folders {
		if w.visited[f.ID] {
			slog.Warn("folder seen twice in hierarchy, skipping",
				"account", w.mb.AccountID,
				"folder", f.ID,
			)
			continue
		}
		w.visited[f.ID] = true

		if parentID == nil {
			f.ParentFolderID = ""
		} else {
			f.ParentFolderID = *parentID
		}
		w.res.Folders = append(w.res.Folders, f)

		if f.ChildFolderCount <= 0 {
			continue
		}
		children, err := w.gateway.ListChildFolders(w.ctx, w.mb, f.ID)
		if err != nil {
			w.failed[f.ID] = true
			w.res.addError("list child folders of %q: %v", f.DisplayName, err)
			continue
		}
		id := f.ID
		w.walk(children, &id)
	}
}

func parentOf(f graph.Folder) *string {
	if f.ParentFolderID == "" {
		return nil
	}
	p := f.ParentFolderID
	return &p
}

func changed(a, b models.Folder) bool {
	return a.DisplayName != b.DisplayName ||
		!equalStringPtr(a.ParentGraphID, b.ParentGraphID) ||
		a.UnreadCount != b.UnreadCount ||
		a.TotalCount != b.TotalCount ||
		a.IsHidden != b.IsHidden
}

func equalStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// staleFolders returns local folders absent from the remote set, keeping
// any whose ancestor's children could not be listed.
func staleFolders(local []models.Folder, remote, failed map[string]bool) []int64 {
	parents := make(map[string]*string, len(local))
	for _, f := range local {
		parents[f.GraphID] = f.ParentGraphID
	}

	underFailed := func(f models.Folder) bool {
		seen := make(map[string]bool)
		for p := f.ParentGraphID; p != nil && !seen[*p]; p = parents[*p] {
			if failed[*p] {
				return true
			}
			seen[*p] = true
		}
		return false
	}

	var ids []int64
	for _, f := range local {
		if remote[f.GraphID] || underFailed(f) {
			continue
		}
		ids = append(ids, f.ID)
	}
	return ids
}
