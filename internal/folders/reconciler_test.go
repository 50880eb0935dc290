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

package folders

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/bcem/mailmirror/internal/graph"
	"github.com/bcem/mailmirror/internal/models"
	"github.com/bcem/mailmirror/internal/store/memstore"
)

// fakeGateway implements Gateway for testing.
type fakeGateway struct {
	mu         sync.Mutex
	top        []graph.Folder
	topErr     error
	children   map[string][]graph.Folder
	childErr   map[string]error
	childCalls int
}

func (g *fakeGateway) ListFolders(_ context.Context, _ graph.Mailbox) ([]graph.Folder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.topErr != nil {
		return nil, g.topErr
	}
	return append([]graph.Folder(nil), g.top...), nil
}

func (g *fakeGateway) ListChildFolders(_ context.Context, _ graph.Mailbox, parentID string) ([]graph.Folder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.childCalls++
	if err := g.childErr[parentID]; err != nil {
		return nil, err
	}
	return append([]graph.Folder(nil), g.children[parentID]...), nil
}

func newAccount(t *testing.T, st *memstore.Store) string {
	t.Helper()
	acct, err := st.CreateAccount(context.Background(), models.Account{UserID: "u1", Email: "user@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acct.ID
}

func strPtr(s string) *string { return &s }

func localByGraphID(t *testing.T, st *memstore.Store, accountID string) map[string]models.Folder {
	t.Helper()
	folders, err := st.ListFolders(context.Background(), accountID)
	if err != nil {
		t.Fatalf("list folders: %v", err)
	}
	out := make(map[string]models.Folder, len(folders))
	for _, f := range folders {
		out[f.GraphID] = f
	}
	return out
}

// TestReconciler_CreateUpdateDelete verifies the first sync, an idempotent
// second sync and a sync after remote changes.
func TestReconciler_CreateUpdateDelete(t *testing.T) {
	st := memstore.New()
	id := newAccount(t, st)
	ctx := context.Background()

	gw := &fakeGateway{
		top: []graph.Folder{
			{ID: "inbox", DisplayName: "Inbox", ParentFolderID: "root", ChildFolderCount: 1, TotalItemCount: 10},
			{ID: "sent", DisplayName: "Sent Items", ParentFolderID: "root", TotalItemCount: 5},
		},
		children: map[string][]graph.Folder{
			"inbox": {{ID: "receipts", DisplayName: "Receipts", ParentFolderID: "inbox", TotalItemCount: 2}},
		},
	}
	r := NewReconciler(st, gw)

	res := r.SyncFolders(ctx, id)
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	if res.Created != 3 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("first sync = %d/%d/%d, want 3/0/0", res.Created, res.Updated, res.Deleted)
	}
	if len(res.Folders) != 3 {
		t.Errorf("remote folders = %d, want 3", len(res.Folders))
	}

	local := localByGraphID(t, st, id)
	if local["inbox"].ParentGraphID != nil {
		t.Errorf("inbox parent = %v, want nil", *local["inbox"].ParentGraphID)
	}
	if p := local["receipts"].ParentGraphID; p == nil || *p != "inbox" {
		t.Errorf("receipts parent = %v, want inbox", p)
	}

	res = r.SyncFolders(ctx, id)
	if res.Created != 0 || res.Updated != 0 || res.Deleted != 0 {
		t.Errorf("second sync = %d/%d/%d, want 0/0/0", res.Created, res.Updated, res.Deleted)
	}
	if n := st.CallCount("UpdateFolder"); n != 0 {
		t.Errorf("UpdateFolder calls = %d, want 0", n)
	}

	// A message in the removed folder goes with it.
	_, err := st.InsertMessages(ctx, []models.Message{{AccountID: id, GraphID: "m1", FolderID: local["receipts"].ID}})
	if err != nil {
		t.Fatalf("insert message: %v", err)
	}

	gw.mu.Lock()
	gw.top[0].ChildFolderCount = 0
	gw.top[1].DisplayName = "Sent"
	gw.mu.Unlock()

	res = r.SyncFolders(ctx, id)
	if res.Created != 0 || res.Updated != 1 || res.Deleted != 1 {
		t.Errorf("third sync = %d/%d/%d, want 0/1/1", res.Created, res.Updated, res.Deleted)
	}
	local = localByGraphID(t, st, id)
	if local["sent"].DisplayName != "Sent" {
		t.Errorf("sent name = %q, want Sent", local["sent"].DisplayName)
	}
	if _, ok := local["receipts"]; ok {
		t.Error("receipts should have been deleted")
	}
	if st.MessageCount(id) != 0 {
		t.Errorf("messages = %d, want 0 after folder delete", st.MessageCount(id))
	}

	cursor, _ := st.GetCursor(ctx, id, models.ScopeFolders())
	if cursor == nil || cursor.Status != models.CursorCompleted {
		t.Errorf("folder cursor = %+v, want completed", cursor)
	}
}

// TestReconciler_TopLevelFailure verifies that nothing is deleted when the
// top-level listing fails.
func TestReconciler_TopLevelFailure(t *testing.T) {
	st := memstore.New()
	id := newAccount(t, st)
	ctx := context.Background()
	st.InsertFolder(ctx, models.Folder{AccountID: id, GraphID: "inbox", DisplayName: "Inbox"})

	r := NewReconciler(st, &fakeGateway{topErr: errors.New("HTTP 503")})
	res := r.SyncFolders(ctx, id)

	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want 1", res.Errors)
	}
	if res.Deleted != 0 || len(res.Folders) != 0 {
		t.Errorf("deleted = %d folders = %d, want 0/0", res.Deleted, len(res.Folders))
	}
	if len(localByGraphID(t, st, id)) != 1 {
		t.Error("local folder should be kept")
	}
	if cursor, _ := st.GetCursor(ctx, id, models.ScopeFolders()); cursor != nil {
		t.Errorf("cursor = %+v, want none", cursor)
	}
}

// TestReconciler_SubtreeFailure verifies that descendants of a folder whose
// children could not be listed are not deleted.
func TestReconciler_SubtreeFailure(t *testing.T) {
	st := memstore.New()
	id := newAccount(t, st)
	ctx := context.Background()
	st.InsertFolder(ctx, models.Folder{AccountID: id, GraphID: "inbox", DisplayName: "Inbox"})
	st.InsertFolder(ctx, models.Folder{AccountID: id, GraphID: "projects", ParentGraphID: strPtr("inbox")})
	st.InsertFolder(ctx, models.Folder{AccountID: id, GraphID: "alpha", ParentGraphID: strPtr("projects")})
	st.InsertFolder(ctx, models.Folder{AccountID: id, GraphID: "gone", DisplayName: "Gone"})

	gw := &fakeGateway{
		top:      []graph.Folder{{ID: "inbox", DisplayName: "Inbox", ChildFolderCount: 1}},
		childErr: map[string]error{"inbox": errors.New("HTTP 500")},
	}
	res := NewReconciler(st, gw).SyncFolders(ctx, id)

	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want 1", res.Errors)
	}
	if res.Deleted != 1 {
		t.Errorf("deleted = %d, want 1", res.Deleted)
	}
	local := localByGraphID(t, st, id)
	for _, g := range []string{"inbox", "projects", "alpha"} {
		if _, ok := local[g]; !ok {
			t.Errorf("folder %s should be kept", g)
		}
	}
	if _, ok := local["gone"]; ok {
		t.Error("folder gone should be deleted")
	}
}

// TestReconciler_CycleGuard verifies that a folder reachable twice is only
// walked once.
func TestReconciler_CycleGuard(t *testing.T) {
	st := memstore.New()
	id := newAccount(t, st)

	gw := &fakeGateway{
		top: []graph.Folder{{ID: "a", DisplayName: "A", ChildFolderCount: 1}},
		children: map[string][]graph.Folder{
			"a": {{ID: "b", DisplayName: "B", ChildFolderCount: 1}},
			"b": {{ID: "a", DisplayName: "A", ChildFolderCount: 1}},
		},
	}
	res := NewReconciler(st, gw).SyncFolders(context.Background(), id)

	if res.Created != 2 {
		t.Errorf("created = %d, want 2", res.Created)
	}
	if gw.childCalls != 2 {
		t.Errorf("child listings = %d, want 2", gw.childCalls)
	}
}

// TestReconciler_UnknownAccount verifies that a missing account is reported
// as an error.
func TestReconciler_UnknownAccount(t *testing.T) {
	res := NewReconciler(memstore.New(), &fakeGateway{}).SyncFolders(context.Background(), "missing")
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want 1", res.Errors)
	}
}
