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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bcem/mailmirror/internal/delta"
	"github.com/bcem/mailmirror/internal/models"
	"github.com/bcem/mailmirror/internal/orchestrator"
	"github.com/bcem/mailmirror/internal/store/memstore"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeSyncer implements Syncer for testing.
type fakeSyncer struct {
	mu         sync.Mutex
	fullSyncs  []string
	fullErr    error
	folderRes  *delta.Result
	folderErr  error
	stats      *models.SyncStats
	statsErr   error
	lastFolder int64
}

func (f *fakeSyncer) PerformFullSync(_ context.Context, accountID string) (*orchestrator.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fullSyncs = append(f.fullSyncs, accountID)
	if f.fullErr != nil {
		return nil, f.fullErr
	}
	return &orchestrator.SyncResult{AccountID: accountID, Status: orchestrator.StatusSuccess}, nil
}

func (f *fakeSyncer) SyncFolder(_ context.Context, _ string, folderID int64) (*delta.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastFolder = folderID
	return f.folderRes, f.folderErr
}

func (f *fakeSyncer) GetSyncStats(_ context.Context, _ string) (*models.SyncStats, error) {
	return f.stats, f.statsErr
}

func newTestHandler(t *testing.T, syncer *fakeSyncer, checks map[string]HealthCheck) (*Handler, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	return NewHandler(context.Background(), syncer, st, checks), st
}

func do(h *Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	h.Router().ServeHTTP(w, req)
	return w
}

// TestHealth verifies healthy and unhealthy dependency reporting.
func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, &fakeSyncer{}, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	})
	if w := do(h, http.MethodGet, "/health"); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}

	h, _ = newTestHandler(t, &fakeSyncer{}, map[string]HealthCheck{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	w := do(h, http.MethodGet, "/health")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// TestStartFullSync verifies that a full sync is accepted and run in the
// background.
func TestStartFullSync(t *testing.T) {
	syncer := &fakeSyncer{}
	h, st := newTestHandler(t, syncer, nil)
	acct, _ := st.CreateAccount(context.Background(), models.Account{UserID: "u1", Email: "user@example.com"})

	w := do(h, http.MethodPost, "/accounts/"+acct.ID+"/sync")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	h.Wait()

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.fullSyncs) != 1 || syncer.fullSyncs[0] != acct.ID {
		t.Errorf("full syncs = %v, want [%s]", syncer.fullSyncs, acct.ID)
	}
}

// TestStartFullSync_StaleSyncingStatus verifies that an account whose stored
// status is still "syncing" is handed to the orchestrator, which decides
// through its run lock whether a sync is really running.
func TestStartFullSync_StaleSyncingStatus(t *testing.T) {
	syncer := &fakeSyncer{}
	h, st := newTestHandler(t, syncer, nil)
	ctx := context.Background()
	acct, _ := st.CreateAccount(ctx, models.Account{UserID: "u1", Email: "user@example.com"})
	st.SetAccountStatus(ctx, acct.ID, models.AccountSyncing, "Sync in progress")

	if w := do(h, http.MethodPost, "/accounts/"+acct.ID+"/sync"); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}

	syncer.mu.Lock()
	syncer.fullErr = orchestrator.ErrSyncInProgress
	syncer.mu.Unlock()
	if w := do(h, http.MethodPost, "/accounts/"+acct.ID+"/sync"); w.Code != http.StatusAccepted {
		t.Fatalf("second request: status = %d, want 202", w.Code)
	}
	h.Wait()

	syncer.mu.Lock()
	defer syncer.mu.Unlock()
	if len(syncer.fullSyncs) != 2 {
		t.Errorf("full syncs = %v, want 2 attempts", syncer.fullSyncs)
	}
}

// TestStartFullSync_Rejected verifies the statuses for unknown and
// disconnected accounts.
func TestStartFullSync_Rejected(t *testing.T) {
	syncer := &fakeSyncer{}
	h, st := newTestHandler(t, syncer, nil)
	ctx := context.Background()

	if w := do(h, http.MethodPost, "/accounts/missing/sync"); w.Code != http.StatusNotFound {
		t.Errorf("unknown account: status = %d, want 404", w.Code)
	}

	acct, _ := st.CreateAccount(ctx, models.Account{UserID: "u1", Email: "user@example.com"})
	st.SetAccountStatus(ctx, acct.ID, models.AccountNeedsReauth, "")
	if w := do(h, http.MethodPost, "/accounts/"+acct.ID+"/sync"); w.Code != http.StatusConflict {
		t.Errorf("needs_reauth account: status = %d, want 409", w.Code)
	}
	h.Wait()
	if len(syncer.fullSyncs) != 0 {
		t.Errorf("full syncs = %v, want none", syncer.fullSyncs)
	}
}

// TestSyncFolder verifies the synchronous folder sync response.
func TestSyncFolder(t *testing.T) {
	syncer := &fakeSyncer{folderRes: &delta.Result{Created: 2, Updated: 1, Synced: 3, Errors: []string{"message m9: parent folder not mapped locally"}}}
	h, _ := newTestHandler(t, syncer, nil)

	w := do(h, http.MethodPost, "/accounts/a1/folders/42/sync")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body struct {
		Status  string   `json:"status"`
		Created int      `json:"created"`
		Errors  []string `json:"errors"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "partial" || body.Created != 2 || len(body.Errors) != 1 {
		t.Errorf("body = %+v", body)
	}
	if syncer.lastFolder != 42 {
		t.Errorf("folder = %d, want 42", syncer.lastFolder)
	}

	if w := do(h, http.MethodPost, "/accounts/a1/folders/abc/sync"); w.Code != http.StatusBadRequest {
		t.Errorf("bad folder id: status = %d, want 400", w.Code)
	}

	syncer.folderErr = fmt.Errorf("account a1: %w", orchestrator.ErrSyncInProgress)
	if w := do(h, http.MethodPost, "/accounts/a1/folders/42/sync"); w.Code != http.StatusConflict {
		t.Errorf("busy account: status = %d, want 409", w.Code)
	}
}

// TestStats verifies the stats payload and the unknown-account status.
func TestStats(t *testing.T) {
	last := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	syncer := &fakeSyncer{stats: &models.SyncStats{TotalMessages: 10, UnreadMessages: 4, LastSyncAt: &last}}
	h, _ := newTestHandler(t, syncer, nil)

	w := do(h, http.MethodGet, "/accounts/a1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var stats models.SyncStats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats.TotalMessages != 10 || stats.UnreadMessages != 4 || stats.LastSyncAt == nil {
		t.Errorf("stats = %+v", stats)
	}

	syncer.statsErr = fmt.Errorf("account a1: %w", orchestrator.ErrAccountNotFound)
	if w := do(h, http.MethodGet, "/accounts/a1/stats"); w.Code != http.StatusNotFound {
		t.Errorf("unknown account: status = %d, want 404", w.Code)
	}
}
