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

package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/bcem/mailmirror/internal/models"
	"github.com/bcem/mailmirror/internal/store/memstore"
)

// fakeRefresher implements Refresher for testing.
type fakeRefresher struct {
	mu      sync.Mutex
	calls   int
	err     error
	gate    chan struct{}
	started chan struct{}
	scopes  []string
}

func (f *fakeRefresher) Refresh(_ context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	f.mu.Lock()
	f.calls++
	f.scopes = scopes
	n := f.calls
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil && n == 1 {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{
		AccessToken:  "new-token",
		RefreshToken: refreshToken + "-rotated",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

func (f *fakeRefresher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func seedAccount(t *testing.T, st *memstore.Store, expiresIn time.Duration) string {
	t.Helper()
	ctx := context.Background()
	acct, err := st.CreateAccount(ctx, models.Account{UserID: "u1", Email: "user@example.com"})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	err = st.UpsertCredential(ctx, models.Credential{
		AccountID:    acct.ID,
		AccessToken:  "old-token",
		RefreshToken: "rt",
		ExpiresAt:    time.Now().Add(expiresIn),
		Scopes:       []string{"offline_access", "Mail.Read"},
	})
	if err != nil {
		t.Fatalf("upsert credential: %v", err)
	}
	return acct.ID
}

func newTestManager(st *memstore.Store, r Refresher) *Manager {
	return NewManager(ManagerConfig{
		Store:            st,
		Refresher:        r,
		RefreshMargin:    5 * time.Minute,
		FailureThreshold: 3,
	})
}

// TestManager_CachedToken verifies that a token outside the refresh margin is
// returned without contacting the token endpoint.
func TestManager_CachedToken(t *testing.T) {
	st := memstore.New()
	id := seedAccount(t, st, time.Hour)
	r := &fakeRefresher{}

	tok, err := newTestManager(st, r).AccessToken(context.Background(), id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "old-token" {
		t.Errorf("token = %q, want old-token", tok)
	}
	if r.callCount() != 0 {
		t.Errorf("refresh calls = %d, want 0", r.callCount())
	}
}

// TestManager_RefreshWithinMargin verifies that a token expiring inside the
// margin is refreshed and the new token pair is persisted.
func TestManager_RefreshWithinMargin(t *testing.T) {
	st := memstore.New()
	id := seedAccount(t, st, 2*time.Minute)
	ctx := context.Background()
	// Two earlier failures are cleared by a successful refresh.
	st.RecordRefreshFailure(ctx, id, "boom")
	st.RecordRefreshFailure(ctx, id, "boom")

	r := &fakeRefresher{}
	tok, err := newTestManager(st, r).AccessToken(ctx, id)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok != "new-token" {
		t.Errorf("token = %q, want new-token", tok)
	}

	cred, _ := st.GetCredential(ctx, id)
	if cred.AccessToken != "new-token" {
		t.Errorf("stored access token = %q, want new-token", cred.AccessToken)
	}
	if cred.RefreshToken != "rt-rotated" {
		t.Errorf("stored refresh token = %q, want rt-rotated", cred.RefreshToken)
	}
	if cred.RefreshFailureCount != 0 {
		t.Errorf("refresh failure count = %d, want 0", cred.RefreshFailureCount)
	}
	if time.Until(cred.ExpiresAt) < 50*time.Minute {
		t.Errorf("expires_at = %v, want about an hour from now", cred.ExpiresAt)
	}
	if got := strings.Join(r.scopes, " "); got != "offline_access Mail.Read" {
		t.Errorf("refresh scopes = %q, want the stored scope set", got)
	}
}

// TestManager_ConcurrentRefresh verifies that concurrent callers in the
// refresh window share a single token endpoint call.
func TestManager_ConcurrentRefresh(t *testing.T) {
	st := memstore.New()
	id := seedAccount(t, st, -time.Minute)
	r := &fakeRefresher{gate: make(chan struct{}), started: make(chan struct{})}
	m := newTestManager(st, r)

	const callers = 10
	tokens := make([]string, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background(), id)
		}(i)
	}

	<-r.started
	time.Sleep(20 * time.Millisecond)
	close(r.gate)
	wg.Wait()

	if r.callCount() != 1 {
		t.Errorf("refresh calls = %d, want 1", r.callCount())
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Errorf("caller %d: unexpected error: %v", i, errs[i])
		}
		if tokens[i] != "new-token" {
			t.Errorf("caller %d: token = %q, want new-token", i, tokens[i])
		}
	}
	if n := st.CallCount("SaveRefreshedToken"); n != 1 {
		t.Errorf("SaveRefreshedToken calls = %d, want 1", n)
	}
}

// TestManager_FailureEscalation verifies that refresh failures are retryable
// until the third, which moves the account to needs_reauth.
func TestManager_FailureEscalation(t *testing.T) {
	st := memstore.New()
	id := seedAccount(t, st, -time.Minute)
	r := &fakeRefresher{err: fmt.Errorf("invalid_grant")}
	m := newTestManager(st, r)
	ctx := context.Background()

	for attempt := 1; attempt <= 2; attempt++ {
		_, err := m.AccessToken(ctx, id)
		var refreshErr *RefreshError
		if !errors.As(err, &refreshErr) {
			t.Fatalf("attempt %d: err = %v, want *RefreshError", attempt, err)
		}
		if refreshErr.Failures != attempt {
			t.Errorf("attempt %d: failures = %d, want %d", attempt, refreshErr.Failures, attempt)
		}
		if errors.Is(err, ErrReauthRequired) {
			t.Errorf("attempt %d: unexpected ErrReauthRequired", attempt)
		}
		acct, _ := st.GetAccount(ctx, id)
		if acct.Status != models.AccountActive {
			t.Errorf("attempt %d: status = %s, want active", attempt, acct.Status)
		}
	}

	_, err := m.AccessToken(ctx, id)
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("third failure: err = %v, want ErrReauthRequired", err)
	}
	acct, _ := st.GetAccount(ctx, id)
	if acct.Status != models.AccountNeedsReauth {
		t.Errorf("status = %s, want needs_reauth", acct.Status)
	}
	if acct.StatusMessage == "" {
		t.Error("expected a status message explaining the re-authentication")
	}
	cred, _ := st.GetCredential(ctx, id)
	if cred.LastRefreshError != "invalid_grant" {
		t.Errorf("last refresh error = %q, want invalid_grant", cred.LastRefreshError)
	}

	// Past the threshold no further token endpoint calls are made.
	_, err = m.AccessToken(ctx, id)
	if !errors.Is(err, ErrReauthRequired) {
		t.Errorf("err = %v, want ErrReauthRequired", err)
	}
	if r.callCount() != 3 {
		t.Errorf("refresh calls = %d, want 3", r.callCount())
	}
}

// TestManager_NoCredential verifies the error for an account without a
// stored credential.
func TestManager_NoCredential(t *testing.T) {
	st := memstore.New()
	_, err := newTestManager(st, &fakeRefresher{}).AccessToken(context.Background(), "missing")
	if !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}
}
