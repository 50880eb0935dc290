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

// Package memstore is an in-memory implementation of the mirror store with
// the same semantics as the Postgres store. It backs the engine's tests and
// dry runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/mailmirror/internal/models"
)

type cursorKey struct {
	accountID string
	resource  string
}

// Store holds every table in maps guarded by a single mutex.
type Store struct {
	mu          sync.Mutex
	accounts    map[string]models.Account
	credentials map[string]models.Credential
	folders     map[int64]models.Folder
	messages    map[int64]models.Message
	cursors     map[cursorKey]models.SyncCursor
	nextID      int64

	// Calls counts store operations by name, for assertions on batching.
	Calls map[string]int
}

// New returns an empty store.
func New() *Store {
	return &Store{
		accounts:    make(map[string]models.Account),
		credentials: make(map[string]models.Credential),
		folders:     make(map[int64]models.Folder),
		messages:    make(map[int64]models.Message),
		cursors:     make(map[cursorKey]models.SyncCursor),
		Calls:       make(map[string]int),
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// CallCount returns how many times the named operation ran.
func (s *Store) CallCount(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls[op]
}

// --- accounts ---

func (s *Store) CreateAccount(_ context.Context, a models.Account) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AccountActive
	}
	if _, ok := s.accounts[a.ID]; ok {
		return nil, fmt.Errorf("account %s already exists", a.ID)
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	s.accounts[a.ID] = a
	return &a, nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (s *Store) ListAccounts(_ context.Context) ([]models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetAccountStatus(_ context.Context, id string, status models.AccountStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return fmt.Errorf("account %s not found", id)
	}
	a.Status = status
	a.StatusMessage = message
	a.UpdatedAt = time.Now().UTC()
	s.accounts[id] = a
	return nil
}

func (s *Store) RecordSyncOutcome(_ context.Context, id string, o models.SyncOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil
	}
	a.Status = o.Status
	a.StatusMessage = o.StatusMessage
	a.MessagesSynced = o.MessagesSynced
	if o.ResetErrorCount {
		a.ErrorCount = 0
	} else {
		a.ErrorCount++
	}
	a.InitialSyncComplete = a.InitialSyncComplete || o.InitialSyncComplete
	finished := o.FinishedAt
	a.LastFullSyncAt = &finished
	a.UpdatedAt = time.Now().UTC()
	s.accounts[id] = a
	return nil
}

// --- credentials ---

func (s *Store) GetCredential(_ context.Context, accountID string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[accountID]
	if !ok {
		return nil, nil
	}
	c.Scopes = append([]string(nil), c.Scopes...)
	return &c, nil
}

func (s *Store) UpsertCredential(_ context.Context, c models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.RefreshFailureCount = 0
	c.LastRefreshError = ""
	c.UpdatedAt = time.Now().UTC()
	s.credentials[c.AccountID] = c
	return nil
}

func (s *Store) SaveRefreshedToken(_ context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["SaveRefreshedToken"]++
	c, ok := s.credentials[accountID]
	if !ok {
		return fmt.Errorf("credential for account %s not found", accountID)
	}
	c.AccessToken = accessToken
	c.RefreshToken = refreshToken
	c.ExpiresAt = expiresAt
	c.RefreshFailureCount = 0
	c.LastRefreshError = ""
	c.UpdatedAt = time.Now().UTC()
	s.credentials[accountID] = c
	return nil
}

func (s *Store) RecordRefreshFailure(_ context.Context, accountID, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[accountID]
	if !ok {
		return 0, fmt.Errorf("credential for account %s not found", accountID)
	}
	c.RefreshFailureCount++
	c.LastRefreshError = message
	s.credentials[accountID] = c
	return c.RefreshFailureCount, nil
}

// --- folders ---

func (s *Store) ListFolders(_ context.Context, accountID string) ([]models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Folder
	for _, f := range s.folders {
		if f.AccountID == accountID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalCount != out[j].TotalCount {
			return out[i].TotalCount < out[j].TotalCount
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetFolder(_ context.Context, accountID string, id int64) (*models.Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok || f.AccountID != accountID {
		return nil, nil
	}
	return &f, nil
}

func (s *Store) FolderIDMap(_ context.Context, accountID string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["FolderIDMap"]++
	ids := make(map[string]int64)
	for _, f := range s.folders {
		if f.AccountID == accountID {
			ids[f.GraphID] = f.ID
		}
	}
	return ids, nil
}

func (s *Store) InsertFolder(_ context.Context, f models.Folder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["InsertFolder"]++
	for _, existing := range s.folders {
		if existing.AccountID == f.AccountID && existing.GraphID == f.GraphID {
			return 0, fmt.Errorf("duplicate folder %s", f.GraphID)
		}
	}
	f.ID = s.id()
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	s.folders[f.ID] = f
	return f.ID, nil
}

func (s *Store) UpdateFolder(_ context.Context, f models.Folder) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["UpdateFolder"]++
	existing, ok := s.folders[f.ID]
	if !ok {
		return fmt.Errorf("folder %d not found", f.ID)
	}
	existing.DisplayName = f.DisplayName
	existing.ParentGraphID = f.ParentGraphID
	existing.UnreadCount = f.UnreadCount
	existing.TotalCount = f.TotalCount
	existing.IsHidden = f.IsHidden
	existing.UpdatedAt = time.Now().UTC()
	s.folders[f.ID] = existing
	return nil
}

func (s *Store) DeleteFolders(_ context.Context, accountID string, ids []int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for _, id := range ids {
		f, ok := s.folders[id]
		if !ok || f.AccountID != accountID {
			continue
		}
		delete(s.folders, id)
		deleted++
		for mid, m := range s.messages {
			if m.FolderID == id {
				delete(s.messages, mid)
			}
		}
	}
	return deleted, nil
}

func (s *Store) TouchFolder(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok {
		return nil
	}
	f.LastSyncedAt = &at
	s.folders[id] = f
	return nil
}

// --- messages ---

func (s *Store) ExistingMessageIDs(_ context.Context, accountID string, graphIDs []string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["ExistingMessageIDs"]++
	wanted := make(map[string]bool, len(graphIDs))
	for _, id := range graphIDs {
		wanted[id] = true
	}
	existing := make(map[string]int64)
	for _, m := range s.messages {
		if m.AccountID == accountID && wanted[m.GraphID] {
			existing[m.GraphID] = m.ID
		}
	}
	return existing, nil
}

func (s *Store) InsertMessages(_ context.Context, msgs []models.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["InsertMessages"]++
	for _, m := range msgs {
		if _, ok := s.folders[m.FolderID]; !ok {
			return 0, fmt.Errorf("insert message %s: folder %d does not exist", m.GraphID, m.FolderID)
		}
	}
	for _, m := range msgs {
		if id, ok := s.findMessage(m.AccountID, m.GraphID); ok {
			m.ID = id
		} else {
			m.ID = s.id()
		}
		s.messages[m.ID] = m
	}
	return len(msgs), nil
}

func (s *Store) UpdateMessages(_ context.Context, msgs []models.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["UpdateMessages"]++
	updated := 0
	for _, m := range msgs {
		if _, ok := s.messages[m.ID]; !ok {
			continue
		}
		s.messages[m.ID] = m
		updated++
	}
	return updated, nil
}

func (s *Store) DeleteMessages(_ context.Context, accountID string, graphIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["DeleteMessages"]++
	deleted := 0
	for _, gid := range graphIDs {
		if id, ok := s.findMessage(accountID, gid); ok {
			delete(s.messages, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) findMessage(accountID, graphID string) (int64, bool) {
	for id, m := range s.messages {
		if m.AccountID == accountID && m.GraphID == graphID {
			return id, true
		}
	}
	return 0, false
}

// Message returns a stored message by remote ID, for assertions.
func (s *Store) Message(accountID, graphID string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.findMessage(accountID, graphID)
	if !ok {
		return models.Message{}, false
	}
	return s.messages[id], true
}

// MessageCount returns the number of stored messages of an account.
func (s *Store) MessageCount(accountID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.AccountID == accountID {
			n++
		}
	}
	return n
}

// --- cursors ---

func (s *Store) GetCursor(_ context.Context, accountID string, scope models.Scope) (*models.SyncCursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursors[cursorKey{accountID, scope.Key()}]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *Store) SaveCursor(_ context.Context, c models.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls["SaveCursor"]++
	s.cursors[cursorKey{c.AccountID, c.Scope.Key()}] = c
	return nil
}

func (s *Store) DeleteCursor(_ context.Context, accountID string, scope models.Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, cursorKey{accountID, scope.Key()})
	return nil
}

func (s *Store) SyncStats(_ context.Context, accountID string) (*models.SyncStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats models.SyncStats
	for _, m := range s.messages {
		if m.AccountID != accountID {
			continue
		}
		stats.TotalMessages++
		if !m.IsRead {
			stats.UnreadMessages++
		}
	}
	for k, c := range s.cursors {
		if k.accountID != accountID || !strings.HasPrefix(k.resource, "messages") {
			continue
		}
		if stats.LastSyncAt == nil || c.LastSyncAt.After(*stats.LastSyncAt) {
			at := c.LastSyncAt
			stats.LastSyncAt = &at
		}
	}
	return &stats, nil
}
