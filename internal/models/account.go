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

package models

import (
	"fmt"
	"time"
)

// AccountStatus is the health state of a connected mailbox.
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountSyncing     AccountStatus = "syncing"
	AccountNeedsReauth AccountStatus = "needs_reauth"
	AccountError       AccountStatus = "error"
)

// accountTransitions lists the legal moves out of each state. Leaving
// needs_reauth only happens through interactive re-authentication.
var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountActive:      {AccountSyncing, AccountNeedsReauth, AccountError},
	AccountSyncing:     {AccountActive, AccountError, AccountNeedsReauth},
	AccountError:       {AccountSyncing, AccountActive, AccountNeedsReauth},
	AccountNeedsReauth: {AccountActive},
}

// Valid reports whether s is one of the known states.
func (s AccountStatus) Valid() bool {
	_, ok := accountTransitions[s]
	return ok
}

// CanTransitionTo reports whether moving from s to next is allowed.
// Staying in the same state is always allowed.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range accountTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseAccountStatus converts a stored value into an AccountStatus.
func ParseAccountStatus(v string) (AccountStatus, error) {
	s := AccountStatus(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown account status %q", v)
	}
	return s, nil
}

// Account is one remote mailbox connection.
type Account struct {
	ID                  string
	UserID              string
	Email               string
	RemoteUserID        string // empty = delegated "/me"
	Status              AccountStatus
	StatusMessage       string
	ErrorCount          int
	MessagesSynced      int
	InitialSyncComplete bool
	LastFullSyncAt      *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SyncOutcome is what the orchestrator writes back to the account once a
// full sync finishes.
type SyncOutcome struct {
	Status              AccountStatus
	StatusMessage       string
	MessagesSynced      int
	ResetErrorCount     bool
	InitialSyncComplete bool
	FinishedAt          time.Time
}

// Credential holds the OAuth tokens for an account. There is at most one
// credential per account.
type Credential struct {
	AccountID           string
	AccessToken         string
	RefreshToken        string
	ExpiresAt           time.Time
	Scopes              []string
	RefreshFailureCount int
	LastRefreshError    string
	UpdatedAt           time.Time
}
