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

// Package token hands out valid Graph access tokens per mailbox account,
// refreshing them through the OAuth2 refresh grant when they are about to
// expire and escalating repeated refresh failures to a re-authentication
// requirement on the account.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/mailmirror/internal/models"
)

// ErrReauthRequired is returned once an account's refresh token has failed
// often enough that the user has to reconnect the mailbox.
var ErrReauthRequired = errors.New("account requires re-authentication")

// ErrNoCredential is returned when an account has no stored credential.
var ErrNoCredential = errors.New("no credential stored for account")

// RefreshError is a refresh failure below the escalation threshold. The
// caller may retry later.
type RefreshError struct {
	AccountID string
	Failures  int
	Err       error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("refresh token for account %s (failure %d): %v", e.AccountID, e.Failures, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

// CredentialStore is the subset of the store the manager needs.
// Implemented by store.Store and memstore.Store.
type CredentialStore interface {
	GetCredential(ctx context.Context, accountID string) (*models.Credential, error)
	SaveRefreshedToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error
	RecordRefreshFailure(ctx context.Context, accountID, message string) (int, error)
	SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, message string) error
}

// Refresher exchanges a refresh token and its granted scopes for a new token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error)
}

// ManagerConfig holds the configuration for the token manager.
type ManagerConfig struct {
	Store     CredentialStore
	Refresher Refresher

	// RefreshMargin is how long before expiry a token is considered stale.
	RefreshMargin time.Duration

	// FailureThreshold is the number of consecutive refresh failures after
	// which the account is moved to needs_reauth.
	FailureThreshold int
}

// Manager returns access tokens, collapsing concurrent refreshes of the same
// account into a single token endpoint call.
type Manager struct {
	store     CredentialStore
	refresher Refresher
	margin    time.Duration
	threshold int
	flights   singleflight.Group
	now       func() time.Time
}

// NewManager creates a token manager.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		store:     cfg.Store,
		refresher: cfg.Refresher,
		margin:    cfg.RefreshMargin,
		threshold: cfg.FailureThreshold,
		now:       time.Now,
	}
	if m.margin <= 0 {
		m.margin = 5 * time.Minute
	}
	if m.threshold <= 0 {
		m.threshold = 3
	}
	return m
}

// AccessToken returns a token for the account that stays valid for at least
// the refresh margin.
func (m *Manager) AccessToken(ctx context.Context, accountID string) (string, error) {
	cred, err := m.credential(ctx, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	v, err, shared := m.flights.Do(accountID, func() (interface{}, error) {
		return m.refresh(ctx, accountID)
	})
	if err != nil {
		return "", err
	}
	if shared {
		slog.Debug("joined in-flight token refresh", "account", accountID)
	}
	return v.(string), nil
}

func (m *Manager) credential(ctx context.Context, accountID string) (*models.Credential, error) {
	cred, err := m.store.GetCredential(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if cred == nil {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrNoCredential)
	}
	if cred.RefreshFailureCount >= m.threshold {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrReauthRequired)
	}
	return cred, nil
}

func (m *Manager) fresh(cred *models.Credential) bool {
	return cred.AccessToken != "" && cred.ExpiresAt.Sub(m.now()) > m.margin
}

// refresh runs inside the single flight for the account.
func (m *Manager) refresh(ctx context.Context, accountID string) (string, error) {
	// A flight that finished just before this one may already have stored a
	// fresh token.
	cred, err := m.credential(ctx, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(cred) {
		return cred.AccessToken, nil
	}

	slog.Info("refreshing access token", "account", accountID, "expires_at", cred.ExpiresAt)

	tok, err := m.refresher.Refresh(ctx, cred.RefreshToken, cred.Scopes)
	if err != nil {
		return "", m.recordFailure(ctx, accountID, err)
	}

	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = cred.RefreshToken
	}
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = m.now().Add(time.Hour)
	}

	if err := m.store.SaveRefreshedToken(ctx, accountID, tok.AccessToken, refreshToken, expiresAt); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}

	slog.Info("access token refreshed", "account", accountID, "expires_at", expiresAt)
	return tok.AccessToken, nil
}

func (m *Manager) recordFailure(ctx context.Context, accountID string, cause error) error {
	failures, err := m.store.RecordRefreshFailure(ctx, accountID, cause.Error())
	if err != nil {
		return fmt.Errorf("record refresh failure: %w (refresh error: %v)", err, cause)
	}

	if failures < m.threshold {
		slog.Warn("token refresh failed",
			"account", accountID,
			"failures", failures,
			"error", cause,
		)
		return &RefreshError{AccountID: accountID, Failures: failures, Err: cause}
	}

	msg := fmt.Sprintf("Token refresh failed %d times, please reconnect your account (%v)", failures, cause)
	if err := m.store.SetAccountStatus(ctx, accountID, models.AccountNeedsReauth, msg); err != nil {
		slog.Error("failed to mark account for re-authentication",
			"account", accountID,
			"error", err,
		)
	}
	slog.Error("token refresh failures exceeded threshold, account needs re-authentication",
		"account", accountID,
		"failures", failures,
		"error", cause,
	)
	return fmt.Errorf("account %s: %w: %v", accountID, ErrReauthRequired, cause)
}
