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

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/bcem/mailmirror/internal/models"
)

const accountColumns = `id, user_id, email, remote_user_id, status, status_message,
	error_count, messages_synced, initial_sync_complete, last_full_sync_at,
	created_at, updated_at`

// CreateAccount inserts a new account. An empty ID is replaced with a fresh UUID.
func (s *Store) CreateAccount(ctx context.Context, a models.Account) (*models.Account, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AccountActive
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO accounts (id, user_id, email, remote_user_id, status, status_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+accountColumns,
		a.ID, a.UserID, a.Email, a.RemoteUserID, string(a.Status), a.StatusMessage)
	return scanAccount(row)
}

// GetAccount retrieves an account by ID. It returns nil when not found.
func (s *Store) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if isNoRows(err) {
		return nil, nil
	}
	return acct, err
}

// ListAccounts returns every account ordered by creation time.
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// SetAccountStatus sets the health status and message of an account.
func (s *Store) SetAccountStatus(ctx context.Context, id string, status models.AccountStatus, message string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET status = $1, status_message = $2, updated_at = NOW()
		WHERE id = $3
	`, string(status), message, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s not found", id)
	}
	return nil
}

// RecordSyncOutcome writes the result of a full sync back to the account.
func (s *Store) RecordSyncOutcome(ctx context.Context, id string, o models.SyncOutcome) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE accounts
		SET status                = $1,
		    status_message        = $2,
		    messages_synced       = $3,
		    error_count           = CASE WHEN $4 THEN 0 ELSE error_count + 1 END,
		    initial_sync_complete = initial_sync_complete OR $5,
		    last_full_sync_at     = $6,
		    updated_at            = NOW()
		WHERE id = $7
	`, string(o.Status), o.StatusMessage, o.MessagesSynced, o.ResetErrorCount,
		o.InitialSyncComplete, o.FinishedAt, id)
	return err
}

// scanAccount scans a single row into an Account.
func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		a         models.Account
		status    string
		lastSync  *time.Time
		createdAt *time.Time
		updatedAt *time.Time
	)
	err := row.Scan(
		&a.ID, &a.UserID, &a.Email, &a.RemoteUserID, &status, &a.StatusMessage,
		&a.ErrorCount, &a.MessagesSynced, &a.InitialSyncComplete, &lastSync,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Status, err = models.ParseAccountStatus(status)
	if err != nil {
		return nil, err
	}
	a.LastFullSyncAt = lastSync
	if createdAt != nil {
		a.CreatedAt = *createdAt
	}
	if updatedAt != nil {
		a.UpdatedAt = *updatedAt
	}
	return &a, nil
}

// GetCredential retrieves the credential of an account. It returns nil when
// the account has never been connected.
func (s *Store) GetCredential(ctx context.Context, accountID string) (*models.Credential, error) {
	var c models.Credential
	var updatedAt *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, access_token, refresh_token, expires_at, scopes,
		       refresh_failure_count, last_refresh_error, updated_at
		FROM credentials
		WHERE account_id = $1
	`, accountID).Scan(
		&c.AccountID, &c.AccessToken, &c.RefreshToken, &c.ExpiresAt, &c.Scopes,
		&c.RefreshFailureCount, &c.LastRefreshError, &updatedAt,
	)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if updatedAt != nil {
		c.UpdatedAt = *updatedAt
	}
	return &c, nil
}

// UpsertCredential inserts or replaces the credential keyed on account_id.
// The failure counter is reset, as a new credential comes from a fresh
// interactive sign-in.
func (s *Store) UpsertCredential(ctx context.Context, c models.Credential) error {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO credentials
			(account_id, access_token, refresh_token, expires_at, scopes,
			 refresh_failure_count, last_refresh_error)
		VALUES ($1, $2, $3, $4, $5, 0, '')
		ON CONFLICT (account_id) DO UPDATE SET
			access_token          = EXCLUDED.access_token,
			refresh_token         = EXCLUDED.refresh_token,
			expires_at            = EXCLUDED.expires_at,
			scopes                = EXCLUDED.scopes,
			refresh_failure_count = 0,
			last_refresh_error    = '',
			updated_at            = NOW()
	`, c.AccountID, c.AccessToken, c.RefreshToken, c.ExpiresAt, scopes)
	return err
}

// SaveRefreshedToken persists a successful refresh and resets the failure counter.
func (s *Store) SaveRefreshedToken(ctx context.Context, accountID, accessToken, refreshToken string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE credentials
		SET access_token          = $1,
		    refresh_token         = $2,
		    expires_at            = $3,
		    refresh_failure_count = 0,
		    last_refresh_error    = '',
		    updated_at            = NOW()
		WHERE account_id = $4
	`, accessToken, refreshToken, expiresAt, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("credential for account %s not found", accountID)
	}
	return nil
}

// RecordRefreshFailure increments the failure counter and returns its new value.
func (s *Store) RecordRefreshFailure(ctx context.Context, accountID, message string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE credentials
		SET refresh_failure_count = refresh_failure_count + 1,
		    last_refresh_error    = $1,
		    updated_at            = NOW()
		WHERE account_id = $2
		RETURNING refresh_failure_count
	`, message, accountID).Scan(&count)
	if isNoRows(err) {
		return 0, fmt.Errorf("credential for account %s not found", accountID)
	}
	return count, err
}
