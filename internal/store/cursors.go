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
	"time"

	"github.com/bcem/mailmirror/internal/models"
)

// GetCursor retrieves the sync cursor for an account and scope. It returns
// nil when the scope has never been synced.
func (s *Store) GetCursor(ctx context.Context, accountID string, scope models.Scope) (*models.SyncCursor, error) {
	var (
		c      models.SyncCursor
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT account_id, delta_token, last_sync_at, sync_status
		FROM sync_cursors
		WHERE account_id = $1 AND resource = $2
	`, accountID, scope.Key()).Scan(&c.AccountID, &c.DeltaToken, &c.LastSyncAt, &status)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Scope = scope
	c.Status = models.CursorStatus(status)
	return &c, nil
}

// SaveCursor replaces the sync cursor for an account and scope in one statement.
func (s *Store) SaveCursor(ctx context.Context, c models.SyncCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_cursors (account_id, resource, delta_token, last_sync_at, sync_status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, resource) DO UPDATE SET
			delta_token  = EXCLUDED.delta_token,
			last_sync_at = EXCLUDED.last_sync_at,
			sync_status  = EXCLUDED.sync_status
	`, c.AccountID, c.Scope.Key(), c.DeltaToken, c.LastSyncAt, string(c.Status))
	return err
}

// DeleteCursor removes a sync cursor so the next run starts a full pull.
func (s *Store) DeleteCursor(ctx context.Context, accountID string, scope models.Scope) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM sync_cursors WHERE account_id = $1 AND resource = $2
	`, accountID, scope.Key())
	return err
}

// SyncStats aggregates message counts and the latest cursor timestamp.
func (s *Store) SyncStats(ctx context.Context, accountID string) (*models.SyncStats, error) {
	var stats models.SyncStats
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE NOT is_read)
		FROM messages
		WHERE account_id = $1
	`, accountID).Scan(&stats.TotalMessages, &stats.UnreadMessages)
	if err != nil {
		return nil, err
	}

	var last *time.Time
	err = s.pool.QueryRow(ctx, `
		SELECT MAX(last_sync_at) FROM sync_cursors
		WHERE account_id = $1 AND resource LIKE 'messages%'
	`, accountID).Scan(&last)
	if err != nil {
		return nil, err
	}
	stats.LastSyncAt = last
	return &stats, nil
}
