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

	"github.com/jackc/pgx/v5"

	"github.com/bcem/mailmirror/internal/models"
)

const folderColumns = `id, account_id, graph_id, display_name, parent_graph_id,
	unread_count, total_count, is_hidden, last_synced_at, created_at, updated_at`

// ListFolders returns every folder of an account, smallest folders first.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]models.Folder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+folderColumns+`
		FROM folders
		WHERE account_id = $1
		ORDER BY total_count, id
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var folders []models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// GetFolder retrieves one folder of an account by local ID. It returns nil
// when not found.
func (s *Store) GetFolder(ctx context.Context, accountID string, id int64) (*models.Folder, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+folderColumns+` FROM folders WHERE account_id = $1 AND id = $2
	`, accountID, id)
	f, err := scanFolder(row)
	if isNoRows(err) {
		return nil, nil
	}
	return f, err
}

// FolderIDMap returns the remote-id to local-id lookup for an account.
func (s *Store) FolderIDMap(ctx context.Context, accountID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT graph_id, id FROM folders WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var graphID string
		var id int64
		if err := rows.Scan(&graphID, &id); err != nil {
			return nil, err
		}
		ids[graphID] = id
	}
	return ids, rows.Err()
}

// InsertFolder inserts a new folder and returns its local ID.
func (s *Store) InsertFolder(ctx context.Context, f models.Folder) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO folders
			(account_id, graph_id, display_name, parent_graph_id,
			 unread_count, total_count, is_hidden)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, f.AccountID, f.GraphID, f.DisplayName, f.ParentGraphID,
		f.UnreadCount, f.TotalCount, f.IsHidden).Scan(&id)
	return id, err
}

// UpdateFolder overwrites the tracked fields of a folder by local ID.
func (s *Store) UpdateFolder(ctx context.Context, f models.Folder) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE folders
		SET display_name    = $1,
		    parent_graph_id = $2,
		    unread_count    = $3,
		    total_count     = $4,
		    is_hidden       = $5,
		    updated_at      = NOW()
		WHERE id = $6
	`, f.DisplayName, f.ParentGraphID, f.UnreadCount, f.TotalCount, f.IsHidden, f.ID)
	return err
}

// DeleteFolders removes folders by local ID; their messages cascade.
func (s *Store) DeleteFolders(ctx context.Context, accountID string, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM folders WHERE account_id = $1 AND id = ANY($2)
	`, accountID, ids)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// TouchFolder stamps last_synced_at on a folder.
func (s *Store) TouchFolder(ctx context.Context, id int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE folders SET last_synced_at = $1, updated_at = NOW() WHERE id = $2
	`, at, id)
	return err
}

// scanFolder scans a single row into a Folder.
func scanFolder(row pgx.Row) (*models.Folder, error) {
	var (
		f         models.Folder
		createdAt *time.Time
		updatedAt *time.Time
	)
	if err := row.Scan(
		&f.ID, &f.AccountID, &f.GraphID, &f.DisplayName, &f.ParentGraphID,
		&f.UnreadCount, &f.TotalCount, &f.IsHidden, &f.LastSyncedAt,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	if createdAt != nil {
		f.CreatedAt = *createdAt
	}
	if updatedAt != nil {
		f.UpdatedAt = *updatedAt
	}
	return &f, nil
}
