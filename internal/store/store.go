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

// Package store provides the Postgres-backed persistence for the mailbox
// mirror: accounts, credentials, folders, messages and sync cursors.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides CRUD operations for the mirror tables in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store backed by the given Postgres pool.
// It ensures the mirror tables exist on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure mirror schema: %w", err)
	}
	slog.Info("mirror store initialised")
	return s, nil
}

// Ping checks the Postgres connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS accounts (
			id                    TEXT PRIMARY KEY,
			user_id               TEXT NOT NULL,
			email                 TEXT NOT NULL DEFAULT '',
			remote_user_id        TEXT NOT NULL DEFAULT '',
			status                TEXT NOT NULL DEFAULT 'active',
			status_message        TEXT NOT NULL DEFAULT '',
			error_count           INTEGER NOT NULL DEFAULT 0,
			messages_synced       INTEGER NOT NULL DEFAULT 0,
			initial_sync_complete BOOLEAN NOT NULL DEFAULT FALSE,
			last_full_sync_at     TIMESTAMPTZ,
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			updated_at            TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS credentials (
			account_id            TEXT PRIMARY KEY REFERENCES accounts(id) ON DELETE CASCADE,
			access_token          TEXT NOT NULL,
			refresh_token         TEXT NOT NULL,
			expires_at            TIMESTAMPTZ NOT NULL,
			scopes                TEXT[] NOT NULL DEFAULT '{}',
			refresh_failure_count INTEGER NOT NULL DEFAULT 0,
			last_refresh_error    TEXT NOT NULL DEFAULT '',
			updated_at            TIMESTAMPTZ DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS folders (
			id              BIGSERIAL PRIMARY KEY,
			account_id      TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			graph_id        TEXT NOT NULL,
			display_name    TEXT NOT NULL DEFAULT '',
			parent_graph_id TEXT,
			unread_count    INTEGER NOT NULL DEFAULT 0,
			total_count     INTEGER NOT NULL DEFAULT 0,
			is_hidden       BOOLEAN NOT NULL DEFAULT FALSE,
			last_synced_at  TIMESTAMPTZ,
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(account_id, graph_id)
		);
		CREATE INDEX IF NOT EXISTS idx_folders_account ON folders(account_id, total_count);

		CREATE TABLE IF NOT EXISTS messages (
			id                  BIGSERIAL PRIMARY KEY,
			account_id          TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			graph_id            TEXT NOT NULL,
			folder_id           BIGINT NOT NULL REFERENCES folders(id) ON DELETE CASCADE,
			conversation_id     TEXT NOT NULL DEFAULT '',
			conversation_index  TEXT NOT NULL DEFAULT '',
			internet_message_id TEXT NOT NULL DEFAULT '',
			subject             TEXT NOT NULL DEFAULT '',
			preview             TEXT NOT NULL DEFAULT '',
			body                TEXT NOT NULL DEFAULT '',
			body_content_type   TEXT NOT NULL DEFAULT '',
			from_addr           JSONB,
			to_addrs            JSONB,
			cc_addrs            JSONB,
			bcc_addrs           JSONB,
			reply_to_addrs      JSONB,
			sent_at             TIMESTAMPTZ,
			received_at         TIMESTAMPTZ,
			has_attachments     BOOLEAN NOT NULL DEFAULT FALSE,
			is_read             BOOLEAN NOT NULL DEFAULT FALSE,
			is_flagged          BOOLEAN NOT NULL DEFAULT FALSE,
			is_draft            BOOLEAN NOT NULL DEFAULT FALSE,
			importance          TEXT NOT NULL DEFAULT 'normal',
			created_at          TIMESTAMPTZ DEFAULT NOW(),
			updated_at          TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(account_id, graph_id)
		);
		CREATE INDEX IF NOT EXISTS idx_messages_folder ON messages(folder_id);
		CREATE INDEX IF NOT EXISTS idx_messages_unread ON messages(account_id) WHERE NOT is_read;

		CREATE TABLE IF NOT EXISTS sync_cursors (
			account_id   TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			resource     TEXT NOT NULL,
			delta_token  TEXT NOT NULL DEFAULT '',
			last_sync_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			sync_status  TEXT NOT NULL DEFAULT 'completed',
			PRIMARY KEY (account_id, resource)
		);
	`)
	return err
}

// isNoRows reports whether err is pgx's "no rows" sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
