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

	"github.com/jackc/pgx/v5"

	"github.com/bcem/mailmirror/internal/models"
)

// ExistingMessageIDs returns the local IDs of the given remote messages that
// already exist for the account, keyed by remote ID.
func (s *Store) ExistingMessageIDs(ctx context.Context, accountID string, graphIDs []string) (map[string]int64, error) {
	existing := make(map[string]int64, len(graphIDs))
	if len(graphIDs) == 0 {
		return existing, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT graph_id, id FROM messages
		WHERE account_id = $1 AND graph_id = ANY($2)
	`, accountID, graphIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var graphID string
		var id int64
		if err := rows.Scan(&graphID, &id); err != nil {
			return nil, err
		}
		existing[graphID] = id
	}
	return existing, rows.Err()
}

// InsertMessages bulk-inserts new messages in one batch round trip. A row
// that appeared concurrently under the same (account_id, graph_id) is
// overwritten rather than failing the batch.
func (s *Store) InsertMessages(ctx context.Context, msgs []models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			INSERT INTO messages
				(account_id, graph_id, folder_id, conversation_id, conversation_index,
				 internet_message_id, subject, preview, body, body_content_type,
				 from_addr, to_addrs, cc_addrs, bcc_addrs, reply_to_addrs,
				 sent_at, received_at, has_attachments, is_read, is_flagged, is_draft, importance)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			        $16, $17, $18, $19, $20, $21, $22)
			ON CONFLICT (account_id, graph_id) DO UPDATE SET
				folder_id           = EXCLUDED.folder_id,
				conversation_id     = EXCLUDED.conversation_id,
				conversation_index  = EXCLUDED.conversation_index,
				internet_message_id = EXCLUDED.internet_message_id,
				subject             = EXCLUDED.subject,
				preview             = EXCLUDED.preview,
				body                = EXCLUDED.body,
				body_content_type   = EXCLUDED.body_content_type,
				from_addr           = EXCLUDED.from_addr,
				to_addrs            = EXCLUDED.to_addrs,
				cc_addrs            = EXCLUDED.cc_addrs,
				bcc_addrs           = EXCLUDED.bcc_addrs,
				reply_to_addrs      = EXCLUDED.reply_to_addrs,
				sent_at             = EXCLUDED.sent_at,
				received_at         = EXCLUDED.received_at,
				has_attachments     = EXCLUDED.has_attachments,
				is_read             = EXCLUDED.is_read,
				is_flagged          = EXCLUDED.is_flagged,
				is_draft            = EXCLUDED.is_draft,
				importance          = EXCLUDED.importance,
				updated_at          = NOW()
		`, m.AccountID, m.GraphID, m.FolderID, m.ConversationID, m.ConversationIndex,
			m.InternetMessageID, m.Subject, m.Preview, m.Body, m.BodyContentType,
			m.From, m.To, m.Cc, m.Bcc, m.ReplyTo,
			m.SentAt, m.ReceivedAt, m.HasAttachments, m.IsRead, m.IsFlagged, m.IsDraft, m.Importance)
	}

	return s.execBatch(ctx, batch, "insert messages")
}

// UpdateMessages bulk-updates existing messages by local surrogate ID.
func (s *Store) UpdateMessages(ctx context.Context, msgs []models.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, m := range msgs {
		batch.Queue(`
			UPDATE messages SET
				folder_id           = $2,
				conversation_id     = $3,
				conversation_index  = $4,
				internet_message_id = $5,
				subject             = $6,
				preview             = $7,
				body                = $8,
				body_content_type   = $9,
				from_addr           = $10,
				to_addrs            = $11,
				cc_addrs            = $12,
				bcc_addrs           = $13,
				reply_to_addrs      = $14,
				sent_at             = $15,
				received_at         = $16,
				has_attachments     = $17,
				is_read             = $18,
				is_flagged          = $19,
				is_draft            = $20,
				importance          = $21,
				updated_at          = NOW()
			WHERE id = $1
		`, m.ID, m.FolderID, m.ConversationID, m.ConversationIndex,
			m.InternetMessageID, m.Subject, m.Preview, m.Body, m.BodyContentType,
			m.From, m.To, m.Cc, m.Bcc, m.ReplyTo,
			m.SentAt, m.ReceivedAt, m.HasAttachments, m.IsRead, m.IsFlagged, m.IsDraft, m.Importance)
	}

	return s.execBatch(ctx, batch, "update messages")
}

// DeleteMessages removes messages by remote ID and returns how many were deleted.
func (s *Store) DeleteMessages(ctx context.Context, accountID string, graphIDs []string) (int, error) {
	if len(graphIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM messages WHERE account_id = $1 AND graph_id = ANY($2)
	`, accountID, graphIDs)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// execBatch sends a batch and sums the affected rows.
func (s *Store) execBatch(ctx context.Context, batch *pgx.Batch, op string) (int, error) {
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	affected := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := results.Exec()
		if err != nil {
			return affected, fmt.Errorf("%s (row %d): %w", op, i, err)
		}
		affected += int(tag.RowsAffected())
	}
	return affected, nil
}
