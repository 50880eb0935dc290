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

// Package models defines the records mirrored from the remote mailbox and
// the sync bookkeeping shared across the engine.
package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Folder is a node of the remote folder hierarchy mirrored locally.
// ParentGraphID is nil for top-level folders.
type Folder struct {
	ID            int64
	AccountID     string
	GraphID       string
	DisplayName   string
	ParentGraphID *string
	UnreadCount   int
	TotalCount    int
	IsHidden      bool
	LastSyncedAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message is one mirrored mail item. It always belongs to exactly one folder.
type Message struct {
	ID                int64
	AccountID         string
	GraphID           string
	FolderID          int64
	ConversationID    string
	ConversationIndex string
	InternetMessageID string
	Subject           string
	Preview           string
	Body              string
	BodyContentType   string
	From              *EmailAddress
	To                []EmailAddress
	Cc                []EmailAddress
	Bcc               []EmailAddress
	ReplyTo           []EmailAddress
	SentAt            *time.Time
	ReceivedAt        *time.Time
	HasAttachments    bool
	IsRead            bool
	IsFlagged         bool
	IsDraft           bool
	Importance        string
}

// SyncStats is a read-only aggregate over the message and cursor tables.
type SyncStats struct {
	TotalMessages  int        `json:"total_messages"`
	UnreadMessages int        `json:"unread_messages"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty"`
}
