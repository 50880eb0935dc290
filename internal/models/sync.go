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

import "time"

// ScopeKind distinguishes the resource scopes a sync cursor can track.
type ScopeKind int

const (
	ScopeKindFolders ScopeKind = iota
	ScopeKindMailbox
	ScopeKindFolder
)

// Scope identifies what a sync cursor covers: the folder tree, the whole
// mailbox's messages, or the messages of a single folder.
type Scope struct {
	Kind          ScopeKind
	FolderGraphID string
}

// ScopeFolders is the folder-tree marker scope.
func ScopeFolders() Scope { return Scope{Kind: ScopeKindFolders} }

// ScopeMailbox is the whole-mailbox message scope.
func ScopeMailbox() Scope { return Scope{Kind: ScopeKindMailbox} }

// ScopeFolder is the message scope of one remote folder.
func ScopeFolder(graphID string) Scope {
	return Scope{Kind: ScopeKindFolder, FolderGraphID: graphID}
}

// Key returns the persisted resource key ("folders", "messages" or
// "messages:<folderGraphId>").
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeKindFolders:
		return "folders"
	case ScopeKindFolder:
		return "messages:" + s.FolderGraphID
	default:
		return "messages"
	}
}

func (s Scope) String() string { return s.Key() }

// CursorStatus is the state of the last sync run recorded on a cursor.
type CursorStatus string

const (
	CursorCompleted CursorStatus = "completed"
	CursorFailed    CursorStatus = "failed"
)

// SyncCursor is the persisted resumption point for one account and scope.
type SyncCursor struct {
	AccountID  string
	Scope      Scope
	DeltaToken string
	LastSyncAt time.Time
	Status     CursorStatus
}
