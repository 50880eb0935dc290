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

package graph

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

const deltaPageBody = `{
  "value": [
    {
      "id": "m1",
      "parentFolderId": "inbox",
      "conversationId": "c1",
      "subject": "Quarterly numbers",
      "bodyPreview": "See attached",
      "body": {"contentType": "text", "content": "See attached."},
      "from": {"emailAddress": {"name": "Alice", "address": "alice@example.com"}},
      "toRecipients": [
        {"emailAddress": {"name": "Bob", "address": "bob@example.com"}},
        {"emailAddress": {"address": "carol@example.com"}}
      ],
      "receivedDateTime": "2026-03-01T10:00:00Z",
      "hasAttachments": true,
      "isRead": false,
      "flag": {"flagStatus": "flagged"},
      "importance": "high"
    },
    {"id": "m2", "@removed": {"reason": "deleted"}}
  ],
  "@odata.deltaLink": "https://graph.example/delta?$deltatoken=abc"
}`

// TestClient_FetchDeltaPage verifies decoding of messages and tombstones
// and the paging preference header.
func TestClient_FetchDeltaPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefer := strings.Join(r.Header.Values("Prefer"), ",")
		if !strings.Contains(prefer, "odata.maxpagesize=50") {
			t.Errorf("Prefer = %q, want odata.maxpagesize=50", prefer)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(deltaPageBody))
	}))
	defer server.Close()

	c, _ := newTestClient(server, ClientConfig{})
	mb := Mailbox{AccountID: "a1"}
	page, err := c.FetchDeltaPage(context.Background(), mb, c.InitialDeltaURL(mb, "inbox"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(page.Messages) != 1 || page.Messages[0].ID != "m1" {
		t.Fatalf("messages = %+v, want [m1]", page.Messages)
	}
	if len(page.Removed) != 1 || page.Removed[0] != "m2" {
		t.Errorf("removed = %v, want [m2]", page.Removed)
	}
	if page.DeltaLink == "" || page.NextLink != "" {
		t.Errorf("links = next %q delta %q", page.NextLink, page.DeltaLink)
	}

	msg := page.Messages[0].Model("a1", 42)
	if msg.FolderID != 42 || msg.AccountID != "a1" || msg.GraphID != "m1" {
		t.Errorf("identity = %d/%s/%s", msg.FolderID, msg.AccountID, msg.GraphID)
	}
	if msg.From == nil || msg.From.Address != "alice@example.com" {
		t.Errorf("from = %+v", msg.From)
	}
	if len(msg.To) != 2 || msg.To[0].Name != "Bob" || msg.To[1].Address != "carol@example.com" {
		t.Errorf("to = %+v", msg.To)
	}
	if !msg.IsFlagged || msg.IsRead || !msg.HasAttachments {
		t.Errorf("flags = flagged %v read %v attachments %v", msg.IsFlagged, msg.IsRead, msg.HasAttachments)
	}
	if msg.ReceivedAt == nil || msg.ReceivedAt.Month() != 3 {
		t.Errorf("received = %v", msg.ReceivedAt)
	}
	if msg.Body != "See attached." || msg.Preview != "See attached" {
		t.Errorf("body = %q preview = %q", msg.Body, msg.Preview)
	}
}

func TestClient_InitialDeltaURL(t *testing.T) {
	c := NewClient(ClientConfig{BaseURL: "https://graph.example/v1.0", Tokens: staticTokens{}})

	folderURL := c.InitialDeltaURL(Mailbox{AccountID: "a1"}, "AQMk/=")
	u, err := url.Parse(folderURL)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasPrefix(folderURL, "https://graph.example/v1.0/me/mailFolders/") {
		t.Errorf("url = %s, want /me/mailFolders prefix", folderURL)
	}
	if !strings.HasSuffix(u.Path, "/messages/delta") {
		t.Errorf("path = %s, want /messages/delta suffix", u.Path)
	}
	if sel := u.Query().Get("$select"); !strings.Contains(sel, "parentFolderId") {
		t.Errorf("$select = %q, want parentFolderId", sel)
	}

	mailboxURL := c.InitialDeltaURL(Mailbox{AccountID: "a1", UserID: "u1"}, "")
	if !strings.HasPrefix(mailboxURL, "https://graph.example/v1.0/users/u1/messages/delta?") {
		t.Errorf("url = %s, want mailbox-wide delta", mailboxURL)
	}
}
