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
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bcem/mailmirror/internal/models"
)

// messageFields are the properties requested from the delta endpoints.
var messageFields = []string{
	"id",
	"parentFolderId",
	"conversationId",
	"conversationIndex",
	"internetMessageId",
	"subject",
	"bodyPreview",
	"body",
	"from",
	"toRecipients",
	"ccRecipients",
	"bccRecipients",
	"replyTo",
	"sentDateTime",
	"receivedDateTime",
	"hasAttachments",
	"isRead",
	"isDraft",
	"flag",
	"importance",
}

type recipient struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	} `json:"emailAddress"`
}

// Message is a message as returned by the delta endpoints.
type Message struct {
	ID                string      `json:"id"`
	ParentFolderID    string      `json:"parentFolderId"`
	ConversationID    string      `json:"conversationId"`
	ConversationIndex string      `json:"conversationIndex"`
	InternetMessageID string      `json:"internetMessageId"`
	Subject           string      `json:"subject"`
	BodyPreview       string      `json:"bodyPreview"`
	From              *recipient  `json:"from"`
	ToRecipients      []recipient `json:"toRecipients"`
	CcRecipients      []recipient `json:"ccRecipients"`
	BccRecipients     []recipient `json:"bccRecipients"`
	ReplyTo           []recipient `json:"replyTo"`
	Body              struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	SentDateTime     *time.Time `json:"sentDateTime"`
	ReceivedDateTime *time.Time `json:"receivedDateTime"`
	HasAttachments   bool       `json:"hasAttachments"`
	IsRead           bool       `json:"isRead"`
	IsDraft          bool       `json:"isDraft"`
	Flag             struct {
		FlagStatus string `json:"flagStatus"`
	} `json:"flag"`
	Importance string `json:"importance"`
}

// deltaEntry is one element of a delta page: a message, or a tombstone
// when @removed is present.
type deltaEntry struct {
	Message
	Removed *struct {
		Reason string `json:"reason"`
	} `json:"@removed"`
}

type deltaResponse struct {
	Value     []deltaEntry `json:"value"`
	NextLink  string       `json:"@odata.nextLink"`
	DeltaLink string       `json:"@odata.deltaLink"`
}

// DeltaPage is one page of a delta query. Exactly one of NextLink and
// DeltaLink is set on a well-formed page.
type DeltaPage struct {
	Messages  []Message
	Removed   []string
	NextLink  string
	DeltaLink string
}

// InitialDeltaURL returns the URL that starts a fresh delta query, over one
// folder or, with an empty folderID, over the whole mailbox.
func (c *Client) InitialDeltaURL(mb Mailbox, folderID string) string {
	params := url.Values{}
	params.Set("$select", strings.Join(messageFields, ","))
	if folderID == "" {
		return fmt.Sprintf("%s/messages/delta?%s", c.root(mb), params.Encode())
	}
	return fmt.Sprintf("%s/mailFolders/%s/messages/delta?%s", c.root(mb), url.PathEscape(folderID), params.Encode())
}

// FetchDeltaPage fetches one delta page. pageURL is either InitialDeltaURL, a
// next link, or a stored delta link, used verbatim.
func (c *Client) FetchDeltaPage(ctx context.Context, mb Mailbox, pageURL string) (*DeltaPage, error) {
	prefer := []string{
		fmt.Sprintf("odata.maxpagesize=%d", c.pageSize),
		`outlook.body-content-type="text"`,
	}

	var resp deltaResponse
	if err := c.getJSON(ctx, mb, pageURL, prefer, &resp); err != nil {
		return nil, err
	}

	page := &DeltaPage{NextLink: resp.NextLink, DeltaLink: resp.DeltaLink}
	for _, e := range resp.Value {
		if e.Removed != nil {
			page.Removed = append(page.Removed, e.ID)
			continue
		}
		page.Messages = append(page.Messages, e.Message)
	}
	return page, nil
}

// Model converts the message into its stored form in the given local
// folder.
func (m *Message) Model(accountID string, folderID int64) models.Message {
	msg := models.Message{
		AccountID:         accountID,
		GraphID:           m.ID,
		FolderID:          folderID,
		ConversationID:    m.ConversationID,
		ConversationIndex: m.ConversationIndex,
		InternetMessageID: m.InternetMessageID,
		Subject:           m.Subject,
		Preview:           m.BodyPreview,
		Body:              m.Body.Content,
		BodyContentType:   m.Body.ContentType,
		To:                addresses(m.ToRecipients),
		Cc:                addresses(m.CcRecipients),
		Bcc:               addresses(m.BccRecipients),
		ReplyTo:           addresses(m.ReplyTo),
		SentAt:            m.SentDateTime,
		ReceivedAt:        m.ReceivedDateTime,
		HasAttachments:    m.HasAttachments,
		IsRead:            m.IsRead,
		IsFlagged:         m.Flag.FlagStatus == "flagged",
		IsDraft:           m.IsDraft,
		Importance:        m.Importance,
	}
	if m.From != nil {
		msg.From = &models.EmailAddress{
			Name:    m.From.EmailAddress.Name,
			Address: m.From.EmailAddress.Address,
		}
	}
	return msg
}

// addresses keeps recipient order.
func addresses(rs []recipient) []models.EmailAddress {
	out := make([]models.EmailAddress, 0, len(rs))
	for _, r := range rs {
		out = append(out, models.EmailAddress{
			Address: r.EmailAddress.Address,
			Name:    r.EmailAddress.Name,
		})
	}
	return out
}
