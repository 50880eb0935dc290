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
)

// Folder is a mail folder as returned by the mailFolders endpoints.
type Folder struct {
	ID               string `json:"id"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId"`
	ChildFolderCount int    `json:"childFolderCount"`
	UnreadItemCount  int    `json:"unreadItemCount"`
	TotalItemCount   int    `json:"totalItemCount"`
	IsHidden         bool   `json:"isHidden"`
}

type folderPage struct {
	Value    []Folder `json:"value"`
	NextLink string   `json:"@odata.nextLink"`
}

// ListFolders returns all top-level folders of the mailbox, hidden ones
// included.
func (c *Client) ListFolders(ctx context.Context, mb Mailbox) ([]Folder, error) {
	return c.listFolders(ctx, mb, c.root(mb)+"/mailFolders?"+folderQuery())
}

// ListChildFolders returns the direct children of a folder.
func (c *Client) ListChildFolders(ctx context.Context, mb Mailbox, parentID string) ([]Folder, error) {
	u := fmt.Sprintf("%s/mailFolders/%s/childFolders?%s", c.root(mb), url.PathEscape(parentID), folderQuery())
	return c.listFolders(ctx, mb, u)
}

func folderQuery() string {
	params := url.Values{}
	params.Set("includeHiddenFolders", "true")
	params.Set("$top", "100")
	return params.Encode()
}

// listFolders follows @odata.nextLink until the collection is exhausted.
func (c *Client) listFolders(ctx context.Context, mb Mailbox, first string) ([]Folder, error) {
	var folders []Folder
	pageCount := 0

	for next := first; next != ""; {
		var page folderPage
		if err := c.getJSON(ctx, mb, next, nil, &page); err != nil {
			return nil, fmt.Errorf("list folders page %d: %w", pageCount, err)
		}
		pageCount++
		folders = append(folders, page.Value...)
		next = page.NextLink
	}

	return folders, nil
}
