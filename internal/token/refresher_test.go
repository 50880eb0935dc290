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

package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bcem/mailmirror/internal/config"
)

// TestOAuthRefresher_Refresh verifies the refresh grant sent to the token
// endpoint and the parsed response.
func TestOAuthRefresher_Refresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-1" {
			t.Errorf("refresh_token = %q, want rt-1", got)
		}
		if got := r.PostForm.Get("client_id"); got != "client-1" {
			t.Errorf("client_id = %q, want client-1", got)
		}
		if got := r.PostForm.Get("scope"); got != "offline_access Mail.ReadWrite" {
			t.Errorf("scope = %q, want the granted scopes", got)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-2",
			"refresh_token": "rt-2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer server.Close()

	r := NewOAuthRefresher(config.OAuthConfig{
		ClientID:     "client-1",
		ClientSecret: "secret",
		TokenURL:     server.URL,
		Scopes:       []string{"offline_access", "Mail.Read"},
	}, server.Client())

	tok, err := r.Refresh(context.Background(), "rt-1", []string{"offline_access", "Mail.ReadWrite"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.AccessToken != "at-2" {
		t.Errorf("access token = %q, want at-2", tok.AccessToken)
	}
	if tok.RefreshToken != "rt-2" {
		t.Errorf("refresh token = %q, want rt-2", tok.RefreshToken)
	}
	if d := time.Until(tok.Expiry); d < 55*time.Minute || d > time.Hour+time.Minute {
		t.Errorf("expiry in %v, want about 1h", d)
	}
}

// TestOAuthRefresher_Rejected verifies that an error response from the token
// endpoint surfaces as an error.
func TestOAuthRefresher_Rejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"token revoked"}`))
	}))
	defer server.Close()

	r := NewOAuthRefresher(config.OAuthConfig{ClientID: "c", TokenURL: server.URL}, server.Client())
	if _, err := r.Refresh(context.Background(), "rt-1", nil); err == nil {
		t.Fatal("expected error for rejected refresh")
	}
	if _, err := r.Refresh(context.Background(), "", nil); err == nil {
		t.Fatal("expected error for empty refresh token")
	}
}

// TestOAuthRefresher_DefaultScopes verifies that a credential without a
// stored scope set refreshes with the configured scopes.
func TestOAuthRefresher_DefaultScopes(t *testing.T) {
	var gotScope string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotScope = r.PostForm.Get("scope")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	r := NewOAuthRefresher(config.OAuthConfig{
		ClientID: "c",
		TokenURL: server.URL,
		Scopes:   []string{"offline_access", "Mail.Read"},
	}, server.Client())

	tok, err := r.Refresh(context.Background(), "rt-1", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotScope != "offline_access Mail.Read" {
		t.Errorf("scope = %q, want offline_access Mail.Read", gotScope)
	}
	if tok.RefreshToken != "" {
		t.Errorf("refresh token = %q, want empty when not rotated", tok.RefreshToken)
	}
}
