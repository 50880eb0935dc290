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
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/mailmirror/internal/config"
)

// OAuthRefresher refreshes tokens against the identity platform token
// endpoint using the refresh_token grant.
type OAuthRefresher struct {
	cfg        config.OAuthConfig
	httpClient *http.Client
}

// NewOAuthRefresher builds a refresher from the OAuth application settings.
func NewOAuthRefresher(cfg config.OAuthConfig, httpClient *http.Client) *OAuthRefresher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OAuthRefresher{cfg: cfg, httpClient: httpClient}
}

// Refresh exchanges the refresh token for a new access token, requesting the
// previously granted scopes. With no stored scopes the application's
// configured scopes are requested. The returned token carries an empty
// RefreshToken when the provider did not rotate it.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string, scopes []string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("no refresh token")
	}
	if len(scopes) == 0 {
		scopes = r.cfg.Scopes
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	// The client credentials flow posts Scopes as "scope" and lets
	// EndpointParams replace grant_type, which turns it into a refresh grant.
	grant := &clientcredentials.Config{
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
		TokenURL:     r.cfg.TokenURL,
		Scopes:       scopes,
		EndpointParams: url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		},
		AuthStyle: oauth2.AuthStyleInParams,
	}
	tok, err := grant.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("refresh grant: %w", err)
	}
	return tok, nil
}
