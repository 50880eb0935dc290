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

// Package graph is the gateway to the Microsoft Graph mail API. Every call
// carries a bearer token for the mailbox account, is retried on throttling
// and transient failures, and runs behind a circuit breaker.
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bcem/mailmirror/internal/models"
)

// TokenSource returns a valid access token for a mailbox account.
// Implemented by token.Manager.
type TokenSource interface {
	AccessToken(ctx context.Context, accountID string) (string, error)
}

// Mailbox identifies the account whose mailbox a call targets. An empty
// UserID addresses the signed-in user's own mailbox (/me).
type Mailbox struct {
	AccountID string
	UserID    string
}

// MailboxFor returns the mailbox of a stored account.
func MailboxFor(acct *models.Account) Mailbox {
	return Mailbox{AccountID: acct.ID, UserID: acct.RemoteUserID}
}

// ClientConfig holds the configuration for the Graph client.
type ClientConfig struct {
	HTTPClient  *http.Client
	BaseURL     string
	Tokens      TokenSource
	PageSize    int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// BreakerThreshold is the number of consecutive transient failures
	// that opens the circuit breaker.
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// Client performs authenticated, retried requests against Graph.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	tokens      TokenSource
	pageSize    int
	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration
	breaker     *gobreaker.CircuitBreaker

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewClient creates a Graph client.
func NewClient(cfg ClientConfig) *Client {
	c := &Client{
		httpClient:  cfg.HTTPClient,
		baseURL:     cfg.BaseURL,
		tokens:      cfg.Tokens,
		pageSize:    cfg.PageSize,
		maxAttempts: cfg.MaxAttempts,
		baseBackoff: cfg.BaseBackoff,
		maxBackoff:  cfg.MaxBackoff,
		sleep:       sleepContext,
		now:         time.Now,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if c.baseURL == "" {
		c.baseURL = "https://graph.microsoft.com/v1.0"
	}
	if c.pageSize <= 0 {
		c.pageSize = 50
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = 3
	}
	if c.baseBackoff <= 0 {
		c.baseBackoff = time.Second
	}
	if c.maxBackoff <= 0 {
		c.maxBackoff = 30 * time.Second
	}

	threshold := uint32(10)
	if cfg.BreakerThreshold > 0 {
		threshold = uint32(cfg.BreakerThreshold)
	}
	timeout := cfg.BreakerTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "graph-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only throttling, server and transport failures count against the
		// breaker. A 404 or an expired delta token says nothing about
		// Graph's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !isTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

// root returns the URL prefix of the mailbox.
func (c *Client) root(mb Mailbox) string {
	if mb.UserID == "" {
		return c.baseURL + "/me"
	}
	return c.baseURL + "/users/" + url.PathEscape(mb.UserID)
}

// getJSON fetches rawURL for the mailbox and decodes the response into out.
func (c *Client) getJSON(ctx context.Context, mb Mailbox, rawURL string, prefer []string, out interface{}) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.getWithRetry(ctx, mb, rawURL, prefer, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("graph API unavailable: %w", err)
	}
	return err
}

func (c *Client) getWithRetry(ctx context.Context, mb Mailbox, rawURL string, prefer []string, out interface{}) error {
	backoff := c.baseBackoff

	for attempt := 1; ; attempt++ {
		err := c.doGet(ctx, mb, rawURL, prefer, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !isTransient(err) {
			return err
		}
		if attempt >= c.maxAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}

		var wait time.Duration
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusTooManyRequests && se.RetryAfter > 0 {
			// Throttling waits exactly what the server asked for and does
			// not advance the exponential backoff.
			wait = se.RetryAfter
		} else {
			wait = backoff
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
		}

		slog.Warn("graph request failed, retrying",
			"account", mb.AccountID,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// doGet performs a single attempt.
func (c *Client) doGet(ctx context.Context, mb Mailbox, rawURL string, prefer []string, out interface{}) error {
	token, err := c.tokens.AccessToken(ctx, mb.AccountID)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	for _, p := range prefer {
		req.Header.Add("Prefer", p)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{
			StatusCode: resp.StatusCode,
			URL:        redactQuery(rawURL),
			Body:       string(body),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// redactQuery drops the query string, which carries delta and skip tokens.
func redactQuery(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.RawQuery = ""
	return u.String()
}
