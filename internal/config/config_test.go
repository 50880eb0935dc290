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

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `
database:
  url: postgres://mirror:secret@db:5432/mirror
oauth:
  client_id: ${TEST_MIRROR_CLIENT_ID}
  client_secret: s3cret
  tenant_id: contoso
sync:
  interval: 5m
  folder_batch_size: 4
redis:
  url: redis://cache:6379/1
  queues:
    events: sync-events
`

// TestParse_ExpandsEnvAndAppliesDefaults verifies env expansion and defaults.
func TestParse_ExpandsEnvAndAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_MIRROR_CLIENT_ID", "client-123")

	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.OAuth.ClientID != "client-123" {
		t.Errorf("client id = %q, want client-123", cfg.OAuth.ClientID)
	}
	if cfg.OAuth.TokenURL != "https://login.microsoftonline.com/contoso/oauth2/v2.0/token" {
		t.Errorf("token url = %q", cfg.OAuth.TokenURL)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("interval = %v, want 5m", cfg.Sync.Interval)
	}
	if cfg.Sync.FolderBatchSize != 4 {
		t.Errorf("folder batch size = %d, want 4", cfg.Sync.FolderBatchSize)
	}
	if cfg.Sync.MaxAttempts != 3 {
		t.Errorf("max attempts = %d, want 3", cfg.Sync.MaxAttempts)
	}
	if cfg.Sync.RefreshMargin != 5*time.Minute {
		t.Errorf("refresh margin = %v, want 5m", cfg.Sync.RefreshMargin)
	}
	if cfg.Sync.FailureThreshold != 3 {
		t.Errorf("failure threshold = %d, want 3", cfg.Sync.FailureThreshold)
	}
	if cfg.EventsQueue != "sync-events" {
		t.Errorf("events queue = %q, want sync-events", cfg.EventsQueue)
	}
	if cfg.GraphBaseURL != "https://graph.microsoft.com/v1.0" {
		t.Errorf("graph base url = %q", cfg.GraphBaseURL)
	}
}

// TestParse_RequiresDatabase verifies a missing database URL is rejected.
func TestParse_RequiresDatabase(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	_, err := Parse([]byte("oauth:\n  client_id: abc\n"))
	if err == nil {
		t.Fatal("expected error without database url")
	}
}

// TestParse_RejectsOversizedUpsertBatch verifies the sub-batch ceiling.
func TestParse_RejectsOversizedUpsertBatch(t *testing.T) {
	data := "database:\n  url: postgres://x\noauth:\n  client_id: abc\nsync:\n  upsert_batch_size: 500\n"
	if _, err := Parse([]byte(data)); err == nil {
		t.Fatal("expected error for upsert batch > 100")
	}
}

// TestLoad_ReadsConfigPath verifies CONFIG_PATH is honoured.
func TestLoad_ReadsConfigPath(t *testing.T) {
	t.Setenv("TEST_MIRROR_CLIENT_ID", "from-file")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OAuth.ClientID != "from-file" {
		t.Errorf("client id = %q, want from-file", cfg.OAuth.ClientID)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := Config{LogLevel: in}
		if got := cfg.SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
