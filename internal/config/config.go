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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// OAuthConfig holds the application registration used to refresh user tokens.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	TokenURL     string
	Scopes       []string
}

// SyncConfig holds the tuning knobs of the sync engine.
type SyncConfig struct {
	Interval         time.Duration // periodic full sync; 0 disables the scheduler
	FolderBatchSize  int
	PageSize         int
	UpsertBatchSize  int
	MaxAttempts      int
	BaseBackoff      time.Duration
	MaxBackoff       time.Duration
	RefreshMargin    time.Duration
	FailureThreshold int
	LockTTL          time.Duration
}

// Config holds all configuration for the mailbox mirror service.
type Config struct {
	DatabaseURL  string
	GraphBaseURL string
	OAuth        OAuthConfig
	Sync         SyncConfig

	// Redis
	RedisURL    string
	EventsQueue string

	LogLevel string
	Port     int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Graph struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"graph"`
	OAuth struct {
		ClientID     string   `yaml:"client_id"`
		ClientSecret string   `yaml:"client_secret"`
		TenantID     string   `yaml:"tenant_id"`
		TokenURL     string   `yaml:"token_url"`
		Scopes       []string `yaml:"scopes"`
	} `yaml:"oauth"`
	Sync struct {
		Interval         string `yaml:"interval"`
		FolderBatchSize  int    `yaml:"folder_batch_size"`
		PageSize         int    `yaml:"page_size"`
		UpsertBatchSize  int    `yaml:"upsert_batch_size"`
		MaxAttempts      int    `yaml:"max_attempts"`
		BaseBackoff      string `yaml:"base_backoff"`
		MaxBackoff       string `yaml:"max_backoff"`
		RefreshMargin    string `yaml:"refresh_margin"`
		FailureThreshold int    `yaml:"failure_threshold"`
		LockTTL          string `yaml:"lock_ttl"`
	} `yaml:"sync"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Events string `yaml:"events"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return Parse(data)
}

// Parse builds a Config from YAML bytes. ${VAR} references are expanded
// before parsing.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL:  firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "")),
		GraphBaseURL: firstNonEmpty(raw.Graph.BaseURL, envOrDefault("GRAPH_BASE_URL", "https://graph.microsoft.com/v1.0")),
		RedisURL:     firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		EventsQueue:  firstNonEmpty(raw.Redis.Queues.Events, envOrDefault("EVENTS_QUEUE", "mailmirror:sync-events")),
		LogLevel:     envOrDefault("LOG_LEVEL", "info"),
		Port:         envOrDefaultInt("PORT", 8080),
	}

	cfg.OAuth = OAuthConfig{
		ClientID:     raw.OAuth.ClientID,
		ClientSecret: raw.OAuth.ClientSecret,
		TenantID:     firstNonEmpty(raw.OAuth.TenantID, "common"),
		TokenURL:     raw.OAuth.TokenURL,
		Scopes:       raw.OAuth.Scopes,
	}
	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth.TokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.OAuth.TenantID)
	}
	if len(cfg.OAuth.Scopes) == 0 {
		cfg.OAuth.Scopes = []string{"offline_access", "https://graph.microsoft.com/Mail.Read"}
	}

	cfg.Sync = SyncConfig{
		Interval:         parseDurationOr(raw.Sync.Interval, envOrDefaultDuration("SYNC_INTERVAL", 15*time.Minute)),
		FolderBatchSize:  positiveOr(raw.Sync.FolderBatchSize, 10),
		PageSize:         positiveOr(raw.Sync.PageSize, 50),
		UpsertBatchSize:  positiveOr(raw.Sync.UpsertBatchSize, 100),
		MaxAttempts:      positiveOr(raw.Sync.MaxAttempts, 3),
		BaseBackoff:      parseDurationOr(raw.Sync.BaseBackoff, time.Second),
		MaxBackoff:       parseDurationOr(raw.Sync.MaxBackoff, 30*time.Second),
		RefreshMargin:    parseDurationOr(raw.Sync.RefreshMargin, 5*time.Minute),
		FailureThreshold: positiveOr(raw.Sync.FailureThreshold, 3),
		LockTTL:          parseDurationOr(raw.Sync.LockTTL, 30*time.Minute),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database url is required (database.url or DATABASE_URL)")
	}
	if cfg.OAuth.ClientID == "" {
		return nil, fmt.Errorf("oauth client_id is required")
	}
	if cfg.Sync.UpsertBatchSize > 100 {
		return nil, fmt.Errorf("sync.upsert_batch_size must be <= 100, got %d", cfg.Sync.UpsertBatchSize)
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// SlogLevel maps LogLevel onto a slog level, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
