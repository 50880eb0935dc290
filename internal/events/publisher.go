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

// Package events publishes sync lifecycle events to a Redis list. Downstream
// consumers (UI refresh, summarisation workers) pop them with BRPOP.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// TypeSyncCompleted is the event type of a finished full sync.
const TypeSyncCompleted = "sync.completed"

// SyncCompleted is published after every full sync, whatever its status.
type SyncCompleted struct {
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	AccountID      string    `json:"account_id"`
	Status         string    `json:"status"`
	MessagesSynced int       `json:"messages_synced"`
	Created        int       `json:"created"`
	Updated        int       `json:"updated"`
	Deleted        int       `json:"deleted"`
	ErrorCount     int       `json:"error_count"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Publisher pushes events onto a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishSyncCompleted serialises the event and pushes it to the queue.
func (p *Publisher) PublishSyncCompleted(ctx context.Context, ev SyncCompleted) error {
	data, err := encodeSyncCompleted(&ev)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, data).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published sync event",
		"event_id", ev.EventID,
		"account", ev.AccountID,
		"status", ev.Status,
		"queue", p.queueName,
	)
	return nil
}

// encodeSyncCompleted stamps the event id and type and marshals the event.
func encodeSyncCompleted(ev *SyncCompleted) ([]byte, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	ev.Type = TypeSyncCompleted

	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal sync event: %w", err)
	}
	return data, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
