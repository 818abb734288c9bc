// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package queue publishes pipeline completion events to Redis and records
// pipeline throughput metrics. External consumers (dashboards, downstream
// automations) read the completed-events list; the hash counters back the
// stats endpoint.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

const (
	processedByCategoryKey = "onebox:metrics:processed:category"
	processedByAccountKey  = "onebox:metrics:processed:account"
)

// Publisher sends completion events to a Redis list and keeps processed
// counters in Redis hashes.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a Redis publisher targeting the specified list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// PublishCompletion serialises a completion event, pushes it onto the
// completed-events list, and bumps the per-category and per-account
// processed counters. The elapsed time is the completion metric keyed by
// email, category, and account.
func (p *Publisher) PublishCompletion(ctx context.Context, ev models.CompletionEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal completion event: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.LPush(ctx, p.queueName, payload)
	pipe.HIncrBy(ctx, processedByCategoryKey, ev.Category, 1)
	pipe.HIncrBy(ctx, processedByAccountKey, ev.AccountID, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish completion: %w", err)
	}

	slog.Info("published completion event",
		"email_id", ev.EmailID,
		"account", ev.AccountID,
		"category", ev.Category,
		"elapsed_ms", ev.ElapsedMs,
		"queue", p.queueName,
	)

	return nil
}

// ProcessedCounts returns the per-category and per-account processed counters.
func (p *Publisher) ProcessedCounts(ctx context.Context) (byCategory, byAccount map[string]string, err error) {
	byCategory, err = p.rdb.HGetAll(ctx, processedByCategoryKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read category counters: %w", err)
	}
	byAccount, err = p.rdb.HGetAll(ctx, processedByAccountKey).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("read account counters: %w", err)
	}
	return byCategory, byAccount, nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
