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

// Package dedup provides email deduplication using Redis SETNX with a TTL.
// The IMAP source emits at-least-once (reconnects re-deliver the tail of a
// mailbox), so the pipeline entry is guarded by this filter. The search
// index is additionally idempotent by email ID, so a dedup miss is never
// fatal — just wasted work.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long a seen email ID is remembered. Reconnect
	// re-deliveries happen within minutes; a day leaves plenty of margin.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "onebox:seen:"
)

// Filter tracks which emails have already entered the pipeline.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis. ttl <= 0 uses DefaultTTL.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{rdb: rdb, ttl: ttl}
}

// IsNew returns true if the (account, email) pair has NOT been seen before.
// If true, the pair is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, accountID, emailID string) (bool, error) {
	key := fmt.Sprintf("%s%s:%s", keyPrefix, accountID, emailID)

	set, err := f.rdb.SetNX(ctx, key, 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}

	return set, nil
}
