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

// Package stats assembles one composite statistics snapshot from every
// subsystem. Snapshots are all-or-nothing: the first sub-query failure
// aborts with an error so callers never see a partially filled report.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/chat"
	"github.com/rishik-ashili/email-outbox-sub001/internal/contextstore"
	"github.com/rishik-ashili/email-outbox-sub001/internal/index"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
)

// IndexStatser provides the search index breakdown.
type IndexStatser interface {
	Stats(ctx context.Context) (*index.Stats, error)
}

// ContextStatser provides the context store counters.
type ContextStatser interface {
	Stats(ctx context.Context) (*contextstore.Stats, error)
}

// NotifyStatser provides the notification counters.
type NotifyStatser interface {
	Stats() notify.Stats
}

// ConnectionStatser reports per-account IMAP connection state.
type ConnectionStatser interface {
	ConnectionStatus() map[string]bool
}

// ChatStatser provides chat session counters.
type ChatStatser interface {
	Stats(ctx context.Context) (chat.Stats, error)
}

// ProcessedStatser provides the processed-email counters kept alongside
// the completion queue.
type ProcessedStatser interface {
	ProcessedCounts(ctx context.Context) (byCategory, byAccount map[string]string, err error)
}

// Snapshot is the combined statistics report.
type Snapshot struct {
	Emails        *index.Stats        `json:"emails"`
	Contexts      *contextstore.Stats `json:"contexts"`
	Notifications notify.Stats        `json:"notifications"`
	Connections   map[string]bool     `json:"connections"`
	Chat          chat.Stats          `json:"chat"`
	Processed     ProcessedCounts     `json:"processed"`
	GeneratedAt   time.Time           `json:"generated_at"`
}

// ProcessedCounts holds the cumulative pipeline completion counters.
type ProcessedCounts struct {
	ByCategory map[string]string `json:"by_category"`
	ByAccount  map[string]string `json:"by_account"`
}

// Aggregator queries every subsystem for one snapshot.
type Aggregator struct {
	index       IndexStatser
	contexts    ContextStatser
	notifier    NotifyStatser
	connections ConnectionStatser
	chat        ChatStatser
	processed   ProcessedStatser
}

// NewAggregator wires the statistic sources together.
func NewAggregator(idx IndexStatser, ctxStore ContextStatser, notifier NotifyStatser, conns ConnectionStatser, chatClient ChatStatser, processed ProcessedStatser) *Aggregator {
	return &Aggregator{
		index:       idx,
		contexts:    ctxStore,
		notifier:    notifier,
		connections: conns,
		chat:        chatClient,
		processed:   processed,
	}
}

// Snapshot gathers the current statistics, failing on the first sub-query
// error.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	emailStats, err := a.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("email index stats: %w", err)
	}

	contextStats, err := a.contexts.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("context store stats: %w", err)
	}

	chatStats, err := a.chat.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat stats: %w", err)
	}

	byCategory, byAccount, err := a.processed.ProcessedCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("processed counters: %w", err)
	}

	return &Snapshot{
		Emails:        emailStats,
		Contexts:      contextStats,
		Notifications: a.notifier.Stats(),
		Connections:   a.connections.ConnectionStatus(),
		Chat:          chatStats,
		Processed: ProcessedCounts{
			ByCategory: byCategory,
			ByAccount:  byAccount,
		},
		GeneratedAt: time.Now().UTC(),
	}, nil
}
