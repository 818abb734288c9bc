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

package stats

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rishik-ashili/email-outbox-sub001/internal/chat"
	"github.com/rishik-ashili/email-outbox-sub001/internal/contextstore"
	"github.com/rishik-ashili/email-outbox-sub001/internal/index"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
)

type fakeIndex struct {
	stats *index.Stats
	err   error
}

func (f *fakeIndex) Stats(ctx context.Context) (*index.Stats, error) { return f.stats, f.err }

type fakeContexts struct {
	stats *contextstore.Stats
	err   error
}

func (f *fakeContexts) Stats(ctx context.Context) (*contextstore.Stats, error) {
	return f.stats, f.err
}

type fakeNotifier struct{ stats notify.Stats }

func (f *fakeNotifier) Stats() notify.Stats { return f.stats }

type fakeConnections struct{ status map[string]bool }

func (f *fakeConnections) ConnectionStatus() map[string]bool { return f.status }

type fakeChat struct {
	stats chat.Stats
	err   error
}

func (f *fakeChat) Stats(ctx context.Context) (chat.Stats, error) { return f.stats, f.err }

type fakeProcessed struct {
	byCategory map[string]string
	byAccount  map[string]string
	err        error
}

func (f *fakeProcessed) ProcessedCounts(ctx context.Context) (map[string]string, map[string]string, error) {
	return f.byCategory, f.byAccount, f.err
}

func healthyAggregator() *Aggregator {
	return NewAggregator(
		&fakeIndex{stats: &index.Stats{Total: 42, ByCategory: map[string]int{models.CategoryInterested: 7}}},
		&fakeContexts{stats: &contextstore.Stats{Total: 10}},
		&fakeNotifier{stats: notify.Stats{Sent: 5, Failed: 1}},
		&fakeConnections{status: map[string]bool{"acct-1": true, "acct-2": false}},
		&fakeChat{stats: chat.Stats{Sessions: 3}},
		&fakeProcessed{
			byCategory: map[string]string{models.CategoryInterested: "7"},
			byAccount:  map[string]string{"acct-1": "42"},
		},
	)
}

func TestSnapshot(t *testing.T) {
	snap, err := healthyAggregator().Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Emails.Total != 42 {
		t.Errorf("emails total = %d, want 42", snap.Emails.Total)
	}
	if snap.Contexts.Total != 10 {
		t.Errorf("contexts total = %d, want 10", snap.Contexts.Total)
	}
	if snap.Notifications.Sent != 5 || snap.Notifications.Failed != 1 {
		t.Errorf("notifications = %+v", snap.Notifications)
	}
	if !snap.Connections["acct-1"] || snap.Connections["acct-2"] {
		t.Errorf("connections = %v", snap.Connections)
	}
	if snap.Chat.Sessions != 3 {
		t.Errorf("chat sessions = %d, want 3", snap.Chat.Sessions)
	}
	if snap.Processed.ByCategory[models.CategoryInterested] != "7" {
		t.Errorf("processed by category = %v", snap.Processed.ByCategory)
	}
	if snap.GeneratedAt.IsZero() {
		t.Error("generated_at not set")
	}
}

func TestSnapshot_FirstFailureAborts(t *testing.T) {
	a := healthyAggregator()
	a.index = &fakeIndex{err: errors.New("pool closed")}

	snap, err := a.Snapshot(context.Background())
	if err == nil {
		t.Fatal("expected error when index stats fail")
	}
	if snap != nil {
		t.Error("failed snapshot must be nil, not partial")
	}
	if !strings.Contains(err.Error(), "email index stats") {
		t.Errorf("error should name the failing source: %v", err)
	}
}

func TestSnapshot_ChatFailureAborts(t *testing.T) {
	a := healthyAggregator()
	a.chat = &fakeChat{err: errors.New("connection refused")}

	if _, err := a.Snapshot(context.Background()); err == nil {
		t.Fatal("expected error when chat stats fail")
	}
}
