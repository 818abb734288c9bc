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

package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
)

type fakeCategorizer struct {
	label string
	err   error
	panic bool
	calls int
}

func (f *fakeCategorizer) Categorize(ctx context.Context, email *models.Email) (string, error) {
	f.calls++
	if f.panic {
		panic("categorizer exploded")
	}
	return f.label, f.err
}

type fakeIndexer struct {
	mu            sync.Mutex
	indexErr      error
	annotateErr   error
	seen          map[string]bool
	indexCalls    []string
	annotateCalls []string
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{seen: make(map[string]bool)}
}

func (f *fakeIndexer) IndexEmail(ctx context.Context, email *models.Email) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexCalls = append(f.indexCalls, email.ID)
	if f.indexErr != nil {
		return false, f.indexErr
	}
	if f.seen[email.ID] {
		return false, nil
	}
	f.seen[email.ID] = true
	return true, nil
}

func (f *fakeIndexer) UpdateCategory(ctx context.Context, emailID, category string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.annotateCalls = append(f.annotateCalls, emailID+"="+category)
	return f.annotateErr
}

type fakeContextStore struct {
	mu      sync.Mutex
	err     error
	records []models.ContextRecord
}

func (f *fakeContextStore) StoreContext(ctx context.Context, rec models.ContextRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (f *fakeNotifier) Notify(ctx context.Context, email *models.Email, category string) ([]notify.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, email.ID+"="+category)
	if f.err != nil {
		return nil, f.err
	}
	return []notify.Result{{Target: notify.TargetSlack, OK: true}}, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.CompletionEvent
}

func (f *fakePublisher) PublishCompletion(ctx context.Context, ev models.CompletionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

type fixture struct {
	bus         *events.Bus
	categorizer *fakeCategorizer
	indexer     *fakeIndexer
	contexts    *fakeContextStore
	notifier    *fakeNotifier
	publisher   *fakePublisher
	orch        *Orchestrator
}

func newFixture(label string) *fixture {
	f := &fixture{
		bus:         events.NewBus(16),
		categorizer: &fakeCategorizer{label: label},
		indexer:     newFakeIndexer(),
		contexts:    &fakeContextStore{},
		notifier:    &fakeNotifier{},
		publisher:   &fakePublisher{},
	}
	f.orch = NewOrchestrator(f.bus, f.categorizer, f.indexer, f.notifier, Options{
		ContextStore: f.contexts,
		Completions:  f.publisher,
	})
	return f
}

func sampleEmail() *models.Email {
	return &models.Email{
		ID:         "e1",
		AccountID:  "acct1",
		Subject:    "Pricing?",
		Body:       "Could you share pricing for 50 seats?",
		From:       []models.EmailAddress{{Address: "a@b.com"}},
		ReceivedAt: time.Now().UTC(),
	}
}

func TestProcess_InterestedEndToEnd(t *testing.T) {
	f := newFixture(models.CategoryInterested)
	completed := f.bus.SubscribeCompleted()

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if outcome.Category != models.CategoryInterested {
		t.Errorf("category = %q", outcome.Category)
	}
	if len(f.indexer.indexCalls) != 1 || f.indexer.indexCalls[0] != "e1" {
		t.Errorf("index calls = %v, want exactly one for e1", f.indexer.indexCalls)
	}
	if !outcome.Indexed {
		t.Error("first index of a fresh ID must report newly indexed")
	}
	if len(f.indexer.annotateCalls) != 1 || f.indexer.annotateCalls[0] != "e1="+models.CategoryInterested {
		t.Errorf("annotate calls = %v", f.indexer.annotateCalls)
	}
	if len(f.contexts.records) != 1 {
		t.Fatalf("context records = %d, want 1", len(f.contexts.records))
	}
	rec := f.contexts.records[0]
	if rec.ID != "email-e1" {
		t.Errorf("context record ID = %q, want email-e1", rec.ID)
	}
	if rec.Priority != models.PriorityHigh {
		t.Errorf("context priority = %q, want high", rec.Priority)
	}
	if len(f.notifier.calls) != 1 || f.notifier.calls[0] != "e1="+models.CategoryInterested {
		t.Errorf("notifier calls = %v", f.notifier.calls)
	}
	if len(f.publisher.events) != 1 {
		t.Fatalf("completion events = %d, want 1", len(f.publisher.events))
	}
	if ev := f.publisher.events[0]; ev.EmailID != "e1" || ev.Category != models.CategoryInterested || ev.AccountID != "acct1" {
		t.Errorf("completion event = %+v", ev)
	}

	select {
	case ev := <-completed:
		if ev.EmailID != "e1" || ev.Category != models.CategoryInterested {
			t.Errorf("bus completion = %+v", ev)
		}
	default:
		t.Error("no completion event on the bus")
	}
}

func TestProcess_CategorizerFailureFallsBack(t *testing.T) {
	f := newFixture("")
	f.categorizer.err = errors.New("model unavailable")

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if outcome.Category != models.CategoryUncategorized {
		t.Errorf("category = %q, want fallback", outcome.Category)
	}
	if len(f.indexer.indexCalls) != 1 {
		t.Errorf("index calls = %v, indexing must still run", f.indexer.indexCalls)
	}
	if len(f.notifier.calls) != 0 {
		t.Errorf("notifier calls = %v, fallback category must not notify", f.notifier.calls)
	}
	if len(f.publisher.events) != 1 {
		t.Errorf("completion events = %d, pipeline must still complete", len(f.publisher.events))
	}
}

func TestProcess_IndexerFailureSkipsAnnotation(t *testing.T) {
	f := newFixture(models.CategorySpam)
	f.indexer.indexErr = errors.New("pool closed")

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if len(f.indexer.annotateCalls) != 0 {
		t.Errorf("annotate calls = %v, must be skipped when indexing fails", f.indexer.annotateCalls)
	}
	if outcome.Indexed {
		t.Error("outcome must not report indexed")
	}
	if len(f.contexts.records) != 1 {
		t.Error("context stage must still run after an index failure")
	}
	if len(f.publisher.events) != 1 {
		t.Error("pipeline must still complete after an index failure")
	}
}

func TestProcess_DuplicateSkipsAnnotation(t *testing.T) {
	f := newFixture(models.CategorySpam)

	first := f.orch.Process(context.Background(), sampleEmail())
	second := f.orch.Process(context.Background(), sampleEmail())

	if !first.Indexed {
		t.Error("first pass must report newly indexed")
	}
	if second.Indexed {
		t.Error("second pass of the same ID must not report newly indexed")
	}
	if len(f.indexer.annotateCalls) != 1 {
		t.Errorf("annotate calls = %v, only the newly-indexed pass annotates", f.indexer.annotateCalls)
	}
}

func TestProcess_NotifyOnlyForInterested(t *testing.T) {
	for _, category := range []string{
		models.CategoryMeetingBooked,
		models.CategoryNotInterested,
		models.CategorySpam,
		models.CategoryOutOfOffice,
	} {
		f := newFixture(category)
		f.orch.Process(context.Background(), sampleEmail())
		if len(f.notifier.calls) != 0 {
			t.Errorf("category %q triggered notification", category)
		}
	}

	f := newFixture(models.CategoryInterested)
	f.orch.Process(context.Background(), sampleEmail())
	if len(f.notifier.calls) != 1 {
		t.Error("Interested must trigger exactly one notification")
	}
}

func TestProcess_NotifierFailureSwallowed(t *testing.T) {
	f := newFixture(models.CategoryInterested)
	f.notifier.err = errors.New("slack 500")

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if outcome.Notified {
		t.Error("outcome must not report notified on failure")
	}
	if len(f.publisher.events) != 1 {
		t.Error("pipeline must still complete after a notify failure")
	}
}

func TestProcess_ContextStoreFailureSwallowed(t *testing.T) {
	f := newFixture(models.CategoryInterested)
	f.contexts.err = errors.New("disk full")

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if outcome.ContextStored {
		t.Error("outcome must not report context stored on failure")
	}
	if len(f.notifier.calls) != 1 {
		t.Error("notify stage must still run after a context failure")
	}
}

func TestProcess_PanicFallsBackToBareIndex(t *testing.T) {
	f := newFixture("")
	f.categorizer.panic = true

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if outcome.Dropped {
		t.Error("salvageable email must not be dropped")
	}
	if outcome.Category != models.CategoryUncategorized {
		t.Errorf("category = %q, want fallback", outcome.Category)
	}
	if len(f.indexer.indexCalls) != 1 {
		t.Errorf("index calls = %v, want the bare fallback index", f.indexer.indexCalls)
	}
	if len(f.notifier.calls) != 0 {
		t.Error("salvage path must not notify")
	}
	if len(f.publisher.events) != 1 {
		t.Error("salvaged email must still reach completion")
	}
}

func TestProcess_PanicThenIndexFailureDrops(t *testing.T) {
	f := newFixture("")
	f.categorizer.panic = true
	f.indexer.indexErr = errors.New("pool closed")

	outcome := f.orch.Process(context.Background(), sampleEmail())

	if !outcome.Dropped {
		t.Error("email must be dropped when the fallback index also fails")
	}
	if len(f.publisher.events) != 0 {
		t.Error("dropped email must not emit a completion event")
	}
}

func TestProcess_DedupSkipsSeenEmail(t *testing.T) {
	f := newFixture(models.CategoryInterested)
	seen := map[string]bool{}
	f.orch.dedup = dedupFunc(func(ctx context.Context, accountID, emailID string) (bool, error) {
		key := accountID + "/" + emailID
		if seen[key] {
			return false, nil
		}
		seen[key] = true
		return true, nil
	})

	f.orch.Process(context.Background(), sampleEmail())
	f.orch.Process(context.Background(), sampleEmail())

	if len(f.indexer.indexCalls) != 1 {
		t.Errorf("index calls = %v, duplicate must be filtered before the stages", f.indexer.indexCalls)
	}
}

func TestProcess_DedupErrorContinues(t *testing.T) {
	f := newFixture(models.CategorySpam)
	f.orch.dedup = dedupFunc(func(ctx context.Context, accountID, emailID string) (bool, error) {
		return false, errors.New("redis down")
	})

	f.orch.Process(context.Background(), sampleEmail())

	if len(f.indexer.indexCalls) != 1 {
		t.Error("dedup errors must not block the pipeline")
	}
}

type dedupFunc func(ctx context.Context, accountID, emailID string) (bool, error)

func (f dedupFunc) IsNew(ctx context.Context, accountID, emailID string) (bool, error) {
	return f(ctx, accountID, emailID)
}

func TestRun_EmailPublishedBeforeRunIsProcessed(t *testing.T) {
	f := newFixture(models.CategorySpam)

	// Subscription happens at construction, so an email landing on the
	// bus before Run is scheduled must still be delivered.
	f.bus.PublishEmail(events.EmailReceived{Email: sampleEmail()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.orch.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		f.indexer.mu.Lock()
		n := len(f.indexer.indexCalls)
		f.indexer.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("email published before Run was lost")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

func TestRun_ProcessesBusEvents(t *testing.T) {
	f := newFixture(models.CategorySpam)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.orch.Run(ctx)
		close(done)
	}()

	f.bus.PublishEmail(events.EmailReceived{Email: sampleEmail()})

	deadline := time.After(2 * time.Second)
	for {
		f.indexer.mu.Lock()
		n := len(f.indexer.indexCalls)
		f.indexer.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("email from the bus was never processed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
