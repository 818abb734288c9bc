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

// Package pipeline orchestrates the per-email enrichment sequence:
// categorize, index, annotate, store context, notify, complete. Every
// stage degrades rather than aborts: a stage failure is logged and the
// email continues to its terminal state.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/contextstore"
	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
)

// Categorizer assigns one of the known category labels to an email.
type Categorizer interface {
	Categorize(ctx context.Context, email *models.Email) (string, error)
}

// Indexer persists emails in the search index. IndexEmail reports whether
// the email was newly indexed (false means the ID was already present).
type Indexer interface {
	IndexEmail(ctx context.Context, email *models.Email) (bool, error)
	UpdateCategory(ctx context.Context, emailID, category string) error
}

// ContextStore persists derived context records. Nil disables the stage.
type ContextStore interface {
	StoreContext(ctx context.Context, rec models.ContextRecord) error
}

// Notifier delivers interested-email notifications.
type Notifier interface {
	Notify(ctx context.Context, email *models.Email, category string) ([]notify.Result, error)
}

// CompletionPublisher pushes completion events onto the external queue.
type CompletionPublisher interface {
	PublishCompletion(ctx context.Context, ev models.CompletionEvent) error
}

// Deduper filters emails already seen in the recent window.
type Deduper interface {
	IsNew(ctx context.Context, accountID, emailID string) (bool, error)
}

const defaultConcurrency = 8

// Orchestrator runs the enrichment pipeline over bus events.
type Orchestrator struct {
	bus         *events.Bus
	categorizer Categorizer
	indexer     Indexer
	contexts    ContextStore // optional
	notifier    Notifier
	completions CompletionPublisher // optional
	dedup       Deduper             // optional
	concurrency int

	emails   <-chan events.EmailReceived
	lost     <-chan events.ConnectionLost
	restored <-chan events.ConnectionRestored

	wg sync.WaitGroup
}

// Options carries the optional collaborators and tuning knobs.
type Options struct {
	ContextStore ContextStore
	Completions  CompletionPublisher
	Dedup        Deduper
	Concurrency  int
}

// NewOrchestrator wires the pipeline stages together and subscribes to
// the bus immediately, so emails published before Run is scheduled are
// buffered rather than lost. Categorizer, indexer and notifier are
// required; the rest are optional via opts.
func NewOrchestrator(bus *events.Bus, categorizer Categorizer, indexer Indexer, notifier Notifier, opts Options) *Orchestrator {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Orchestrator{
		bus:         bus,
		categorizer: categorizer,
		indexer:     indexer,
		contexts:    opts.ContextStore,
		notifier:    notifier,
		completions: opts.Completions,
		dedup:       opts.Dedup,
		concurrency: concurrency,
		emails:      bus.SubscribeEmails(),
		lost:        bus.SubscribeConnectionLost(),
		restored:    bus.SubscribeConnectionRestored(),
	}
}

// Run drains the bus subscriptions until ctx is cancelled. Each email is
// processed on its own goroutine, bounded by the concurrency semaphore.
// Connection lifecycle events are logged only; they never pause in-flight
// work.
func (o *Orchestrator) Run(ctx context.Context) {
	sem := make(chan struct{}, o.concurrency)

	for {
		select {
		case ev := <-o.emails:
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				o.wg.Wait()
				return
			}
			o.wg.Add(1)
			go func(email *models.Email) {
				defer o.wg.Done()
				defer func() { <-sem }()
				o.Process(ctx, email)
			}(ev.Email)

		case ev := <-o.lost:
			slog.Warn("account connection lost", "account_id", ev.AccountID, "reason", ev.Reason)

		case ev := <-o.restored:
			slog.Info("account connection restored", "account_id", ev.AccountID)

		case <-ctx.Done():
			o.wg.Wait()
			return
		}
	}
}

// Process runs one email through the full stage sequence and returns its
// outcome. It never returns an error: failures degrade per stage, and a
// panic escaping the stages falls back to a bare index of the email under
// the fallback category. Only when that bare index also fails is the
// email dropped.
func (o *Orchestrator) Process(ctx context.Context, email *models.Email) (outcome models.PipelineOutcome) {
	start := time.Now()
	log := slog.With("email_id", email.ID, "account_id", email.AccountID)

	outcome = models.PipelineOutcome{
		EmailID:   email.ID,
		AccountID: email.AccountID,
	}

	if o.dedup != nil {
		fresh, err := o.dedup.IsNew(ctx, email.AccountID, email.ID)
		if err != nil {
			// Dedup is an optimization; on error the indexer's
			// idempotency still guarantees exactly-once storage.
			log.Warn("dedup check failed, continuing", "error", err)
		} else if !fresh {
			log.Debug("duplicate email skipped")
			outcome.Elapsed = time.Since(start)
			return outcome
		}
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("pipeline stage panicked, forcing fallback index", "panic", r)
			outcome = o.salvage(ctx, email, log)
			outcome.Elapsed = time.Since(start)
			if !outcome.Dropped {
				o.complete(ctx, email, outcome.Category, start, log)
			}
		}
	}()

	// Stage 1: categorize. Failure assigns the fallback label.
	category, err := o.categorizer.Categorize(ctx, email)
	if err != nil {
		log.Warn("categorization failed, using fallback", "error", err)
		category = models.CategoryUncategorized
	}
	email.Category = category
	outcome.Category = category

	// Stage 2: index. Failure skips annotation but not later stages.
	newlyIndexed, err := o.indexer.IndexEmail(ctx, email)
	if err != nil {
		log.Warn("indexing failed", "error", err)
	} else {
		outcome.Indexed = newlyIndexed

		// Stage 3: annotate, only for this pass's new rows.
		if newlyIndexed {
			if err := o.indexer.UpdateCategory(ctx, email.ID, category); err != nil {
				log.Warn("category annotation failed", "error", err)
			}
		}
	}

	// Stage 4: context store, when configured.
	if o.contexts != nil {
		rec := contextstore.BuildRecord(email, category)
		if err := o.contexts.StoreContext(ctx, rec); err != nil {
			log.Warn("context store write failed", "error", err)
		} else {
			outcome.ContextStored = true
		}
	}

	// Stage 5: notify, only for Interested mail.
	if category == models.CategoryInterested {
		if _, err := o.notifier.Notify(ctx, email, category); err != nil {
			log.Warn("notification failed", "error", err)
		} else {
			outcome.Notified = true
		}
	}

	// Stage 6: completion.
	outcome.Elapsed = time.Since(start)
	o.complete(ctx, email, category, start, log)

	log.Info("email processed",
		"category", category,
		"indexed", outcome.Indexed,
		"notified", outcome.Notified,
		"elapsed_ms", outcome.Elapsed.Milliseconds())
	return outcome
}

// salvage is the outer failure boundary: force the fallback category and
// attempt a bare index so the email still reaches a terminal state. A
// second failure drops the email, loudly.
func (o *Orchestrator) salvage(ctx context.Context, email *models.Email, log *slog.Logger) models.PipelineOutcome {
	outcome := models.PipelineOutcome{
		EmailID:   email.ID,
		AccountID: email.AccountID,
		Category:  models.CategoryUncategorized,
	}
	email.Category = models.CategoryUncategorized

	newlyIndexed, err := func() (indexed bool, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = &panicError{value: r}
			}
		}()
		return o.indexer.IndexEmail(ctx, email)
	}()
	if err != nil {
		log.Error("fallback indexing failed, email dropped", "error", err)
		outcome.Dropped = true
		return outcome
	}

	outcome.Indexed = newlyIndexed
	return outcome
}

// complete emits the terminal completion event on the bus and, when a
// publisher is configured, onto the external queue.
func (o *Orchestrator) complete(ctx context.Context, email *models.Email, category string, start time.Time, log *slog.Logger) {
	elapsed := time.Since(start)
	now := time.Now().UTC()

	o.bus.PublishCompleted(events.CategorizationCompleted{
		EmailID:   email.ID,
		AccountID: email.AccountID,
		Category:  category,
		Elapsed:   elapsed,
		At:        now,
	})

	if o.completions != nil {
		ev := models.CompletionEvent{
			EmailID:   email.ID,
			AccountID: email.AccountID,
			Category:  category,
			ElapsedMs: elapsed.Milliseconds(),
			At:        now,
		}
		if err := o.completions.PublishCompletion(ctx, ev); err != nil {
			log.Warn("completion publish failed", "error", err)
		}
	}
}

// panicError adapts a recovered panic value into an error.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
