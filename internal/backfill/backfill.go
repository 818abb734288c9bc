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

// Package backfill provides historical email ingestion: it fetches
// messages within a lookback window over IMAP and runs each one through
// the enrichment pipeline. Intended for seeding data on new deployments.
package backfill

import (
	"context"
	"log/slog"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// Processor runs one email through the enrichment pipeline.
type Processor interface {
	Process(ctx context.Context, email *models.Email) models.PipelineOutcome
}

// Deduper filters emails already processed in the recent window.
type Deduper interface {
	IsNew(ctx context.Context, accountID, emailID string) (bool, error)
}

// Fetcher retrieves an account's historical mail. It matches the IMAP
// source's one-shot fetch.
type Fetcher func(ctx context.Context, account models.Account, secret models.Secret, since time.Time, emit func(*models.Email)) (int, error)

// Request defines the scope of a historical ingestion run.
type Request struct {
	Accounts []Target
	Since    time.Duration // lookback window (e.g. 720h = 30 days)
}

// Target pairs an account with its credential for the run.
type Target struct {
	Account models.Account
	Secret  models.Secret
}

// Result summarises a completed backfill run.
type Result struct {
	AccountResults []AccountResult
	TotalProcessed int
	TotalSkipped   int
	Elapsed        time.Duration
}

// AccountResult tracks per-account backfill progress.
type AccountResult struct {
	AccountID string
	Label     string
	Fetched   int
	Processed int
	Skipped   int
	Errors    int
}

// Runner performs historical email backfill.
type Runner struct {
	fetch     Fetcher
	processor Processor
	dedup     Deduper // optional
}

// NewRunner creates a backfill runner. The processor must not carry its
// own dedup filter, or the runner's skip counters would mark every email
// seen before the pipeline gets it.
func NewRunner(fetch Fetcher, processor Processor, dedup Deduper) *Runner {
	return &Runner{
		fetch:     fetch,
		processor: processor,
		dedup:     dedup,
	}
}

// Run performs the backfill for every account in the request. A failing
// account costs one error entry; the remaining accounts still run.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	since := time.Now().UTC().Add(-req.Since)

	slog.Info("starting historical backfill",
		"accounts", len(req.Accounts),
		"since", since.Format(time.RFC3339),
	)

	result := &Result{}
	for _, target := range req.Accounts {
		ar := r.backfillAccount(ctx, target, since)
		result.AccountResults = append(result.AccountResults, ar)
		result.TotalProcessed += ar.Processed
		result.TotalSkipped += ar.Skipped

		if ctx.Err() != nil {
			break
		}
	}

	result.Elapsed = time.Since(start)
	slog.Info("historical backfill complete",
		"total_processed", result.TotalProcessed,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)
	return result, nil
}

// backfillAccount fetches and processes one account's history.
func (r *Runner) backfillAccount(ctx context.Context, target Target, since time.Time) AccountResult {
	ar := AccountResult{
		AccountID: target.Account.ID,
		Label:     target.Account.Label,
	}
	log := slog.With("account", target.Account.Label, "account_id", target.Account.ID)
	log.Info("backfilling account mailbox", "since", since.Format(time.RFC3339))

	fetched, err := r.fetch(ctx, target.Account, target.Secret, since, func(email *models.Email) {
		ar.Fetched++

		if r.dedup != nil {
			fresh, err := r.dedup.IsNew(ctx, email.AccountID, email.ID)
			if err != nil {
				log.Warn("dedup check failed", "error", err)
			} else if !fresh {
				ar.Skipped++
				return
			}
		}

		outcome := r.processor.Process(ctx, email)
		if outcome.Dropped {
			ar.Errors++
			return
		}
		ar.Processed++
	})
	if err != nil {
		log.Error("backfill failed for account", "error", err, "fetched", fetched)
		ar.Errors++
	}

	log.Info("account backfill complete",
		"fetched", ar.Fetched,
		"processed", ar.Processed,
		"skipped", ar.Skipped,
		"errors", ar.Errors,
	)
	return ar
}
