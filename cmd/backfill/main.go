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

// Onebox — Historical Backfill Command
//
// Standalone CLI tool that ingests historical emails from the configured
// IMAP accounts within a lookback window and runs them through the
// enrichment pipeline. Intended for seeding data on new deployments.
//
// Usage:
//
//	go run ./cmd/backfill/ [--account work@org.com] [--since 720h]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rishik-ashili/email-outbox-sub001/internal/account"
	"github.com/rishik-ashili/email-outbox-sub001/internal/backfill"
	"github.com/rishik-ashili/email-outbox-sub001/internal/categorize"
	"github.com/rishik-ashili/email-outbox-sub001/internal/config"
	"github.com/rishik-ashili/email-outbox-sub001/internal/contextstore"
	"github.com/rishik-ashili/email-outbox-sub001/internal/dedup"
	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/imapsource"
	"github.com/rishik-ashili/email-outbox-sub001/internal/index"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
	"github.com/rishik-ashili/email-outbox-sub001/internal/pipeline"
	"github.com/rishik-ashili/email-outbox-sub001/internal/queue"
)

// collectingRegistrar captures provisioned accounts instead of watching
// them; backfill runs one-shot fetches, not live sessions.
type collectingRegistrar struct {
	targets []backfill.Target
}

func (c *collectingRegistrar) RegisterAccount(ctx context.Context, acct models.Account, secret models.Secret) error {
	c.targets = append(c.targets, backfill.Target{Account: acct, Secret: secret})
	return nil
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	accountFlag := flag.String("account", "", "Backfill only this account (user address or label; empty = all)")
	sinceFlag := flag.String("since", "", "Lookback duration (e.g. 168h for 1 week; default from config)")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	since := cfg.BackfillLookback
	if *sinceFlag != "" {
		since, err = time.ParseDuration(*sinceFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --since duration %q: %v\n", *sinceFlag, err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	indexStore, err := index.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise email index", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	publisher := queue.NewPublisher(rdb, cfg.CompletedQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb, cfg.DedupTTL)

	// --- AI Classifier + Context Store ---
	classifier := categorize.NewClassifier(cfg.AI)

	contextStore, err := contextstore.Open(cfg.ContextDataDir, classifier)
	if err != nil {
		slog.Error("failed to open context store", "error", err)
		os.Exit(1)
	}
	defer contextStore.Close()

	notifier := notify.NewNotifier(cfg.SlackWebhookURL, cfg.WebhookURL)

	// --- Resolve Accounts ---
	registrar := &collectingRegistrar{}
	provisioner := account.NewProvisioner(registrar, cfg.ExcludedProviders)
	summary := provisioner.Provision(ctx, cfg.Accounts)
	slog.Info("accounts resolved",
		"registered", summary.Registered,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)

	targets := registrar.targets
	if *accountFlag != "" {
		var filtered []backfill.Target
		for _, t := range targets {
			if t.Account.User == *accountFlag || t.Account.Label == *accountFlag {
				filtered = append(filtered, t)
			}
		}
		if len(filtered) == 0 {
			slog.Error("account not found in configuration", "account", *accountFlag)
			os.Exit(1)
		}
		targets = filtered
	}
	if len(targets) == 0 {
		slog.Error("no accounts to backfill")
		os.Exit(1)
	}

	// --- Pipeline (dedup lives in the runner, not the orchestrator,
	// so skip counters see each duplicate before the stages do) ---
	bus := events.NewBus(1)
	orchestrator := pipeline.NewOrchestrator(bus, classifier, indexStore, notifier, pipeline.Options{
		ContextStore: contextStore,
		Completions:  publisher,
		Concurrency:  cfg.PipelineConcurrency,
	})

	// --- Run Backfill ---
	runner := backfill.NewRunner(imapsource.FetchSince, orchestrator, filter)
	result, err := runner.Run(ctx, backfill.Request{
		Accounts: targets,
		Since:    since,
	})
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"total_processed", result.TotalProcessed,
		"total_skipped", result.TotalSkipped,
		"elapsed", result.Elapsed,
	)
	for _, ar := range result.AccountResults {
		slog.Info("account result",
			"account", ar.Label,
			"fetched", ar.Fetched,
			"processed", ar.Processed,
			"skipped", ar.Skipped,
			"errors", ar.Errors,
		)
	}
}
