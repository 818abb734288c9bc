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

// Onebox — Email Enrichment Service
//
// Entry point for the enrichment service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (search index) and Redis (dedup + queue)
//  3. Provisions the configured mail accounts onto the IMAP source
//  4. Runs the enrichment pipeline over incoming emails
//  5. Serves the query/control HTTP API with aggregated health
//  6. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/rishik-ashili/email-outbox-sub001/internal/account"
	"github.com/rishik-ashili/email-outbox-sub001/internal/api"
	"github.com/rishik-ashili/email-outbox-sub001/internal/categorize"
	"github.com/rishik-ashili/email-outbox-sub001/internal/chat"
	"github.com/rishik-ashili/email-outbox-sub001/internal/config"
	"github.com/rishik-ashili/email-outbox-sub001/internal/contextstore"
	"github.com/rishik-ashili/email-outbox-sub001/internal/dedup"
	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/health"
	"github.com/rishik-ashili/email-outbox-sub001/internal/imapsource"
	"github.com/rishik-ashili/email-outbox-sub001/internal/index"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
	"github.com/rishik-ashili/email-outbox-sub001/internal/pipeline"
	"github.com/rishik-ashili/email-outbox-sub001/internal/queue"
	"github.com/rishik-ashili/email-outbox-sub001/internal/stats"
)

const busBufferSize = 64

func main() {
	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting onebox enrichment service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"accounts", len(cfg.Accounts),
		"poll_interval", cfg.PollInterval,
		"pipeline_concurrency", cfg.PipelineConcurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

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

	// --- Notifier + Chat Client ---
	notifier := notify.NewNotifier(cfg.SlackWebhookURL, cfg.WebhookURL)
	chatClient := chat.NewClient(cfg.ChatServiceURL)

	// --- Event Bus + IMAP Source ---
	bus := events.NewBus(busBufferSize)
	source := imapsource.NewSource(bus, cfg.PollInterval)

	// --- Provision Accounts ---
	provisioner := account.NewProvisioner(source, cfg.ExcludedProviders)
	summary := provisioner.Provision(ctx, cfg.Accounts)
	slog.Info("account provisioning finished",
		"registered", summary.Registered,
		"skipped", summary.Skipped,
		"failed", summary.Failed,
	)

	// --- Pipeline Orchestrator ---
	orchestrator := pipeline.NewOrchestrator(bus, classifier, indexStore, notifier, pipeline.Options{
		ContextStore: contextStore,
		Completions:  publisher,
		Dedup:        filter,
		Concurrency:  cfg.PipelineConcurrency,
	})
	go orchestrator.Run(ctx)

	source.Start(ctx)

	// --- Health Aggregator ---
	healthAgg := health.NewAggregator()
	healthAgg.Register("postgres", indexStore.HealthProbe)
	healthAgg.Register("redis", func(ctx context.Context) bool { return publisher.Ping(ctx) == nil })
	healthAgg.Register("context_store", contextStore.HealthProbe)
	healthAgg.Register("categorizer", classifier.HealthProbe)
	healthAgg.Register("imap", source.HealthProbe)
	healthAgg.Register("notifier", notifier.HealthProbe)
	healthAgg.Register("chat", chatClient.HealthProbe)

	// --- Stats Aggregator ---
	statsAgg := stats.NewAggregator(indexStore, contextStore, notifier, source, chatClient, publisher)

	// --- HTTP API ---
	apiServer := api.NewServer(healthAgg, statsAgg, indexStore, source, contextStore, notifier)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      apiServer,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel() // Stop the pipeline and watchers

		source.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("onebox service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("onebox service stopped")
}
