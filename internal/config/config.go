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

// Package config loads configuration from config.yaml and environment variables.
//
// Mail accounts come from indexed environment tuples
// (ACCOUNT1_USER, ACCOUNT1_PASS, ACCOUNT1_HOST, ...); everything else comes
// from config.yaml (with ${VAR} expansion) or plain environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AccountConfig holds the raw settings for a single mail account as read
// from the environment. Defaulting and validation happen in the provisioner.
type AccountConfig struct {
	User     string
	Password string
	Host     string
	Port     int
	Label    string

	// OAuth fields; when RefreshToken is set the account authenticates
	// via OAUTHBEARER instead of a password.
	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// AIConfig holds the categorizer/embedding service settings.
type AIConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	EmbedModel string        `yaml:"embed_model"`
	Timeout    time.Duration `yaml:"timeout"`
	Retries    int           `yaml:"retries"`
}

// Config holds all configuration for the onebox service.
type Config struct {
	Accounts          []AccountConfig
	ExcludedProviders []string

	// Postgres (search index)
	DatabaseURL string

	// Redis (dedup + completed-events queue + pipeline metrics)
	RedisURL       string
	CompletedQueue string
	DedupTTL       time.Duration

	// AI service
	AI AIConfig

	// Context store
	ContextDataDir string

	// Notification targets (either may be empty)
	SlackWebhookURL string
	WebhookURL      string

	// Chat subsystem (stats/health passthrough only)
	ChatServiceURL string

	// Tunables
	PollInterval        time.Duration
	PipelineConcurrency int
	ProbeTimeout        time.Duration
	BackfillLookback    time.Duration

	// HTTP API
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	ExcludedProviders []string `yaml:"excluded_providers"`
	Database          struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			Completed string `yaml:"completed"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	AI      AIConfig `yaml:"ai"`
	Context struct {
		DataDir string `yaml:"data_dir"`
	} `yaml:"context"`
	Notifications struct {
		SlackWebhookURL string `yaml:"slack_webhook_url"`
		WebhookURL      string `yaml:"webhook_url"`
	} `yaml:"notifications"`
	Chat struct {
		URL string `yaml:"url"`
	} `yaml:"chat"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A missing config file is not an error — every
// setting has an environment fallback.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case os.IsNotExist(err):
		// Env-only mode
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		Accounts:          loadAccountsFromEnv(),
		ExcludedProviders: raw.ExcludedProviders,

		DatabaseURL: firstNonEmpty(raw.Database.URL, envOrDefault("DATABASE_URL", "postgres://localhost:5432/onebox")),

		RedisURL:       firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		CompletedQueue: firstNonEmpty(raw.Redis.Queues.Completed, envOrDefault("COMPLETED_QUEUE", "onebox:completed")),
		DedupTTL:       envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),

		AI: AIConfig{
			BaseURL:    firstNonEmpty(raw.AI.BaseURL, envOrDefault("AI_BASE_URL", "http://localhost:11434/v1")),
			APIKey:     firstNonEmpty(raw.AI.APIKey, os.Getenv("AI_API_KEY")),
			Model:      firstNonEmpty(raw.AI.Model, envOrDefault("AI_MODEL", "llama3.1")),
			EmbedModel: firstNonEmpty(raw.AI.EmbedModel, envOrDefault("AI_EMBED_MODEL", "nomic-embed-text")),
			Timeout:    raw.AI.Timeout,
			Retries:    raw.AI.Retries,
		},

		ContextDataDir: firstNonEmpty(raw.Context.DataDir, envOrDefault("CONTEXT_DATA_DIR", "data")),

		SlackWebhookURL: firstNonEmpty(raw.Notifications.SlackWebhookURL, os.Getenv("SLACK_WEBHOOK_URL")),
		WebhookURL:      firstNonEmpty(raw.Notifications.WebhookURL, os.Getenv("WEBHOOK_URL")),

		ChatServiceURL: firstNonEmpty(raw.Chat.URL, os.Getenv("CHAT_SERVICE_URL")),

		PollInterval:        envOrDefaultDuration("POLL_INTERVAL", 60*time.Second),
		PipelineConcurrency: envOrDefaultInt("PIPELINE_CONCURRENCY", 8),
		ProbeTimeout:        envOrDefaultDuration("PROBE_TIMEOUT", 5*time.Second),
		BackfillLookback:    envOrDefaultDuration("BACKFILL_LOOKBACK", 720*time.Hour),

		Port: envOrDefaultInt("PORT", 8080),
	}

	if cfg.AI.Timeout == 0 {
		cfg.AI.Timeout = envOrDefaultDuration("AI_TIMEOUT", 30*time.Second)
	}
	if cfg.AI.Retries == 0 {
		cfg.AI.Retries = envOrDefaultInt("AI_RETRIES", 2)
	}

	if len(cfg.ExcludedProviders) == 0 {
		cfg.ExcludedProviders = splitNonEmpty(envOrDefault("EXCLUDED_PROVIDERS", "yahoo"))
	}

	return cfg, nil
}

// loadAccountsFromEnv reads indexed account tuples from the environment.
// Enumeration stops at the first index whose USER/PASS/HOST triple is
// incomplete. OAuth accounts substitute a refresh token for the password.
func loadAccountsFromEnv() []AccountConfig {
	var accounts []AccountConfig

	for i := 1; ; i++ {
		prefix := fmt.Sprintf("ACCOUNT%d_", i)

		user := os.Getenv(prefix + "USER")
		pass := os.Getenv(prefix + "PASS")
		host := os.Getenv(prefix + "HOST")
		refresh := os.Getenv(prefix + "REFRESH_TOKEN")

		if user == "" || host == "" || (pass == "" && refresh == "") {
			break
		}

		accounts = append(accounts, AccountConfig{
			User:         user,
			Password:     pass,
			Host:         host,
			Port:         envOrDefaultInt(prefix+"PORT", 0),
			Label:        os.Getenv(prefix + "LABEL"),
			ClientID:     os.Getenv(prefix + "CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "CLIENT_SECRET"),
			RefreshToken: refresh,
			TokenURL:     os.Getenv(prefix + "TOKEN_URL"),
		})
	}

	return accounts
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func splitNonEmpty(csv string) []string {
	var out []string
	for _, part := range strings.Split(csv, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
