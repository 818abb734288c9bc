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

// Package notify fans interesting-email notifications out to the configured
// targets: a Slack incoming webhook and/or a generic external webhook.
// Delivery is best-effort; the caller logs and swallows failures.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// Target names used in results and stats.
const (
	TargetSlack   = "slack"
	TargetWebhook = "webhook"
)

// Result reports delivery to a single target.
type Result struct {
	Target string `json:"target"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
}

// Notifier posts notifications to the configured targets.
type Notifier struct {
	slackURL   string
	webhookURL string
	httpClient *http.Client

	sent   atomic.Int64
	failed atomic.Int64
}

// NewNotifier creates a notifier. Either URL may be empty, which disables
// that target; with both empty Notify is a no-op.
func NewNotifier(slackURL, webhookURL string) *Notifier {
	return &Notifier{
		slackURL:   slackURL,
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// webhookPayload is the JSON body sent to the external webhook target.
type webhookPayload struct {
	NotificationID string    `json:"notification_id"`
	EmailID        string    `json:"email_id"`
	AccountID      string    `json:"account_id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	Category       string    `json:"category"`
	ReceivedAt     time.Time `json:"received_at"`
	SentAt         time.Time `json:"sent_at"`
}

// Notify sends the email notification to every configured target and
// returns per-target results. An error is returned only when at least one
// configured target failed.
func (n *Notifier) Notify(ctx context.Context, email *models.Email, category string) ([]Result, error) {
	var results []Result
	var failures []string

	if n.slackURL != "" {
		res := n.post(ctx, TargetSlack, n.slackURL, slackBody(email, category))
		results = append(results, res)
		if !res.OK {
			failures = append(failures, fmt.Sprintf("%s: %s", res.Target, res.Error))
		}
	}

	if n.webhookURL != "" {
		body, err := json.Marshal(webhookPayload{
			NotificationID: uuid.New().String(),
			EmailID:        email.ID,
			AccountID:      email.AccountID,
			Subject:        email.Subject,
			From:           email.Sender(),
			Category:       category,
			ReceivedAt:     email.ReceivedAt,
			SentAt:         time.Now().UTC(),
		})
		if err != nil {
			return results, fmt.Errorf("marshal webhook payload: %w", err)
		}
		res := n.post(ctx, TargetWebhook, n.webhookURL, body)
		results = append(results, res)
		if !res.OK {
			failures = append(failures, fmt.Sprintf("%s: %s", res.Target, res.Error))
		}
	}

	if len(failures) > 0 {
		return results, fmt.Errorf("notification delivery failed: %s", strings.Join(failures, "; "))
	}
	return results, nil
}

// SendTest delivers a canned notification to every configured target.
func (n *Notifier) SendTest(ctx context.Context) []Result {
	email := &models.Email{
		ID:         "test-" + uuid.New().String(),
		Subject:    "Test notification",
		From:       []models.EmailAddress{{Address: "onebox@localhost"}},
		ReceivedAt: time.Now().UTC(),
	}
	results, _ := n.Notify(ctx, email, models.CategoryInterested)
	if results == nil {
		results = []Result{}
	}
	return results
}

// Stats holds cumulative notification counters.
type Stats struct {
	Sent   int64 `json:"sent"`
	Failed int64 `json:"failed"`
}

// Stats returns the cumulative sent/failed counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:   n.sent.Load(),
		Failed: n.failed.Load(),
	}
}

// HealthProbe returns true when every configured target answers an HTTP
// request. With no targets configured the notifier is trivially healthy.
func (n *Notifier) HealthProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for _, url := range []string{n.slackURL, n.webhookURL} {
		if url == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
		if err != nil {
			return false
		}
		resp, err := n.httpClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		// Webhook endpoints commonly reject HEAD/GET; any response at
		// all proves reachability.
	}
	return true
}

// post delivers one JSON body and updates the counters.
func (n *Notifier) post(ctx context.Context, target, url string, body []byte) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.failed.Add(1)
		return Result{Target: target, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.failed.Add(1)
		return Result{Target: target, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		n.failed.Add(1)
		return Result{
			Target: target,
			Error:  fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}

	n.sent.Add(1)
	return Result{Target: target, OK: true}
}

// slackBody renders the Slack incoming-webhook message.
func slackBody(email *models.Email, category string) []byte {
	text := fmt.Sprintf("*%s email received*\n*Subject:* %s\n*From:* %s\n*Account:* %s",
		category, email.Subject, email.Sender(), email.AccountID)
	body, _ := json.Marshal(map[string]string{"text": text})
	return body
}
