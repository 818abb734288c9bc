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

package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

func testEmail() *models.Email {
	return &models.Email{
		ID:         "msg-1",
		AccountID:  "acct-1",
		Subject:    "Re: demo request",
		From:       []models.EmailAddress{{Name: "Dana", Address: "dana@example.com"}},
		ReceivedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotify_BothTargets(t *testing.T) {
	var slackBody, webhookBody []byte

	slack := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slackBody, _ = io.ReadAll(r.Body)
	}))
	defer slack.Close()

	webhook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookBody, _ = io.ReadAll(r.Body)
	}))
	defer webhook.Close()

	n := NewNotifier(slack.URL, webhook.URL)
	results, err := n.Notify(context.Background(), testEmail(), models.CategoryInterested)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for _, res := range results {
		if !res.OK {
			t.Errorf("target %s failed: %s", res.Target, res.Error)
		}
	}

	if !strings.Contains(string(slackBody), "Re: demo request") {
		t.Errorf("slack body missing subject: %s", slackBody)
	}

	var payload map[string]any
	if err := json.Unmarshal(webhookBody, &payload); err != nil {
		t.Fatalf("webhook body not JSON: %v", err)
	}
	if payload["email_id"] != "msg-1" {
		t.Errorf("email_id = %v", payload["email_id"])
	}
	if payload["category"] != models.CategoryInterested {
		t.Errorf("category = %v", payload["category"])
	}

	stats := n.Stats()
	if stats.Sent != 2 || stats.Failed != 0 {
		t.Errorf("stats = %+v, want sent=2 failed=0", stats)
	}
}

func TestNotify_PartialFailure(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no_service", http.StatusNotFound)
	}))
	defer bad.Close()

	n := NewNotifier(ok.URL, bad.URL)
	results, err := n.Notify(context.Background(), testEmail(), models.CategoryInterested)
	if err == nil {
		t.Fatal("expected error for failed webhook target")
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if !results[0].OK {
		t.Errorf("slack target should have succeeded: %s", results[0].Error)
	}
	if results[1].OK {
		t.Error("webhook target should have failed")
	}
	if !strings.Contains(results[1].Error, "404") {
		t.Errorf("error should carry status code: %s", results[1].Error)
	}

	stats := n.Stats()
	if stats.Sent != 1 || stats.Failed != 1 {
		t.Errorf("stats = %+v, want sent=1 failed=1", stats)
	}
}

func TestNotify_NoTargets(t *testing.T) {
	n := NewNotifier("", "")
	results, err := n.Notify(context.Background(), testEmail(), models.CategoryInterested)
	if err != nil {
		t.Fatalf("Notify with no targets: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}

func TestSendTest(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "")
	results := n.SendTest(context.Background())
	if len(results) != 1 || !results[0].OK {
		t.Fatalf("SendTest results = %+v", results)
	}
	if !strings.Contains(string(got), "Test notification") {
		t.Errorf("test message body = %s", got)
	}
}

func TestHealthProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, "")
	if !n.HealthProbe(context.Background()) {
		t.Error("reachable target should probe healthy")
	}

	down := NewNotifier("http://127.0.0.1:1", "")
	if down.HealthProbe(context.Background()) {
		t.Error("unreachable target should probe unhealthy")
	}

	none := NewNotifier("", "")
	if !none.HealthProbe(context.Background()) {
		t.Error("no targets should probe healthy")
	}
}
