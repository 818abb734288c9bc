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

package imapsource

import (
	"context"
	"strings"
	"testing"

	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

func testAccount(id, label string) models.Account {
	return models.Account{
		ID:     id,
		Label:  label,
		User:   label + "@example.com",
		Host:   "imap.example.com",
		Port:   993,
		TLS:    true,
		Active: true,
		Auth:   models.AuthPassword,
	}
}

func TestRegisterAccount_DuplicateID(t *testing.T) {
	s := NewSource(events.NewBus(4), 0)
	ctx := context.Background()

	if err := s.RegisterAccount(ctx, testAccount("a1", "alpha"), models.Secret{Password: "x"}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	err := s.RegisterAccount(ctx, testAccount("a1", "other"), models.Secret{Password: "y"})
	if err == nil {
		t.Fatal("duplicate account ID must be rejected")
	}
	if !strings.Contains(err.Error(), "a1") {
		t.Errorf("error should name the account ID: %v", err)
	}
	if got := len(s.ListAccounts()); got != 1 {
		t.Errorf("registry holds %d accounts, want 1", got)
	}
}

func TestListAccounts_SortedByLabel(t *testing.T) {
	s := NewSource(events.NewBus(4), 0)
	ctx := context.Background()

	for _, label := range []string{"zeta", "alpha", "mid"} {
		if err := s.RegisterAccount(ctx, testAccount("id-"+label, label), models.Secret{Password: "x"}); err != nil {
			t.Fatalf("register %s: %v", label, err)
		}
	}

	accounts := s.ListAccounts()
	want := []string{"alpha", "mid", "zeta"}
	for i, label := range want {
		if accounts[i].Label != label {
			t.Errorf("accounts[%d].Label = %s, want %s", i, accounts[i].Label, label)
		}
	}
}

func TestConnectionStatus_Disconnected(t *testing.T) {
	s := NewSource(events.NewBus(4), 0)
	if err := s.RegisterAccount(context.Background(), testAccount("a1", "alpha"), models.Secret{Password: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	status := s.ConnectionStatus()
	if connected, ok := status["a1"]; !ok || connected {
		t.Errorf("status = %v, want a1 present and disconnected", status)
	}
}

func TestHealthProbe(t *testing.T) {
	s := NewSource(events.NewBus(4), 0)
	ctx := context.Background()

	if !s.HealthProbe(ctx) {
		t.Error("empty source should be healthy")
	}

	if err := s.RegisterAccount(ctx, testAccount("a1", "alpha"), models.Secret{Password: "x"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.HealthProbe(ctx) {
		t.Error("active but disconnected account should fail the probe")
	}

	s.mu.Lock()
	s.watchers["a1"].connected.Store(true)
	s.mu.Unlock()
	if !s.HealthProbe(ctx) {
		t.Error("all accounts connected should pass the probe")
	}

	inactive := testAccount("a2", "beta")
	inactive.Active = false
	if err := s.RegisterAccount(ctx, inactive, models.Secret{Password: "x"}); err != nil {
		t.Fatalf("register inactive: %v", err)
	}
	if !s.HealthProbe(ctx) {
		t.Error("inactive accounts must not affect the probe")
	}
}

func TestNormalizeMessageID(t *testing.T) {
	cases := map[string]string{
		"<abc@mail.example.com>": "abc@mail.example.com",
		"  <x@y>  ":              "x@y",
		"plain-id":               "plain-id",
		"":                       "",
	}
	for in, want := range cases {
		if got := normalizeMessageID(in); got != want {
			t.Errorf("normalizeMessageID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestStripHTML(t *testing.T) {
	in := "<html><body><p>Hello <b>there</b></p>\n<div>second   line</div></body></html>"
	got := stripHTML(in)
	want := "Hello there second line"
	if got != want {
		t.Errorf("stripHTML = %q, want %q", got, want)
	}
}

func TestParseBody_PlainFallback(t *testing.T) {
	raw := []byte("not a mime message at all")
	body, hasAttachments := parseBody(raw)
	if body != string(raw) {
		t.Errorf("body = %q", body)
	}
	if hasAttachments {
		t.Error("raw fallback should report no attachments")
	}
}

func TestParseBody_MultipartPlain(t *testing.T) {
	raw := []byte("MIME-Version: 1.0\r\n" +
		"From: dana@example.com\r\n" +
		"Subject: hi\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain body here\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html body here</p>\r\n" +
		"--BOUNDARY--\r\n")

	body, hasAttachments := parseBody(raw)
	if !strings.Contains(body, "plain body here") {
		t.Errorf("body = %q, want the text/plain part", body)
	}
	if strings.Contains(body, "html") {
		t.Errorf("text/plain must win over text/html, got %q", body)
	}
	if hasAttachments {
		t.Error("no attachments expected")
	}
}
