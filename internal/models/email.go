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

// Package models defines the data structures shared across the onebox service.
package models

import "time"

// Category labels assigned by the classifier. The label set is fixed; the
// classifier is instructed to pick exactly one of the five, and anything it
// returns outside the set is treated as a classification failure.
const (
	CategoryInterested    = "Interested"
	CategoryMeetingBooked = "Meeting Booked"
	CategoryNotInterested = "Not Interested"
	CategorySpam          = "Spam"
	CategoryOutOfOffice   = "Out of Office"

	// CategoryUncategorized is the fallback applied when classification
	// fails. It is deliberately low-priority: it never triggers
	// notifications and maps to the "medium" context tier.
	CategoryUncategorized = "Uncategorized"
)

// KnownCategories lists every label the classifier may assign.
var KnownCategories = []string{
	CategoryInterested,
	CategoryMeetingBooked,
	CategoryNotInterested,
	CategorySpam,
	CategoryOutOfOffice,
}

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Email is the unit of work flowing through the enrichment pipeline.
// Category starts empty and is written exactly once by the pipeline.
type Email struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	Folder         string         `json:"folder"`
	Subject        string         `json:"subject"`
	Body           string         `json:"body"`
	From           []EmailAddress `json:"from"`
	To             []EmailAddress `json:"to,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
	HasAttachments bool           `json:"has_attachments"`
	Category       string         `json:"category,omitempty"`
}

// Sender returns the first sender address, or "" if the email has none.
func (e *Email) Sender() string {
	if len(e.From) == 0 {
		return ""
	}
	return e.From[0].Address
}

// AuthMethod selects how an account authenticates with its IMAP server.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth    AuthMethod = "oauth"
)

// Account is a registered mail account. The orchestrator never mutates it;
// the ingestion source owns it after registration.
type Account struct {
	ID     string     `json:"id"`
	Label  string     `json:"label"`
	User   string     `json:"user"`
	Host   string     `json:"host"`
	Port   int        `json:"port"`
	TLS    bool       `json:"tls"`
	Active bool       `json:"active"`
	Auth   AuthMethod `json:"auth"`
}

// Secret carries an account's credential material. It is opaque to the
// pipeline — only the IMAP source interprets it. For AuthPassword accounts
// Password is set; for AuthOAuth accounts the OAuth fields are set and the
// source mints access tokens via the token endpoint.
type Secret struct {
	Password string

	ClientID     string
	ClientSecret string
	RefreshToken string
	TokenURL     string
}

// Context priority tiers. "high" is reserved for Interested emails.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
)

// ContextTypeEmail tags context records derived from pipeline emails.
const ContextTypeEmail = "email"

// ContextRecord is the derived artifact written to the context store for
// retrieval-augmented use.
type ContextRecord struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Priority  string    `json:"priority"`
	Tags      []string  `json:"tags"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PipelineOutcome is the per-email result bundle used for telemetry.
// It is not authoritative state.
type PipelineOutcome struct {
	EmailID       string        `json:"email_id"`
	AccountID     string        `json:"account_id"`
	Category      string        `json:"category"`
	Indexed       bool          `json:"indexed"`
	ContextStored bool          `json:"context_stored"`
	Notified      bool          `json:"notified"`
	Dropped       bool          `json:"dropped"`
	Elapsed       time.Duration `json:"elapsed"`
}

// CompletionEvent is emitted when an email reaches its terminal processed
// state. External consumers read it from the completed-events queue.
type CompletionEvent struct {
	EmailID   string    `json:"email_id"`
	AccountID string    `json:"account_id"`
	Category  string    `json:"category"`
	ElapsedMs int64     `json:"elapsed_ms"`
	At        time.Time `json:"at"`
}
