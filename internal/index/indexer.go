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

// Package index provides the Postgres-backed full-text search index for
// processed emails. Indexing is idempotent by email ID: re-submitting an
// already-indexed email is a no-op, not an error.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// Store indexes emails in Postgres and serves full-text search queries.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an email index backed by the given Postgres pool.
// It ensures the emails table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure email index schema: %w", err)
	}
	slog.Info("email index initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS emails (
			id              TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			folder          TEXT DEFAULT 'INBOX',
			subject         TEXT DEFAULT '',
			body            TEXT DEFAULT '',
			sender          TEXT DEFAULT '',
			sender_name     TEXT DEFAULT '',
			received_at     TIMESTAMPTZ NOT NULL,
			has_attachments BOOLEAN DEFAULT FALSE,
			category        TEXT DEFAULT '',
			indexed_at      TIMESTAMPTZ DEFAULT NOW(),
			search          TSVECTOR GENERATED ALWAYS AS (
				to_tsvector('english',
					coalesce(subject, '') || ' ' ||
					coalesce(sender, '') || ' ' ||
					coalesce(body, ''))
			) STORED
		);
		CREATE INDEX IF NOT EXISTS idx_emails_search ON emails USING GIN(search);
		CREATE INDEX IF NOT EXISTS idx_emails_account ON emails(account_id);
		CREATE INDEX IF NOT EXISTS idx_emails_category ON emails(category);
		CREATE INDEX IF NOT EXISTS idx_emails_received ON emails(received_at DESC);
	`)
	return err
}

// IndexEmail inserts an email into the index, including whatever category is
// set on it. Returns true if the email was newly indexed, false if an email
// with the same ID was already present (duplicate submission is a no-op).
func (s *Store) IndexEmail(ctx context.Context, email *models.Email) (bool, error) {
	var sender, senderName string
	if len(email.From) > 0 {
		sender = email.From[0].Address
		senderName = email.From[0].Name
	}

	folder := email.Folder
	if folder == "" {
		folder = "INBOX"
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO emails
			(id, account_id, folder, subject, body, sender, sender_name,
			 received_at, has_attachments, category)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`, email.ID, email.AccountID, folder, email.Subject, email.Body,
		sender, senderName, email.ReceivedAt, email.HasAttachments, email.Category)
	if err != nil {
		return false, fmt.Errorf("index email %s: %w", email.ID, err)
	}

	return tag.RowsAffected() == 1, nil
}

// UpdateCategory re-applies a category to an already-indexed email.
func (s *Store) UpdateCategory(ctx context.Context, emailID, category string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE emails SET category = $2 WHERE id = $1
	`, emailID, category)
	if err != nil {
		return fmt.Errorf("update category for %s: %w", emailID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("email %s not found in index", emailID)
	}
	return nil
}

// GetByID retrieves a single indexed email, or nil if it is not indexed.
func (s *Store) GetByID(ctx context.Context, emailID string) (*models.Email, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, account_id, folder, subject, body, sender, sender_name,
		       received_at, has_attachments, category
		FROM emails
		WHERE id = $1
	`, emailID)
	return scanEmail(row)
}

// SearchQuery describes a paged full-text search.
type SearchQuery struct {
	Text      string
	AccountID string
	Category  string
	Folder    string
	Page      int
	PageSize  int
}

// SearchResult is one page of matching emails.
type SearchResult struct {
	Emails   []models.Email `json:"emails"`
	Total    int            `json:"total"`
	Page     int            `json:"page"`
	PageSize int            `json:"page_size"`
	HasMore  bool           `json:"has_more"`
}

// Search runs a paged full-text query with optional account/category/folder
// filters. An empty Text matches everything (newest first).
func (s *Store) Search(ctx context.Context, q SearchQuery) (*SearchResult, error) {
	q = normalizeQuery(q)

	where, args := buildFilters(q)

	var total int
	countSQL := "SELECT COUNT(*) FROM emails" + where
	if err := s.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count search results: %w", err)
	}

	offset := (q.Page - 1) * q.PageSize
	pageSQL := fmt.Sprintf(`
		SELECT id, account_id, folder, subject, body, sender, sender_name,
		       received_at, has_attachments, category
		FROM emails%s
		ORDER BY received_at DESC
		LIMIT %d OFFSET %d
	`, where, q.PageSize, offset)

	rows, err := s.pool.Query(ctx, pageSQL, args...)
	if err != nil {
		return nil, fmt.Errorf("search emails: %w", err)
	}
	defer rows.Close()

	result := &SearchResult{
		Emails:   []models.Email{},
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
	}

	for rows.Next() {
		email, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		result.Emails = append(result.Emails, *email)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}

	result.HasMore = offset+len(result.Emails) < total
	return result, nil
}

// Stats summarises the index contents.
type Stats struct {
	Total      int            `json:"total"`
	ByCategory map[string]int `json:"by_category"`
	ByAccount  map[string]int `json:"by_account"`
}

// Stats returns total and per-category/per-account email counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory: make(map[string]int),
		ByAccount:  make(map[string]int),
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM emails`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT category, COUNT(*) FROM emails GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("category breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var category string
		var count int
		if err := rows.Scan(&category, &count); err != nil {
			return nil, fmt.Errorf("scan category row: %w", err)
		}
		stats.ByCategory[category] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate category rows: %w", err)
	}

	accountRows, err := s.pool.Query(ctx, `SELECT account_id, COUNT(*) FROM emails GROUP BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("account breakdown: %w", err)
	}
	defer accountRows.Close()
	for accountRows.Next() {
		var accountID string
		var count int
		if err := accountRows.Scan(&accountID, &count); err != nil {
			return nil, fmt.Errorf("scan account row: %w", err)
		}
		stats.ByAccount[accountID] = count
	}
	if err := accountRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate account rows: %w", err)
	}

	return stats, nil
}

// HealthProbe returns true if Postgres responds to a ping within 2 seconds.
func (s *Store) HealthProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx) == nil
}

// normalizeQuery applies paging defaults and bounds.
func normalizeQuery(q SearchQuery) SearchQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 20
	}
	if q.PageSize > 100 {
		q.PageSize = 100
	}
	q.Text = strings.TrimSpace(q.Text)
	return q
}

// buildFilters renders the WHERE clause and positional args for a query.
func buildFilters(q SearchQuery) (string, []any) {
	var clauses []string
	var args []any

	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if q.Text != "" {
		add("search @@ plainto_tsquery('english', $%d)", q.Text)
	}
	if q.AccountID != "" {
		add("account_id = $%d", q.AccountID)
	}
	if q.Category != "" {
		add("category = $%d", q.Category)
	}
	if q.Folder != "" {
		add("folder = $%d", q.Folder)
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// rowScanner lets scanEmail work for both QueryRow and Query results.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (*models.Email, error) {
	var e models.Email
	var sender, senderName string

	err := row.Scan(&e.ID, &e.AccountID, &e.Folder, &e.Subject, &e.Body,
		&sender, &senderName, &e.ReceivedAt, &e.HasAttachments, &e.Category)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}

	if sender != "" {
		e.From = []models.EmailAddress{{Address: sender, Name: senderName}}
	}
	return &e, nil
}
