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

// Package contextstore provides the long-term contextual store: derived
// records with embeddings in SQLite, searched by brute-force cosine
// similarity. Record IDs are derived from email IDs, so re-processing the
// same email overwrites its record instead of duplicating it.
package contextstore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// Embedder generates embedding vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store persists context records with embeddings in SQLite.
type Store struct {
	db       *sql.DB
	embedder Embedder

	// queryCache memoises query-text embeddings between lookups.
	mu         sync.Mutex
	queryCache map[string][]float32
}

// Open opens (or creates) the context database in dataDir and ensures the
// schema. Pass ":memory:" as dataDir for an in-memory database (tests).
func Open(dataDir string, embedder Embedder) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "context.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening context database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging context database: %w", err)
	}

	// Single connection avoids "database is locked" under concurrent writes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{
		db:         db,
		embedder:   embedder,
		queryCache: make(map[string][]float32),
	}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure context schema: %w", err)
	}

	slog.Info("context store initialised", "path", dsn)
	return s, nil
}

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS context_records (
			id         TEXT PRIMARY KEY,
			content    TEXT NOT NULL,
			type       TEXT NOT NULL,
			priority   TEXT NOT NULL,
			tags       TEXT DEFAULT '[]',
			embedding  BLOB,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_context_type ON context_records(type);
	`)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BuildRecord derives the context record for a categorized email: ID
// `email-<emailID>`, a fixed subject/sender/body concatenation, priority
// "high" for Interested emails and "medium" otherwise, and tags carrying
// the category and owning account.
func BuildRecord(email *models.Email, category string) models.ContextRecord {
	now := time.Now().UTC()

	priority := models.PriorityMedium
	if category == models.CategoryInterested {
		priority = models.PriorityHigh
	}

	content := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s",
		email.Subject, email.Sender(), email.Body)

	return models.ContextRecord{
		ID:        "email-" + email.ID,
		Content:   content,
		Type:      models.ContextTypeEmail,
		Priority:  priority,
		Tags:      []string{category, email.AccountID},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// StoreContext writes a context record, embedding its content. Records are
// upserted by ID, so storing the same email twice updates in place. An
// embedding failure degrades to storing the record without a vector — it
// will not be retrievable by similarity but is preserved.
func (s *Store) StoreContext(ctx context.Context, rec models.ContextRecord) error {
	var blob []byte
	vec, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		slog.Warn("embedding failed, storing context without vector",
			"record_id", rec.ID,
			"error", err,
		)
	} else {
		blob = encodeFloat32s(vec)
	}

	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags for %s: %w", rec.ID, err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO context_records (id, content, type, priority, tags, embedding, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content    = excluded.content,
			priority   = excluded.priority,
			tags       = excluded.tags,
			embedding  = excluded.embedding,
			updated_at = excluded.updated_at
	`, rec.ID, rec.Content, rec.Type, rec.Priority, string(tags), blob,
		createdAt.Format(time.RFC3339), updatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store context %s: %w", rec.ID, err)
	}

	return nil
}

// AddContext stores free-form context (not derived from an email) and
// returns the generated record ID.
func (s *Store) AddContext(ctx context.Context, content, recordType, priority string, tags []string) (string, error) {
	rec := models.ContextRecord{
		ID:        uuid.New().String(),
		Content:   content,
		Type:      recordType,
		Priority:  priority,
		Tags:      tags,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.StoreContext(ctx, rec); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// GetRelevantContexts returns the topK records most similar to the email's
// subject and body. Query embeddings are cached until ClearCache.
func (s *Store) GetRelevantContexts(ctx context.Context, email *models.Email, topK int) ([]models.ContextRecord, error) {
	if topK <= 0 {
		topK = 5
	}

	query := strings.TrimSpace(email.Subject + "\n" + email.Body)
	if query == "" {
		return nil, nil
	}

	vec, err := s.queryEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed context query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, type, priority, tags, embedding, created_at, updated_at
		FROM context_records
		WHERE embedding IS NOT NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("query context records: %w", err)
	}
	defer rows.Close()

	type scored struct {
		rec   models.ContextRecord
		score float64
	}
	var candidates []scored

	for rows.Next() {
		rec, blob, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		stored, err := decodeFloat32s(blob)
		if err != nil {
			slog.Warn("skipping context record with corrupt embedding", "record_id", rec.ID)
			continue
		}
		score := cosine(vec, stored)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, scored{rec: rec, score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate context records: %w", err)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	result := make([]models.ContextRecord, 0, len(candidates))
	for _, c := range candidates {
		result = append(result, c.rec)
	}
	return result, nil
}

// queryEmbedding returns a cached embedding for query text, embedding and
// caching it on miss.
func (s *Store) queryEmbedding(ctx context.Context, query string) ([]float32, error) {
	s.mu.Lock()
	cached, ok := s.queryCache[query]
	s.mu.Unlock()
	if ok {
		return cached, nil
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.queryCache[query] = vec
	s.mu.Unlock()
	return vec, nil
}

// ClearCache drops the in-memory query-embedding cache.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.queryCache = make(map[string][]float32)
	s.mu.Unlock()
}

// Stats summarises the context store contents.
type Stats struct {
	Total  int            `json:"total"`
	ByType map[string]int `json:"by_type"`
}

// Stats returns total and per-type record counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByType: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM context_records`).Scan(&stats.Total); err != nil {
		return nil, fmt.Errorf("count context records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM context_records GROUP BY type`)
	if err != nil {
		return nil, fmt.Errorf("type breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var recordType string
		var count int
		if err := rows.Scan(&recordType, &count); err != nil {
			return nil, fmt.Errorf("scan type row: %w", err)
		}
		stats.ByType[recordType] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate type rows: %w", err)
	}

	return stats, nil
}

// HealthProbe returns true if the database answers a ping within 2 seconds.
func (s *Store) HealthProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

func scanRecord(rows *sql.Rows) (models.ContextRecord, []byte, error) {
	var rec models.ContextRecord
	var tagsJSON string
	var blob []byte
	var createdAt, updatedAt string

	if err := rows.Scan(&rec.ID, &rec.Content, &rec.Type, &rec.Priority,
		&tagsJSON, &blob, &createdAt, &updatedAt); err != nil {
		return rec, nil, fmt.Errorf("scan context record: %w", err)
	}

	if err := json.Unmarshal([]byte(tagsJSON), &rec.Tags); err != nil {
		rec.Tags = nil
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)

	return rec, blob, nil
}

// encodeFloat32s packs a vector into a little-endian byte blob.
func encodeFloat32s(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s unpacks a little-endian byte blob into a vector.
func decodeFloat32s(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// cosine returns the cosine similarity of two vectors, 0 when either has
// zero magnitude or lengths differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
