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

// Package api exposes the query/control HTTP surface: health, stats,
// account listing, email search and manual context entry. Authentication
// and rate limiting are deliberately absent; deploy behind a trusted
// boundary.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rishik-ashili/email-outbox-sub001/internal/health"
	"github.com/rishik-ashili/email-outbox-sub001/internal/index"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
	"github.com/rishik-ashili/email-outbox-sub001/internal/notify"
	"github.com/rishik-ashili/email-outbox-sub001/internal/stats"
)

// EmailReader answers search and lookup queries against the index.
type EmailReader interface {
	Search(ctx context.Context, q index.SearchQuery) (*index.SearchResult, error)
	GetByID(ctx context.Context, emailID string) (*models.Email, error)
}

// AccountLister reports the registered accounts.
type AccountLister interface {
	ListAccounts() []models.Account
}

// ContextWriter accepts manually added context records.
type ContextWriter interface {
	AddContext(ctx context.Context, content, recordType, priority string, tags []string) (string, error)
}

// TestNotifier fires a test notification at the configured targets.
type TestNotifier interface {
	SendTest(ctx context.Context) []notify.Result
}

// StatsProvider produces the composite statistics snapshot.
type StatsProvider interface {
	Snapshot(ctx context.Context) (*stats.Snapshot, error)
}

// Server is the HTTP API.
type Server struct {
	health   *health.Aggregator
	stats    StatsProvider
	emails   EmailReader
	accounts AccountLister
	contexts ContextWriter
	notifier TestNotifier
	router   chi.Router
}

// NewServer builds the router over the given collaborators.
func NewServer(healthAgg *health.Aggregator, statsAgg StatsProvider, emails EmailReader, accounts AccountLister, contexts ContextWriter, notifier TestNotifier) *Server {
	s := &Server{
		health:   healthAgg,
		stats:    statsAgg,
		emails:   emails,
		accounts: accounts,
		contexts: contexts,
		notifier: notifier,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/accounts", s.handleAccounts)
		r.Get("/emails/search", s.handleSearch)
		r.Get("/emails/{id}", s.handleGetEmail)
		r.Post("/notifications/test", s.handleTestNotification)
		r.Post("/context", s.handleAddContext)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.stats.Snapshot(r.Context())
	if err != nil {
		slog.Error("stats snapshot failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to gather statistics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": s.accounts.ListAccounts(),
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := index.SearchQuery{
		Text:      r.URL.Query().Get("q"),
		AccountID: r.URL.Query().Get("account"),
		Category:  r.URL.Query().Get("category"),
		Folder:    r.URL.Query().Get("folder"),
	}
	if page := r.URL.Query().Get("page"); page != "" {
		q.Page, _ = strconv.Atoi(page)
	}
	if size := r.URL.Query().Get("page_size"); size != "" {
		q.PageSize, _ = strconv.Atoi(size)
	}

	result, err := s.emails.Search(r.Context(), q)
	if err != nil {
		slog.Error("email search failed", "error", err)
		writeError(w, http.StatusInternalServerError, "search failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetEmail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	email, err := s.emails.GetByID(r.Context(), id)
	if err != nil {
		slog.Error("email lookup failed", "email_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if email == nil {
		writeError(w, http.StatusNotFound, "email not found")
		return
	}
	writeJSON(w, http.StatusOK, email)
}

func (s *Server) handleTestNotification(w http.ResponseWriter, r *http.Request) {
	results := s.notifier.SendTest(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// addContextRequest is the manual context entry payload.
type addContextRequest struct {
	Content  string   `json:"content"`
	Type     string   `json:"type"`
	Priority string   `json:"priority"`
	Tags     []string `json:"tags"`
}

func (s *Server) handleAddContext(w http.ResponseWriter, r *http.Request) {
	var req addContextRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Type == "" {
		req.Type = "note"
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}

	id, err := s.contexts.AddContext(r.Context(), req.Content, req.Type, req.Priority, req.Tags)
	if err != nil {
		slog.Error("context add failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store context")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding response failed", "error", err)
	}
}

// writeError emits the structured error payload used across the API.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error":     msg,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
