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

// Package categorize classifies emails into the fixed label set using an
// OpenAI-compatible chat-completions endpoint, and generates embeddings for
// the context store. Classification failures are expected (timeouts, quota)
// and are non-fatal to the caller — the pipeline falls back to the
// unclassified label.
package categorize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/config"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

const systemPrompt = `You are an email triage assistant for an outbound sales inbox.
Classify the email into exactly one of these labels:
Interested, Meeting Booked, Not Interested, Spam, Out of Office.
Reply with the label only, nothing else.`

// bodyLimit caps how much of the email body is sent to the model.
const bodyLimit = 4000

// Classifier calls the AI service to categorize emails and embed text.
type Classifier struct {
	baseURL    string
	apiKey     string
	model      string
	embedModel string
	retries    int
	httpClient *http.Client
}

// NewClassifier creates a classifier from the AI service config.
func NewClassifier(cfg config.AIConfig) *Classifier {
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Classifier{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		embedModel: cfg.EmbedModel,
		retries:    retries,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float32       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Categorize classifies an email and returns one of the known labels.
// Retries transient failures with a short backoff; an unrecognised model
// reply is an error so the caller applies its fallback.
func (c *Classifier) Categorize(ctx context.Context, email *models.Email) (string, error) {
	prompt := fmt.Sprintf("Subject: %s\nFrom: %s\n\n%s",
		email.Subject, email.Sender(), truncate(email.Body, bodyLimit))

	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		label, err := c.chat(ctx, prompt)
		if err != nil {
			lastErr = err
			slog.Warn("categorize attempt failed",
				"email_id", email.ID,
				"attempt", attempt+1,
				"error", err,
			)
			continue
		}

		normalized, ok := normalizeLabel(label)
		if !ok {
			lastErr = fmt.Errorf("model returned unknown label %q", label)
			continue
		}
		return normalized, nil
	}

	return "", fmt.Errorf("categorize email %s: %w", email.ID, lastErr)
}

// chat performs one chat-completions call and returns the raw reply text.
func (c *Classifier) chat(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("AI service returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("chat response contained no choices")
	}

	return parsed.Choices[0].Message.Content, nil
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for a single text.
func (c *Classifier) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.embedModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AI service returned HTTP %d for embeddings", resp.StatusCode)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embed response contained no data")
	}

	return parsed.Data[0].Embedding, nil
}

// HealthProbe returns true if the AI service answers its model listing
// endpoint within 2 seconds.
func (c *Classifier) HealthProbe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// normalizeLabel maps a model reply onto the known label set. The model is
// told to reply with the bare label, but replies like "Label: Interested."
// still resolve.
func normalizeLabel(reply string) (string, bool) {
	cleaned := strings.ToLower(strings.Trim(strings.TrimSpace(reply), `."'`))
	for _, label := range models.KnownCategories {
		if cleaned == strings.ToLower(label) {
			return label, true
		}
	}
	// Fall back to substring matching for chatty replies. Longer labels
	// are tried first so "Not Interested" is never shadowed by its
	// "Interested" suffix.
	byLength := make([]string, len(models.KnownCategories))
	copy(byLength, models.KnownCategories)
	sort.Slice(byLength, func(i, j int) bool { return len(byLength[i]) > len(byLength[j]) })

	for _, label := range byLength {
		if strings.Contains(cleaned, strings.ToLower(label)) {
			return label, true
		}
	}
	return "", false
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
