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

// Package chat is a thin client for the separately deployed chat service.
// Only its stats and health endpoints are consumed here, for aggregation
// into the combined pipeline statistics.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Stats mirrors the chat service's session counters.
type Stats struct {
	Sessions      int `json:"sessions"`
	TotalMessages int `json:"total_messages"`
}

// Client talks to the chat service over HTTP. A nil or unconfigured
// client reports zero stats and a healthy probe so the rest of the
// pipeline works without a chat deployment.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a chat client. An empty baseURL disables it.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Enabled reports whether a chat service is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.baseURL != ""
}

// Stats fetches the chat service's session counters. Disabled clients
// return zero values without error.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	if !c.Enabled() {
		return Stats{}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/stats", nil)
	if err != nil {
		return Stats{}, fmt.Errorf("build chat stats request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Stats{}, fmt.Errorf("fetch chat stats: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Stats{}, fmt.Errorf("chat stats returned HTTP %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Stats{}, fmt.Errorf("decode chat stats: %w", err)
	}
	return stats, nil
}

// HealthProbe reports whether the chat service answers its health
// endpoint. Disabled clients are trivially healthy.
func (c *Client) HealthProbe(ctx context.Context) bool {
	if !c.Enabled() {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
