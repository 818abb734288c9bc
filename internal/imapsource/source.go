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

// Package imapsource ingests email over IMAP. It keeps one watcher
// goroutine per registered account and publishes received emails and
// connection transitions on the event bus.
package imapsource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

const defaultPollInterval = 2 * time.Minute

// Source is the account registry plus watcher lifecycle manager.
type Source struct {
	bus          *events.Bus
	pollInterval time.Duration

	mu       sync.Mutex
	watchers map[string]*watcher
	started  bool
	ctx      context.Context
}

// NewSource creates a source publishing onto bus. pollInterval bounds how
// stale an account can get when the server never pushes IDLE updates;
// zero selects the default.
func NewSource(bus *events.Bus, pollInterval time.Duration) *Source {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Source{
		bus:          bus,
		pollInterval: pollInterval,
		watchers:     make(map[string]*watcher),
	}
}

// RegisterAccount adds an account to the registry. Account IDs are
// unique; registering an ID twice fails. Inactive accounts are recorded
// but never watched. When the source is already running, the new
// account's watcher starts immediately.
func (s *Source) RegisterAccount(ctx context.Context, account models.Account, secret models.Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.watchers[account.ID]; exists {
		return fmt.Errorf("account %q already registered", account.ID)
	}

	w := newWatcher(account, secret, s.bus, s.pollInterval)
	s.watchers[account.ID] = w

	if s.started && account.Active {
		w.start(s.ctx)
	}
	slog.Info("account registered", "account", account.Label, "account_id", account.ID, "auth", string(account.Auth))
	return nil
}

// Start launches a watcher for every active registered account. The
// provided context governs all watcher lifetimes.
func (s *Source) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx

	for _, w := range s.watchers {
		if w.account.Active {
			w.start(ctx)
		}
	}
}

// Stop shuts every watcher down and waits for them to exit.
func (s *Source) Stop() {
	s.mu.Lock()
	watchers := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		if w.account.Active {
			watchers = append(watchers, w)
		}
	}
	s.started = false
	s.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
}

// ListAccounts returns every registered account sorted by label.
func (s *Source) ListAccounts() []models.Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts := make([]models.Account, 0, len(s.watchers))
	for _, w := range s.watchers {
		accounts = append(accounts, w.account)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Label < accounts[j].Label })
	return accounts
}

// ConnectionStatus reports per-account connection state keyed by account ID.
func (s *Source) ConnectionStatus() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := make(map[string]bool, len(s.watchers))
	for id, w := range s.watchers {
		status[id] = w.connected.Load()
	}
	return status
}

// HealthProbe reports true when every active account is connected. A
// source with no active accounts is vacuously healthy.
func (s *Source) HealthProbe(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		if w.account.Active && !w.connected.Load() {
			return false
		}
	}
	return true
}
