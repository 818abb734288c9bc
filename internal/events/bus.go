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

// Package events provides typed, channel-based signaling between the
// ingestion source, the pipeline orchestrator, and downstream listeners.
// Each event kind has its own payload type and its own set of per-subscriber
// buffered channels, so a slow subscriber never blocks publishers or other
// subscribers — late events are dropped and counted instead.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// EmailReceived is emitted by the ingestion source for each inbound email.
type EmailReceived struct {
	Email *models.Email
}

// ConnectionLost is emitted when an account's IMAP connection drops.
type ConnectionLost struct {
	AccountID string
	Reason    string
}

// ConnectionRestored is emitted when an account's IMAP connection recovers.
type ConnectionRestored struct {
	AccountID string
}

// CategorizationCompleted is emitted by the orchestrator when an email
// reaches its terminal processed state.
type CategorizationCompleted struct {
	EmailID   string
	AccountID string
	Category  string
	Elapsed   time.Duration
	At        time.Time
}

// Bus fans events out to subscribers. Zero value is not usable; use NewBus.
type Bus struct {
	mu         sync.RWMutex
	emailSubs  []chan EmailReceived
	lostSubs   []chan ConnectionLost
	restored   []chan ConnectionRestored
	completed  []chan CategorizationCompleted
	bufferSize int

	dropped atomic.Int64
}

// NewBus creates a bus whose subscriber channels buffer up to bufferSize
// events (minimum 1).
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Bus{bufferSize: bufferSize}
}

// SubscribeEmails returns a channel receiving every future EmailReceived event.
func (b *Bus) SubscribeEmails() <-chan EmailReceived {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan EmailReceived, b.bufferSize)
	b.emailSubs = append(b.emailSubs, ch)
	return ch
}

// SubscribeConnectionLost returns a channel receiving ConnectionLost events.
func (b *Bus) SubscribeConnectionLost() <-chan ConnectionLost {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ConnectionLost, b.bufferSize)
	b.lostSubs = append(b.lostSubs, ch)
	return ch
}

// SubscribeConnectionRestored returns a channel receiving ConnectionRestored events.
func (b *Bus) SubscribeConnectionRestored() <-chan ConnectionRestored {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan ConnectionRestored, b.bufferSize)
	b.restored = append(b.restored, ch)
	return ch
}

// SubscribeCompleted returns a channel receiving CategorizationCompleted events.
func (b *Bus) SubscribeCompleted() <-chan CategorizationCompleted {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan CategorizationCompleted, b.bufferSize)
	b.completed = append(b.completed, ch)
	return ch
}

// PublishEmail delivers an EmailReceived event to all subscribers.
func (b *Bus) PublishEmail(ev EmailReceived) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.emailSubs {
		send(b, ch, ev, "email_received")
	}
}

// PublishConnectionLost delivers a ConnectionLost event to all subscribers.
func (b *Bus) PublishConnectionLost(ev ConnectionLost) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.lostSubs {
		send(b, ch, ev, "connection_lost")
	}
}

// PublishConnectionRestored delivers a ConnectionRestored event to all subscribers.
func (b *Bus) PublishConnectionRestored(ev ConnectionRestored) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.restored {
		send(b, ch, ev, "connection_restored")
	}
}

// PublishCompleted delivers a CategorizationCompleted event to all subscribers.
func (b *Bus) PublishCompleted(ev CategorizationCompleted) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.completed {
		send(b, ch, ev, "categorization_completed")
	}
}

// Dropped reports how many events were discarded because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

func send[T any](b *Bus, ch chan T, ev T, kind string) {
	select {
	case ch <- ev:
	default:
		b.dropped.Add(1)
		slog.Warn("event dropped, subscriber buffer full", "kind", kind)
	}
}
