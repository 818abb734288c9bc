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

package events

import (
	"testing"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// TestBus_PerSubscriberDelivery verifies every subscriber receives its own
// copy of a published event.
func TestBus_PerSubscriberDelivery(t *testing.T) {
	bus := NewBus(4)

	a := bus.SubscribeEmails()
	b := bus.SubscribeEmails()

	bus.PublishEmail(EmailReceived{Email: &models.Email{ID: "e1"}})

	for name, ch := range map[string]<-chan EmailReceived{"a": a, "b": b} {
		select {
		case ev := <-ch:
			if ev.Email.ID != "e1" {
				t.Errorf("subscriber %s: email id = %q, want e1", name, ev.Email.ID)
			}
		default:
			t.Errorf("subscriber %s: no event delivered", name)
		}
	}
}

// TestBus_SlowSubscriberDoesNotBlock verifies that publishing to a full
// subscriber buffer drops the event instead of blocking, and that the drop
// is counted.
func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(1)
	slow := bus.SubscribeConnectionLost()

	bus.PublishConnectionLost(ConnectionLost{AccountID: "acct1"})
	// Buffer full — must not block.
	bus.PublishConnectionLost(ConnectionLost{AccountID: "acct2"})

	if got := bus.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}

	ev := <-slow
	if ev.AccountID != "acct1" {
		t.Errorf("delivered event = %q, want acct1", ev.AccountID)
	}
}

// TestBus_CompletedEvents verifies completion events round-trip with payload intact.
func TestBus_CompletedEvents(t *testing.T) {
	bus := NewBus(2)
	done := bus.SubscribeCompleted()

	bus.PublishCompleted(CategorizationCompleted{
		EmailID:   "e1",
		AccountID: "acct1",
		Category:  models.CategoryInterested,
	})

	ev := <-done
	if ev.EmailID != "e1" || ev.Category != models.CategoryInterested {
		t.Errorf("unexpected event: %+v", ev)
	}
}
