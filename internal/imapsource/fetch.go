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
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// fetchChunkSize bounds one FETCH round trip during historical runs.
const fetchChunkSize = 50

// FetchSince opens a one-shot session for the account, searches INBOX for
// mail received on or after since, and invokes emit for every parsed
// message. It returns how many messages were emitted. Used for historical
// backfill; live watching belongs to Source.
func FetchSince(ctx context.Context, account models.Account, secret models.Secret, since time.Time, emit func(*models.Email)) (int, error) {
	client, err := dial(ctx, account, secret, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return 0, fmt.Errorf("selecting INBOX: %w", err)
	}

	searchData, err := client.UIDSearch(&imap.SearchCriteria{Since: since}, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching since %s: %w", since.Format(time.DateOnly), err)
	}

	uids := searchData.AllUIDs()
	emitted := 0
	bodySection := &imap.FetchItemBodySection{Peek: true}

	for start := 0; start < len(uids); start += fetchChunkSize {
		if ctx.Err() != nil {
			return emitted, ctx.Err()
		}
		end := start + fetchChunkSize
		if end > len(uids) {
			end = len(uids)
		}

		fetchCmd := client.Fetch(imap.UIDSetNum(uids[start:end]...), &imap.FetchOptions{
			Envelope:    true,
			Flags:       true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{bodySection},
		})

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				slog.Warn("collecting message failed", "account", account.Label, "error", err)
				continue
			}
			emit(buildEmail(buf, bodySection, account.ID, "INBOX"))
			emitted++
		}

		if err := fetchCmd.Close(); err != nil {
			return emitted, fmt.Errorf("fetching chunk: %w", err)
		}
	}

	return emitted, nil
}
