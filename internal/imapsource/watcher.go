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
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"
	"golang.org/x/oauth2"

	"github.com/rishik-ashili/email-outbox-sub001/internal/events"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

const (
	initialBackoff = time.Second
	maxBackoff     = time.Minute

	// Servers are allowed to drop IDLE connections after 30 minutes;
	// re-issuing the command well before that keeps the session alive.
	idleRenewInterval = 20 * time.Minute
)

// watcher maintains one account's IMAP session: connect, authenticate,
// watch INBOX for new mail, and reconnect with backoff on any failure.
type watcher struct {
	account      models.Account
	secret       models.Secret
	bus          *events.Bus
	pollInterval time.Duration

	connected atomic.Bool
	wake      chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc
}

func newWatcher(account models.Account, secret models.Secret, bus *events.Bus, pollInterval time.Duration) *watcher {
	return &watcher{
		account:      account,
		secret:       secret,
		bus:          bus,
		pollInterval: pollInterval,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (w *watcher) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

func (w *watcher) stop() {
	if w.cancel != nil {
		w.cancel()
		<-w.done
	}
}

// run is the reconnect loop. Each session runs until an error or shutdown;
// errors cost one backoff step, a successful session resets the backoff.
func (w *watcher) run(ctx context.Context) {
	defer close(w.done)

	log := slog.With("account", w.account.Label, "account_id", w.account.ID)
	backoff := initialBackoff
	everConnected := false

	for {
		err := w.session(ctx, log, everConnected)
		wasConnected := w.connected.Swap(false)
		if ctx.Err() != nil {
			return
		}

		if wasConnected {
			everConnected = true
			backoff = initialBackoff
			w.bus.PublishConnectionLost(events.ConnectionLost{
				AccountID: w.account.ID,
				Reason:    err.Error(),
			})
		}
		log.Warn("IMAP session ended, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// session dials, authenticates and watches INBOX until something breaks.
func (w *watcher) session(ctx context.Context, log *slog.Logger, reconnecting bool) error {
	client, err := w.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	selectData, err := client.Select("INBOX", nil).Wait()
	if err != nil {
		return fmt.Errorf("selecting INBOX: %w", err)
	}

	w.connected.Store(true)
	if reconnecting {
		w.bus.PublishConnectionRestored(events.ConnectionRestored{AccountID: w.account.ID})
	}
	log.Info("IMAP session established", "uid_next", uint32(selectData.UIDNext))

	// Only mail arriving after this session starts is watched here;
	// historical mail is the backfill command's job.
	nextUID := selectData.UIDNext

	for {
		if err := w.idle(ctx, client); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		maxSeen, err := w.fetchFrom(client, nextUID)
		if err != nil {
			return err
		}
		if maxSeen >= nextUID {
			nextUID = maxSeen + 1
		}
	}
}

// connect dials the server and authenticates, wiring unilateral mailbox
// updates to the watcher's wake channel.
func (w *watcher) connect(ctx context.Context) (*imapclient.Client, error) {
	opts := &imapclient.Options{
		UnilateralDataHandler: &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					select {
					case w.wake <- struct{}{}:
					default:
					}
				}
			},
		},
	}
	return dial(ctx, w.account, w.secret, opts)
}

// dial opens an authenticated IMAP session for the account.
func dial(ctx context.Context, account models.Account, secret models.Secret, opts *imapclient.Options) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", account.Host, account.Port)
	client, err := imapclient.DialTLS(addr, opts)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	switch account.Auth {
	case models.AuthOAuth:
		saslClient, err := oauthSASL(ctx, account, secret)
		if err != nil {
			client.Close()
			return nil, err
		}
		if err := client.Authenticate(saslClient); err != nil {
			client.Close()
			return nil, fmt.Errorf("OAUTHBEARER auth for %s: %w", account.User, err)
		}
	default:
		if err := client.Login(account.User, secret.Password).Wait(); err != nil {
			client.Close()
			return nil, fmt.Errorf("login for %s: %w", account.User, err)
		}
	}

	return client, nil
}

// oauthSASL mints a fresh access token from the refresh token and wraps
// it in an OAUTHBEARER SASL client.
func oauthSASL(ctx context.Context, account models.Account, secret models.Secret) (sasl.Client, error) {
	conf := &oauth2.Config{
		ClientID:     secret.ClientID,
		ClientSecret: secret.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: secret.TokenURL},
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: secret.RefreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("refreshing OAuth token for %s: %w", account.User, err)
	}

	return sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
		Username: account.User,
		Token:    token.AccessToken,
		Host:     account.Host,
		Port:     account.Port,
	}), nil
}

// idle parks the session in IDLE until the server reports new mail, the
// poll-interval fallback fires, or the session needs renewing.
func (w *watcher) idle(ctx context.Context, client *imapclient.Client) error {
	idleCmd, err := client.Idle()
	if err != nil {
		return fmt.Errorf("entering IDLE: %w", err)
	}

	poll := time.NewTimer(w.pollInterval)
	renew := time.NewTimer(idleRenewInterval)
	defer poll.Stop()
	defer renew.Stop()

	select {
	case <-w.wake:
	case <-poll.C:
	case <-renew.C:
	case <-ctx.Done():
		idleCmd.Close()
		idleCmd.Wait()
		return ctx.Err()
	}

	if err := idleCmd.Close(); err != nil {
		return fmt.Errorf("leaving IDLE: %w", err)
	}
	return idleCmd.Wait()
}

// fetchFrom retrieves every message with UID >= from, publishes them on
// the bus, and returns the highest UID seen (0 when nothing matched).
func (w *watcher) fetchFrom(client *imapclient.Client, from imap.UID) (imap.UID, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: from, Stop: 0}}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching new mail: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, nil
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	var maxSeen imap.UID
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			slog.Warn("collecting message failed", "account", w.account.Label, "error", err)
			continue
		}
		if buf.UID > maxSeen {
			maxSeen = buf.UID
		}
		email := buildEmail(buf, bodySection, w.account.ID, "INBOX")
		w.bus.PublishEmail(events.EmailReceived{Email: email})
	}

	if err := fetchCmd.Close(); err != nil {
		return maxSeen, fmt.Errorf("fetching new mail: %w", err)
	}
	return maxSeen, nil
}
