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

// Package account provisions configured mail accounts into the ingestion
// source. Provisioning is log-and-continue: a denylisted host or a failed
// registration skips that one account and never aborts the batch, so a
// single malformed credential cannot block startup of an otherwise healthy
// multi-account service.
package account

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rishik-ashili/email-outbox-sub001/internal/config"
	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// Standard IMAP-over-TLS port, used when an account omits one.
const defaultIMAPPort = 993

// Registrar is the slice of the ingestion source the provisioner needs.
type Registrar interface {
	RegisterAccount(ctx context.Context, account models.Account, secret models.Secret) error
}

// Summary reports what a provisioning run did.
type Summary struct {
	Registered int
	Skipped    int
	Failed     int
}

// Provisioner filters configured accounts and registers them with the
// ingestion source.
type Provisioner struct {
	registrar         Registrar
	excludedProviders []string
}

// NewProvisioner creates a provisioner. excludedProviders are matched as
// case-insensitive substrings of the account host.
func NewProvisioner(registrar Registrar, excludedProviders []string) *Provisioner {
	return &Provisioner{
		registrar:         registrar,
		excludedProviders: excludedProviders,
	}
}

// Provision walks the configured accounts in order. Denylisted hosts are
// skipped with a logged reason; remaining accounts get defaults applied and
// are registered one by one. Registration failures are logged with the
// account label and do not prevent subsequent accounts from being attempted.
// Zero accounts surviving the filter is a warning, not an error.
func (p *Provisioner) Provision(ctx context.Context, accounts []config.AccountConfig) Summary {
	var sum Summary

	for _, ac := range accounts {
		if provider, excluded := p.excludedHost(ac.Host); excluded {
			slog.Info("skipping account on excluded provider",
				"host", ac.Host,
				"provider", provider,
				"user", ac.User,
			)
			sum.Skipped++
			continue
		}

		acct, secret := buildAccount(ac)

		if err := p.registrar.RegisterAccount(ctx, acct, secret); err != nil {
			slog.Error("failed to register account",
				"label", acct.Label,
				"host", acct.Host,
				"error", err,
			)
			sum.Failed++
			continue
		}

		slog.Info("account registered",
			"label", acct.Label,
			"host", acct.Host,
			"auth", acct.Auth,
		)
		sum.Registered++
	}

	if sum.Registered == 0 {
		slog.Warn("no accounts registered — service will run with no active mailboxes",
			"configured", len(accounts),
			"skipped", sum.Skipped,
			"failed", sum.Failed,
		)
	}

	return sum
}

// excludedHost reports whether host matches the provider denylist and which
// entry matched.
func (p *Provisioner) excludedHost(host string) (string, bool) {
	h := strings.ToLower(host)
	for _, provider := range p.excludedProviders {
		if provider != "" && strings.Contains(h, strings.ToLower(provider)) {
			return provider, true
		}
	}
	return "", false
}

// buildAccount applies defaults to a raw account config: generated ID,
// label defaulting to the user address, standard secure port, TLS forced
// on, marked active.
func buildAccount(ac config.AccountConfig) (models.Account, models.Secret) {
	acct := models.Account{
		ID:     uuid.New().String(),
		Label:  ac.Label,
		User:   ac.User,
		Host:   ac.Host,
		Port:   ac.Port,
		TLS:    true,
		Active: true,
		Auth:   models.AuthPassword,
	}

	if acct.Label == "" {
		acct.Label = ac.User
	}
	if acct.Port == 0 {
		acct.Port = defaultIMAPPort
	}
	if ac.RefreshToken != "" {
		acct.Auth = models.AuthOAuth
	}

	secret := models.Secret{
		Password:     ac.Password,
		ClientID:     ac.ClientID,
		ClientSecret: ac.ClientSecret,
		RefreshToken: ac.RefreshToken,
		TokenURL:     ac.TokenURL,
	}

	return acct, secret
}
