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
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/rishik-ashili/email-outbox-sub001/internal/models"
)

// buildEmail converts one fetched message into the pipeline's email model.
// The email ID is derived from the Message-ID header when present so that
// re-fetches of the same message dedup cleanly; otherwise it falls back to
// a stable account/UID pair.
func buildEmail(buf *imapclient.FetchMessageBuffer, bodySection *imap.FetchItemBodySection, accountID, folder string) *models.Email {
	email := &models.Email{
		AccountID: accountID,
		Folder:    folder,
	}

	if buf.Envelope != nil {
		email.ID = normalizeMessageID(buf.Envelope.MessageID)
		email.Subject = buf.Envelope.Subject
		email.ReceivedAt = buf.Envelope.Date
		for _, addr := range buf.Envelope.From {
			email.From = append(email.From, models.EmailAddress{
				Address: addr.Addr(),
				Name:    addr.Name,
			})
		}
		for _, addr := range buf.Envelope.To {
			email.To = append(email.To, models.EmailAddress{
				Address: addr.Addr(),
				Name:    addr.Name,
			})
		}
	}

	if email.ID == "" {
		email.ID = fmt.Sprintf("%s-uid-%d", accountID, buf.UID)
	}
	if email.ReceivedAt.IsZero() {
		email.ReceivedAt = time.Now().UTC()
	}

	if raw := buf.FindBodySection(bodySection); raw != nil {
		body, hasAttachments := parseBody(raw)
		email.Body = body
		email.HasAttachments = hasAttachments
	}

	return email
}

// normalizeMessageID strips the RFC 5322 angle brackets.
func normalizeMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// parseBody walks the MIME structure and returns the message text plus
// whether any attachments are present. text/plain wins over text/html;
// unparseable messages are passed through raw.
func parseBody(raw []byte) (body string, hasAttachments bool) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), false
	}
	defer mr.Close()

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain") && textBody == "":
				textBody = string(content)
			case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
				htmlBody = string(content)
			}

		case *mail.AttachmentHeader:
			hasAttachments = true
			// Drain so the reader can advance to the next part.
			_, _ = io.Copy(io.Discard, part.Body)
		}
	}

	if textBody != "" {
		return textBody, hasAttachments
	}
	if htmlBody != "" {
		return stripHTML(htmlBody), hasAttachments
	}
	return "", hasAttachments
}

// stripHTML reduces an HTML body to rough plain text for classification.
// It drops tags and collapses whitespace; fidelity beyond that is not
// needed downstream.
func stripHTML(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteRune(' ')
		case !inTag:
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
