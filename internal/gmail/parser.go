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

package gmail

import (
	"errors"
	"fmt"
	"strings"
	"time"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/mesadeayuda/ingestion/internal/address"
	"github.com/mesadeayuda/ingestion/internal/classify"
	"github.com/mesadeayuda/ingestion/internal/models"
)

const (
	mimeHTML  = "text/html"
	mimePlain = "text/plain"
)

// Headers is a Gmail header list with a linear, case-insensitive lookup
// where the first match wins.
type Headers []*gmailapi.MessagePartHeader

// Get returns the value of the first header named name, or "".
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if hdr != nil && strings.EqualFold(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// bodyAccumulator collects bodies and attachments during the part walk.
type bodyAccumulator struct {
	html   strings.Builder
	text   strings.Builder
	attach []models.AttachmentInfo
	inline []models.AttachmentInfo
}

// parseGmailMessage converts a full-format Gmail message into a ParsedEmail.
func parseGmailMessage(msg *gmailapi.Message, systemAddress string) (*models.ParsedEmail, error) {
	if msg == nil {
		return nil, &models.ParseError{Err: errors.New("empty message")}
	}
	if msg.Payload == nil {
		return nil, &models.ParseError{MessageID: msg.Id, Err: errors.New("message has no payload")}
	}

	headers := Headers(msg.Payload.Headers)

	acc := &bodyAccumulator{}
	if err := walkParts(msg.Payload, acc); err != nil {
		return nil, &models.ParseError{MessageID: msg.Id, Err: err}
	}

	from, to, cc := headers.Get("From"), headers.Get("To"), headers.Get("Cc")
	rawDate := headers.Get("Date")

	email := &models.ParsedEmail{
		MessageID:      msg.Id,
		ThreadID:       msg.ThreadId,
		From:           from,
		To:             to,
		Cc:             cc,
		FromRecipients: address.ParseRecipients(from),
		ToRecipients:   address.ParseRecipients(to),
		CcRecipients:   address.ParseRecipients(cc),
		Subject:        decodeSubject(headers.Get("Subject")),
		Date:           rawDate,
		ReceivedAt:     receivedAt(rawDate, msg.InternalDate),
		HTMLBody:       acc.html.String(),
		TextBody:       acc.text.String(),
		Attachments:    acc.attach,
		InlineImages:   acc.inline,
		Headers:        headers,
	}

	email.IsAutoReply = classify.IsAutoReply(headers)
	email.IsSystemNotification = classify.IsSystemNotification(headers, systemAddress)

	return email, nil
}

// walkParts visits the part tree depth-first in pre-order.
func walkParts(part *gmailapi.MessagePart, acc *bodyAccumulator) error {
	if part == nil {
		return nil
	}

	mimeType := strings.ToLower(strings.TrimSpace(part.MimeType))
	hasData := part.Body != nil && part.Body.Data != ""

	// Text parts that carry a filename are attachments, not body content.
	if part.Filename == "" && hasData && (mimeType == mimeHTML || mimeType == mimePlain) {
		decoded, err := DecodeBase64URL(part.Body.Data)
		if err != nil {
			return fmt.Errorf("decode %s part %s: %w", mimeType, part.PartId, err)
		}
		target := &acc.text
		if mimeType == mimeHTML {
			target = &acc.html
		}
		if target.Len() > 0 {
			target.WriteByte('\n')
		}
		target.Write(decoded)
	}

	if part.Filename != "" {
		info, inline, err := describeAttachment(part)
		if err != nil {
			return err
		}
		if inline {
			acc.inline = append(acc.inline, info)
		} else {
			acc.attach = append(acc.attach, info)
		}
	}

	for _, child := range part.Parts {
		if err := walkParts(child, acc); err != nil {
			return err
		}
	}
	return nil
}

// describeAttachment builds the descriptor for an attachment-shaped part and
// reports whether it is an inline image. An explicit "attachment"
// disposition always wins over a Content-ID.
func describeAttachment(part *gmailapi.MessagePart) (models.AttachmentInfo, bool, error) {
	headers := Headers(part.Headers)

	info := models.AttachmentInfo{
		Filename: part.Filename,
		MimeType: part.MimeType,
	}
	if part.Body != nil {
		info.AttachmentID = part.Body.AttachmentId
		info.Size = part.Body.Size
		if info.AttachmentID == "" && part.Body.Data != "" {
			data, err := DecodeBase64URL(part.Body.Data)
			if err != nil {
				return info, false, fmt.Errorf("decode attachment %q: %w", part.Filename, err)
			}
			info.Data = data
			if info.Size == 0 {
				info.Size = int64(len(data))
			}
		}
	}

	contentID := strings.Trim(strings.TrimSpace(headers.Get("Content-ID")), "<>")
	isImage := strings.HasPrefix(strings.ToLower(part.MimeType), "image/")

	if contentID != "" && isImage && dispositionOf(headers) != "attachment" {
		info.ContentID = contentID
		return info, true, nil
	}
	return info, false, nil
}

// dispositionOf returns the lower-cased Content-Disposition type, or "".
func dispositionOf(headers Headers) string {
	raw := headers.Get("Content-Disposition")
	if raw == "" {
		return ""
	}

	var h gomessage.Header
	h.Set("Content-Disposition", raw)
	disp, _, err := h.ContentDisposition()
	if err != nil {
		// Malformed parameters still leave a usable leading token.
		disp, _, _ = strings.Cut(raw, ";")
	}
	return strings.ToLower(strings.TrimSpace(disp))
}

// decodeSubject decodes RFC 2047 encoded-words, keeping the raw value on error.
func decodeSubject(raw string) string {
	if raw == "" {
		return ""
	}
	var h gomail.Header
	h.Set("Subject", raw)
	subject, err := h.Subject()
	if err != nil {
		return raw
	}
	return subject
}

// receivedAt parses the Date header, falling back to Gmail's internal date
// (milliseconds since epoch).
func receivedAt(rawDate string, internalDate int64) time.Time {
	if rawDate != "" {
		var h gomail.Header
		h.Set("Date", rawDate)
		if t, err := h.Date(); err == nil {
			return t.UTC()
		}
	}
	if internalDate > 0 {
		return time.UnixMilli(internalDate).UTC()
	}
	return time.Time{}
}
