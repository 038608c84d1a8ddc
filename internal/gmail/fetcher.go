// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gmail

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mesadeayuda/ingestion/internal/models"
)

// Fetcher retrieves messages and attachment content from the Gmail API.
type Fetcher struct {
	api           API
	systemAddress string
}

// NewFetcher creates a message fetcher. systemAddress is the help desk's own
// sending mailbox, used to recognise system notifications.
func NewFetcher(api API, systemAddress string) *Fetcher {
	return &Fetcher{
		api:           api,
		systemAddress: systemAddress,
	}
}

// ParseMessage retrieves a message and parses its headers, bodies and
// attachment descriptors. Remote failures are *models.FetchError, unreadable
// payloads *models.ParseError.
func (f *Fetcher) ParseMessage(ctx context.Context, messageID string) (*models.ParsedEmail, error) {
	msg, err := f.api.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	email, err := parseGmailMessage(msg, f.systemAddress)
	if err != nil {
		return nil, err
	}
	if email.MessageID == "" {
		email.MessageID = messageID
	}

	slog.Debug("parsed gmail message",
		"message_id", messageID,
		"thread_id", email.ThreadID,
		"attachments", len(email.Attachments),
		"inline_images", len(email.InlineImages),
		"auto_reply", email.IsAutoReply,
		"system_notification", email.IsSystemNotification,
	)

	return email, nil
}

// DownloadAttachment fetches and decodes an attachment body. Failures are
// returned to the caller; there is no retry at this layer.
func (f *Fetcher) DownloadAttachment(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	data, err := f.api.GetAttachment(ctx, messageID, attachmentID)
	if err != nil {
		return nil, err
	}

	raw, err := DecodeBase64URL(data)
	if err != nil {
		return nil, &models.FetchError{
			Op:        "decode attachment",
			MessageID: messageID,
			Err:       fmt.Errorf("attachment %s: %w", attachmentID, err),
		}
	}
	return raw, nil
}

// Content returns the bytes of an attachment descriptor, downloading them
// unless the part embedded its data.
func (f *Fetcher) Content(ctx context.Context, messageID string, info models.AttachmentInfo) ([]byte, error) {
	if info.AttachmentID == "" {
		return info.Data, nil
	}
	return f.DownloadAttachment(ctx, messageID, info.AttachmentID)
}

// MarkRead marks the source message as read.
func (f *Fetcher) MarkRead(ctx context.Context, messageID string) error {
	return f.api.MarkRead(ctx, messageID)
}

// ListMessageIDs returns candidate message IDs for query, capped at max.
func (f *Fetcher) ListMessageIDs(ctx context.Context, query string, max int) ([]string, error) {
	return f.api.ListMessageIDs(ctx, query, max)
}
