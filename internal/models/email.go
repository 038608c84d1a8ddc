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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// Recipient is a single parsed "Name <email>" entry from an address header.
type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

// AttachmentInfo describes an attachment or inline image found in a message.
// The content itself is fetched lazily using the message and attachment IDs.
type AttachmentInfo struct {
	Filename     string `json:"filename"`
	MimeType     string `json:"mime_type"`
	AttachmentID string `json:"attachment_id"`
	Size         int64  `json:"size"`
	ContentID    string `json:"content_id,omitempty"` // inline images only, without <>

	// Data holds the decoded content when the API embedded it in the part
	// instead of returning an attachment ID.
	Data []byte `json:"-"`
}

// HeaderGetter is the read-only, case-insensitive view of a header set.
type HeaderGetter interface {
	Get(name string) string
}

// ParsedEmail is the normalised form of a single Gmail message.
type ParsedEmail struct {
	MessageID string
	ThreadID  string

	From string
	To   string
	Cc   string

	FromRecipients []Recipient
	ToRecipients   []Recipient
	CcRecipients   []Recipient

	Subject    string
	Date       string
	ReceivedAt time.Time

	HTMLBody string
	TextBody string

	Attachments  []AttachmentInfo
	InlineImages []AttachmentInfo

	IsAutoReply          bool
	IsSystemNotification bool

	Headers HeaderGetter `json:"-"`
}

// SenderEmail returns the first address found in the From header.
func (e *ParsedEmail) SenderEmail() string {
	if len(e.FromRecipients) == 0 {
		return ""
	}
	return e.FromRecipients[0].Email
}

// SenderName returns the display name of the first From recipient.
func (e *ParsedEmail) SenderName() string {
	if len(e.FromRecipients) == 0 {
		return ""
	}
	return e.FromRecipients[0].Name
}

// Body returns the HTML body when present, otherwise the plain-text body.
func (e *ParsedEmail) Body() string {
	if e.HTMLBody != "" {
		return e.HTMLBody
	}
	return e.TextBody
}

// ShouldIgnore reports whether the message must not spawn a ticket or comment.
func (e *ParsedEmail) ShouldIgnore() bool {
	return e.IsAutoReply || e.IsSystemNotification
}

// ImportResult tallies one import pass.
type ImportResult struct {
	Created   int `json:"created"`
	Commented int `json:"commented"`
	Skipped   int `json:"skipped"`
	Ignored   int `json:"ignored"` // auto-replies and system notifications, also counted in Skipped
	Errors    int `json:"errors"`
}

// Total returns the number of messages the pass looked at.
func (r ImportResult) Total() int {
	return r.Created + r.Commented + r.Skipped + r.Errors
}
