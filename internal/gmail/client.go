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

// Package gmail wraps the Gmail REST API and turns full-format messages into
// models.ParsedEmail values.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mesadeayuda/ingestion/internal/models"
)

const (
	// DefaultUser addresses the authorised mailbox.
	DefaultUser = "me"

	// LabelUnread is removed to mark a message as read.
	LabelUnread = "UNREAD"

	// maxPageSize is the largest page the list endpoint accepts.
	maxPageSize = 500
)

// API is the subset of the Gmail API the pipeline uses.
type API interface {
	ListMessageIDs(ctx context.Context, query string, max int) ([]string, error)
	GetMessage(ctx context.Context, messageID string) (*gmailapi.Message, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (string, error)
	MarkRead(ctx context.Context, messageID string) error
	Profile(ctx context.Context) (string, error)
}

// Client implements API on top of the official Gmail service.
type Client struct {
	srv  *gmailapi.Service
	user string
}

// NewClient creates a Gmail client. httpClient must already carry OAuth2
// credentials; extra options (e.g. a test endpoint) are appended.
func NewClient(ctx context.Context, httpClient *http.Client, opts ...option.ClientOption) (*Client, error) {
	all := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, opts...)
	srv, err := gmailapi.NewService(ctx, all...)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Client{srv: srv, user: DefaultUser}, nil
}

// ListMessageIDs returns up to max message IDs matching query, in the order
// the API returns them.
func (c *Client) ListMessageIDs(ctx context.Context, query string, max int) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}

	var ids []string
	pageToken := ""
	for {
		pageSize := max - len(ids)
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}

		call := c.srv.Users.Messages.List(c.user).Q(query).MaxResults(int64(pageSize)).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, &models.FetchError{Op: "list messages", Err: err}
		}

		for _, m := range resp.Messages {
			if m == nil || m.Id == "" {
				continue
			}
			ids = append(ids, m.Id)
			if len(ids) >= max {
				return ids, nil
			}
		}

		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetMessage retrieves a message in "full" format.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*gmailapi.Message, error) {
	msg, err := c.srv.Users.Messages.Get(c.user, messageID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, &models.FetchError{Op: "get message", MessageID: messageID, Err: err}
	}
	return msg, nil
}

// GetAttachment returns the base64url-encoded attachment body.
func (c *Client) GetAttachment(ctx context.Context, messageID, attachmentID string) (string, error) {
	body, err := c.srv.Users.Messages.Attachments.Get(c.user, messageID, attachmentID).Context(ctx).Do()
	if err != nil {
		return "", &models.FetchError{Op: "get attachment", MessageID: messageID, Err: err}
	}
	return body.Data, nil
}

// MarkRead removes the UNREAD label from a message.
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	req := &gmailapi.ModifyMessageRequest{RemoveLabelIds: []string{LabelUnread}}
	if _, err := c.srv.Users.Messages.Modify(c.user, messageID, req).Context(ctx).Do(); err != nil {
		return &models.FetchError{Op: "mark read", MessageID: messageID, Err: err}
	}
	return nil
}

// Profile returns the email address of the authorised mailbox.
func (c *Client) Profile(ctx context.Context) (string, error) {
	p, err := c.srv.Users.GetProfile(c.user).Context(ctx).Do()
	if err != nil {
		return "", &models.FetchError{Op: "get profile", Err: err}
	}
	return p.EmailAddress, nil
}

// IsNotFound reports whether err is a 404 from the Gmail API (the message
// was deleted between listing and fetching).
func IsNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
