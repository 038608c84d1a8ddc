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

// Package importer turns unread Gmail messages into tickets, or into
// comments when the message continues a thread that already has a ticket.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/time/rate"

	"github.com/mesadeayuda/ingestion/internal/gmail"
	"github.com/mesadeayuda/ingestion/internal/metrics"
	"github.com/mesadeayuda/ingestion/internal/models"
	"github.com/mesadeayuda/ingestion/internal/queue"
	"github.com/mesadeayuda/ingestion/internal/tickets"
)

// Defaults used by the worker and the CLI.
const (
	DefaultQuery      = "is:unread"
	DefaultMaxResults = 50
	DefaultThrottle   = 250 * time.Millisecond
)

// Source is the mailbox side of an import.
type Source interface {
	ListMessageIDs(ctx context.Context, query string, max int) ([]string, error)
	ParseMessage(ctx context.Context, messageID string) (*models.ParsedEmail, error)
	Content(ctx context.Context, messageID string, info models.AttachmentInfo) ([]byte, error)
	MarkRead(ctx context.Context, messageID string) error
}

// Store is the ticket side of an import.
type Store interface {
	FindByMessageID(ctx context.Context, messageID string) (*tickets.Ticket, error)
	FindByThreadID(ctx context.Context, threadID string) (*tickets.Ticket, error)
	Create(ctx context.Context, nt tickets.NewTicket) (*tickets.Ticket, error)
	AddComment(ctx context.Context, nc tickets.NewComment) (*tickets.Comment, error)
}

// Claimer provides an optional cross-process lock on a message.
type Claimer interface {
	Claim(ctx context.Context, messageID string) (bool, error)
	Release(ctx context.Context, messageID string)
}

// Publisher receives an event for every ticket or comment created.
type Publisher interface {
	Publish(ctx context.Context, event queue.Event) error
}

// Config holds dependencies for the importer. Source and Store are
// required; the rest are optional.
type Config struct {
	Source    Source
	Store     Store
	Claimer   Claimer
	Publisher Publisher
	Metrics   *metrics.Metrics

	// Throttle is the minimum spacing between messages. Zero uses
	// DefaultThrottle; a negative value disables throttling.
	Throttle time.Duration
}

// Importer runs import passes.
type Importer struct {
	source    Source
	store     Store
	claimer   Claimer
	publisher Publisher
	metrics   *metrics.Metrics
	limiter   *rate.Limiter
	sanitizer *bluemonday.Policy
}

// New creates an importer.
func New(cfg Config) *Importer {
	throttle := cfg.Throttle
	if throttle == 0 {
		throttle = DefaultThrottle
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if throttle > 0 {
		limiter = rate.NewLimiter(rate.Every(throttle), 1)
	}

	// Inline images reference their attachment through cid: URLs.
	policy := bluemonday.UGCPolicy()
	policy.AllowURLSchemes("cid")

	return &Importer{
		source:    cfg.Source,
		store:     cfg.Store,
		claimer:   cfg.Claimer,
		publisher: cfg.Publisher,
		metrics:   cfg.Metrics,
		limiter:   limiter,
		sanitizer: policy,
	}
}

// outcome is the fate of a single message.
type outcome int

const (
	outcomeCreated outcome = iota
	outcomeCommented
	outcomeSkipped
	outcomeIgnored
	outcomeError
)

// ImportEmails imports up to max messages matching query. Per-message
// failures are counted, never returned; the only error is a failure to list
// messages (a *models.FetchError) or cancellation of ctx.
func (im *Importer) ImportEmails(ctx context.Context, query string, max int) (*models.ImportResult, error) {
	start := time.Now()
	result := &models.ImportResult{}

	ids, err := im.source.ListMessageIDs(ctx, query, max)
	if err != nil {
		return result, err
	}

	slog.Info("starting gmail import", "query", query, "max", max, "messages", len(ids))

	for _, id := range ids {
		if err := im.limiter.Wait(ctx); err != nil {
			slog.Warn("gmail import interrupted", "error", err, "processed", result.Total())
			im.metrics.Import(result, time.Since(start))
			return result, fmt.Errorf("import interrupted: %w", ctx.Err())
		}

		switch im.importMessage(ctx, id) {
		case outcomeCreated:
			result.Created++
			im.metrics.Message(metrics.OutcomeCreated)
		case outcomeCommented:
			result.Commented++
			im.metrics.Message(metrics.OutcomeCommented)
		case outcomeSkipped:
			result.Skipped++
			im.metrics.Message(metrics.OutcomeSkipped)
		case outcomeIgnored:
			result.Skipped++
			result.Ignored++
			im.metrics.Message(metrics.OutcomeIgnored)
		case outcomeError:
			result.Errors++
			im.metrics.Message(metrics.OutcomeError)
		}
	}

	elapsed := time.Since(start)
	im.metrics.Import(result, elapsed)

	slog.Info("gmail import complete",
		"created", result.Created,
		"commented", result.Commented,
		"skipped", result.Skipped,
		"ignored", result.Ignored,
		"errors", result.Errors,
		"elapsed", elapsed,
	)

	return result, nil
}

// importMessage processes one message and reports its outcome.
func (im *Importer) importMessage(ctx context.Context, messageID string) outcome {
	if im.claimer != nil {
		claimed, err := im.claimer.Claim(ctx, messageID)
		switch {
		case err != nil:
			slog.Warn("message claim failed, continuing without it", "message_id", messageID, "error", err)
		case !claimed:
			slog.Info("message is being imported elsewhere", "message_id", messageID)
			return outcomeSkipped
		default:
			defer im.claimer.Release(context.WithoutCancel(ctx), messageID)
		}
	}

	email, err := im.source.ParseMessage(ctx, messageID)
	if err != nil {
		if gmail.IsNotFound(err) {
			slog.Warn("message no longer exists", "message_id", messageID)
			return outcomeSkipped
		}
		slog.Error("failed to parse message", "message_id", messageID, "error", err)
		return outcomeError
	}

	existing, err := im.store.FindByMessageID(ctx, messageID)
	if err != nil {
		slog.Error("ticket lookup failed", "message_id", messageID, "error", err)
		return outcomeError
	}
	if existing != nil {
		slog.Debug("message already imported", "message_id", messageID, "ticket_id", existing.ID)
		return outcomeSkipped
	}

	if email.ShouldIgnore() {
		slog.Info("ignoring automated message",
			"message_id", messageID,
			"auto_reply", email.IsAutoReply,
			"system_notification", email.IsSystemNotification,
		)
		im.markRead(ctx, messageID)
		return outcomeIgnored
	}

	if email.SenderEmail() == "" {
		slog.Error("message has no usable From address", "message_id", messageID, "from", email.From)
		return outcomeError
	}

	attachments, err := im.collectAttachments(ctx, email)
	if err != nil {
		slog.Error("failed to download attachments", "message_id", messageID, "error", err)
		return outcomeError
	}

	thread, err := im.store.FindByThreadID(ctx, email.ThreadID)
	if err != nil {
		slog.Error("thread lookup failed", "message_id", messageID, "thread_id", email.ThreadID, "error", err)
		return outcomeError
	}

	var (
		result outcome
		event  queue.Event
	)
	if thread != nil {
		result, event, err = im.addComment(ctx, thread, email, attachments)
	} else {
		result, event, err = im.createTicket(ctx, email, attachments)
	}

	if errors.Is(err, tickets.ErrDuplicate) {
		slog.Info("message imported concurrently", "message_id", messageID)
		return outcomeSkipped
	}
	if err != nil {
		slog.Error("failed to persist message", "message_id", messageID, "error", err)
		return outcomeError
	}

	im.markRead(ctx, messageID)
	im.publish(ctx, event)
	return result
}

func (im *Importer) createTicket(ctx context.Context, email *models.ParsedEmail, attachments []tickets.Attachment) (outcome, queue.Event, error) {
	t, err := im.store.Create(ctx, tickets.NewTicket{
		Subject:        email.Subject,
		Description:    im.body(email),
		RequesterEmail: email.SenderEmail(),
		RequesterName:  email.SenderName(),
		GmailMessageID: email.MessageID,
		GmailThreadID:  email.ThreadID,
		ReceivedAt:     email.ReceivedAt,
		Attachments:    attachments,
	})
	if err != nil {
		return outcomeError, queue.Event{}, err
	}

	return outcomeCreated, queue.Event{
		Type:           queue.TicketCreated,
		TicketID:       t.ID,
		GmailMessageID: email.MessageID,
		GmailThreadID:  email.ThreadID,
		RequesterEmail: email.SenderEmail(),
		Subject:        t.Subject,
	}, nil
}

func (im *Importer) addComment(ctx context.Context, t *tickets.Ticket, email *models.ParsedEmail, attachments []tickets.Attachment) (outcome, queue.Event, error) {
	c, err := im.store.AddComment(ctx, tickets.NewComment{
		TicketID:       t.ID,
		Body:           im.body(email),
		AuthorEmail:    email.SenderEmail(),
		AuthorName:     email.SenderName(),
		GmailMessageID: email.MessageID,
		ReceivedAt:     email.ReceivedAt,
		Attachments:    attachments,
	})
	if err != nil {
		return outcomeError, queue.Event{}, err
	}

	return outcomeCommented, queue.Event{
		Type:           queue.TicketCommented,
		TicketID:       t.ID,
		CommentID:      c.ID,
		GmailMessageID: email.MessageID,
		GmailThreadID:  email.ThreadID,
		RequesterEmail: email.SenderEmail(),
		Subject:        t.Subject,
	}, nil
}

// body returns the sanitised HTML body, or the plain-text body when the
// message has no HTML.
func (im *Importer) body(email *models.ParsedEmail) string {
	if email.HTMLBody != "" {
		return im.sanitizer.Sanitize(email.HTMLBody)
	}
	return email.TextBody
}

// collectAttachments downloads every attachment and inline image. Any
// failure aborts the message.
func (im *Importer) collectAttachments(ctx context.Context, email *models.ParsedEmail) ([]tickets.Attachment, error) {
	var out []tickets.Attachment

	add := func(info models.AttachmentInfo, inline bool) error {
		content, err := im.source.Content(ctx, email.MessageID, info)
		if err != nil {
			return fmt.Errorf("attachment %q: %w", info.Filename, err)
		}
		out = append(out, tickets.Attachment{
			OriginalFilename: info.Filename,
			MimeType:         info.MimeType,
			Content:          content,
			IsInline:         inline,
			ContentID:        info.ContentID,
		})
		return nil
	}

	for _, info := range email.Attachments {
		if err := add(info, false); err != nil {
			return nil, err
		}
	}
	for _, info := range email.InlineImages {
		if err := add(info, true); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (im *Importer) markRead(ctx context.Context, messageID string) {
	if err := im.source.MarkRead(ctx, messageID); err != nil {
		slog.Warn("failed to mark message read", "message_id", messageID, "error", err)
	}
}

func (im *Importer) publish(ctx context.Context, event queue.Event) {
	if im.publisher == nil {
		return
	}
	if err := im.publisher.Publish(ctx, event); err != nil {
		slog.Warn("failed to publish ticket event",
			"message_id", event.GmailMessageID,
			"type", event.Type,
			"error", err,
		)
	}
}
