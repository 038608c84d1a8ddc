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

// Package tickets persists tickets, requesters, comments and attachments
// created from inbound mail.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mesadeayuda/ingestion/internal/address"
	"github.com/mesadeayuda/ingestion/internal/models"
)

// ErrDuplicate is returned when a ticket or comment for the same Gmail
// message already exists.
var ErrDuplicate = errors.New("message already imported")

// Defaults for tickets created from mail.
const (
	StatusNew       = "new"
	ChannelEmail    = "email"
	PriorityMedium  = "medium"
	NoSubject       = "(Sin asunto)"
	uniqueViolation = "23505"
)

// Ticket is a persisted ticket.
type Ticket struct {
	ID             int64
	Subject        string
	GmailMessageID string
	GmailThreadID  string
	RequesterID    int64
	Status         string
	CreatedAt      time.Time
}

// Comment is a persisted ticket comment.
type Comment struct {
	ID             int64
	TicketID       int64
	GmailMessageID string
	CreatedAt      time.Time
}

// Attachment is a file to store alongside a ticket or comment.
type Attachment struct {
	OriginalFilename string
	MimeType         string
	Content          []byte
	IsInline         bool
	ContentID        string
}

// NewTicket describes a ticket to create from a message.
type NewTicket struct {
	Subject        string
	Description    string
	RequesterEmail string
	RequesterName  string
	GmailMessageID string
	GmailThreadID  string
	ReceivedAt     time.Time
	Attachments    []Attachment
}

// NewComment describes a reply to append to an existing ticket.
type NewComment struct {
	TicketID       int64
	Body           string
	AuthorEmail    string
	AuthorName     string
	GmailMessageID string
	ReceivedAt     time.Time
	Attachments    []Attachment
}

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store provides ticket persistence in Postgres.
type Store struct {
	db DB
}

// NewStore creates a ticket store and ensures its tables exist.
func NewStore(ctx context.Context, db DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure ticket schema: %w", err)
	}
	slog.Info("ticket store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS requesters (
			id         BIGSERIAL PRIMARY KEY,
			email      TEXT NOT NULL UNIQUE,
			name       TEXT DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS tickets (
			id               BIGSERIAL PRIMARY KEY,
			subject          TEXT NOT NULL,
			description      TEXT DEFAULT '',
			requester_id     BIGINT REFERENCES requesters(id),
			status           TEXT NOT NULL DEFAULT 'new',
			priority         TEXT NOT NULL DEFAULT 'medium',
			channel          TEXT NOT NULL DEFAULT 'email',
			gmail_message_id TEXT UNIQUE,
			gmail_thread_id  TEXT,
			received_at      TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_tickets_thread ON tickets(gmail_thread_id);
		CREATE TABLE IF NOT EXISTS ticket_comments (
			id               BIGSERIAL PRIMARY KEY,
			ticket_id        BIGINT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			author_email     TEXT DEFAULT '',
			author_name      TEXT DEFAULT '',
			body             TEXT DEFAULT '',
			is_public        BOOLEAN NOT NULL DEFAULT TRUE,
			gmail_message_id TEXT UNIQUE,
			created_at       TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS ticket_attachments (
			id                BIGSERIAL PRIMARY KEY,
			ticket_id         BIGINT NOT NULL REFERENCES tickets(id) ON DELETE CASCADE,
			comment_id        BIGINT REFERENCES ticket_comments(id) ON DELETE CASCADE,
			filename          TEXT NOT NULL,
			original_filename TEXT NOT NULL,
			mime_type         TEXT DEFAULT '',
			size              BIGINT NOT NULL DEFAULT 0,
			content           BYTEA,
			is_inline         BOOLEAN NOT NULL DEFAULT FALSE,
			content_id        TEXT,
			created_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_attachments_ticket ON ticket_attachments(ticket_id);
	`)
	return err
}

// FindByMessageID returns the ticket created from messageID, or owning a
// comment created from it. It returns nil when there is none.
func (s *Store) FindByMessageID(ctx context.Context, messageID string) (*Ticket, error) {
	row := s.db.QueryRow(ctx, `
		SELECT t.id, t.subject, COALESCE(t.gmail_message_id, ''), COALESCE(t.gmail_thread_id, ''),
		       COALESCE(t.requester_id, 0), t.status, t.created_at
		FROM tickets t
		WHERE t.gmail_message_id = $1
		   OR EXISTS (
		       SELECT 1 FROM ticket_comments c
		       WHERE c.ticket_id = t.id AND c.gmail_message_id = $1
		   )
		LIMIT 1
	`, messageID)
	return scanTicket(row)
}

// FindByThreadID returns the newest ticket for a Gmail thread, or nil.
func (s *Store) FindByThreadID(ctx context.Context, threadID string) (*Ticket, error) {
	if threadID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(ctx, `
		SELECT id, subject, COALESCE(gmail_message_id, ''), COALESCE(gmail_thread_id, ''),
		       COALESCE(requester_id, 0), status, created_at
		FROM tickets
		WHERE gmail_thread_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, threadID)
	return scanTicket(row)
}

// Create inserts the requester (if new), the ticket and its attachments in
// one transaction.
func (s *Store) Create(ctx context.Context, nt NewTicket) (*Ticket, error) {
	email := address.Normalize(nt.RequesterEmail)
	if email == "" {
		return nil, &models.PersistenceError{Op: "create ticket", Err: errors.New("requester email is empty")}
	}

	t := &Ticket{
		Subject:        subjectOrDefault(nt.Subject),
		GmailMessageID: nt.GmailMessageID,
		GmailThreadID:  nt.GmailThreadID,
		Status:         StatusNew,
	}

	err := s.inTx(ctx, "create ticket", func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO requesters (email, name)
			VALUES ($1, $2)
			ON CONFLICT (email) DO UPDATE SET
				name       = CASE WHEN requesters.name = '' THEN EXCLUDED.name ELSE requesters.name END,
				updated_at = NOW()
			RETURNING id
		`, email, strings.TrimSpace(nt.RequesterName)).Scan(&t.RequesterID); err != nil {
			return fmt.Errorf("upsert requester: %w", err)
		}

		if err := tx.QueryRow(ctx, `
			INSERT INTO tickets
				(subject, description, requester_id, status, priority, channel,
				 gmail_message_id, gmail_thread_id, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9)
			RETURNING id, created_at
		`, t.Subject, nt.Description, t.RequesterID, StatusNew, PriorityMedium, ChannelEmail,
			nt.GmailMessageID, nt.GmailThreadID, nullTime(nt.ReceivedAt)).Scan(&t.ID, &t.CreatedAt); err != nil {
			return fmt.Errorf("insert ticket: %w", err)
		}

		return insertAttachments(ctx, tx, t.ID, 0, nt.Attachments)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("ticket created from email",
		"ticket_id", t.ID,
		"message_id", nt.GmailMessageID,
		"requester", email,
		"attachments", len(nt.Attachments),
	)
	return t, nil
}

// AddComment appends a comment and its attachments to a ticket in one
// transaction.
func (s *Store) AddComment(ctx context.Context, nc NewComment) (*Comment, error) {
	c := &Comment{TicketID: nc.TicketID, GmailMessageID: nc.GmailMessageID}

	err := s.inTx(ctx, "add comment", func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO ticket_comments (ticket_id, author_email, author_name, body, gmail_message_id, created_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), COALESCE($6, NOW()))
			RETURNING id, created_at
		`, nc.TicketID, address.Normalize(nc.AuthorEmail), strings.TrimSpace(nc.AuthorName), nc.Body,
			nc.GmailMessageID, nullTime(nc.ReceivedAt)).Scan(&c.ID, &c.CreatedAt); err != nil {
			return fmt.Errorf("insert comment: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE tickets SET updated_at = NOW() WHERE id = $1
		`, nc.TicketID); err != nil {
			return fmt.Errorf("touch ticket: %w", err)
		}

		return insertAttachments(ctx, tx, nc.TicketID, c.ID, nc.Attachments)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("comment added from email",
		"ticket_id", nc.TicketID,
		"comment_id", c.ID,
		"message_id", nc.GmailMessageID,
	)
	return c, nil
}

// inTx runs fn in a transaction. Unique violations surface as ErrDuplicate,
// any other failure as a *models.PersistenceError.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return &models.PersistenceError{Op: op, Err: fmt.Errorf("begin: %w", err)}
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return storeError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storeError(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func insertAttachments(ctx context.Context, tx pgx.Tx, ticketID, commentID int64, attachments []Attachment) error {
	for _, a := range attachments {
		var cid *string
		if a.IsInline && a.ContentID != "" {
			cid = &a.ContentID
		}
		var comment *int64
		if commentID != 0 {
			comment = &commentID
		}

		original := SanitizeFilename(a.OriginalFilename)
		if _, err := tx.Exec(ctx, `
			INSERT INTO ticket_attachments
				(ticket_id, comment_id, filename, original_filename, mime_type, size, content, is_inline, content_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, ticketID, comment, StoredFilename(original), original, a.MimeType, int64(len(a.Content)),
			a.Content, a.IsInline, cid); err != nil {
			return fmt.Errorf("insert attachment %q: %w", original, err)
		}
	}
	return nil
}

// storeError maps a database error onto ErrDuplicate or a PersistenceError.
func storeError(op string, err error) error {
	if IsUniqueViolation(err) {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return &models.PersistenceError{Op: op, Err: err}
}

// IsUniqueViolation reports whether err is a Postgres unique_violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// StoredFilename returns a collision-free name for an attachment, keeping
// the original extension.
func StoredFilename(original string) string {
	ext := strings.ToLower(filepath.Ext(original))
	if len(ext) < 2 || len(ext) > 10 {
		ext = ""
	}
	for _, r := range strings.TrimPrefix(ext, ".") {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			ext = ""
			break
		}
	}
	return uuid.New().String() + ext
}

// SanitizeFilename strips directory components and control characters from
// a client-supplied file name.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == "/" {
		return "attachment"
	}
	return name
}

func subjectOrDefault(subject string) string {
	if s := strings.TrimSpace(subject); s != "" {
		return s
	}
	return NoSubject
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanTicket(row pgx.Row) (*Ticket, error) {
	var t Ticket
	err := row.Scan(&t.ID, &t.Subject, &t.GmailMessageID, &t.GmailThreadID, &t.RequesterID, &t.Status, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &models.PersistenceError{Op: "find ticket", Err: err}
	}
	return &t, nil
}
