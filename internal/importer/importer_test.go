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

package importer

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesadeayuda/ingestion/internal/models"
	"github.com/mesadeayuda/ingestion/internal/queue"
	"github.com/mesadeayuda/ingestion/internal/tickets"
)

// --- Mock mailbox ---

type mockSource struct {
	ids        []string
	emails     map[string]*models.ParsedEmail
	parseErr   map[string]error
	contentErr error
	markErr    error
	listErr    error

	mu     sync.Mutex
	marked []string
}

func newMockSource(emails ...*models.ParsedEmail) *mockSource {
	s := &mockSource{emails: map[string]*models.ParsedEmail{}, parseErr: map[string]error{}}
	for _, e := range emails {
		s.ids = append(s.ids, e.MessageID)
		s.emails[e.MessageID] = e
	}
	return s
}

func (s *mockSource) ListMessageIDs(_ context.Context, _ string, max int) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	if len(s.ids) > max {
		return s.ids[:max], nil
	}
	return s.ids, nil
}

func (s *mockSource) ParseMessage(_ context.Context, id string) (*models.ParsedEmail, error) {
	if err := s.parseErr[id]; err != nil {
		return nil, err
	}
	return s.emails[id], nil
}

func (s *mockSource) Content(_ context.Context, _ string, info models.AttachmentInfo) ([]byte, error) {
	if s.contentErr != nil {
		return nil, s.contentErr
	}
	return []byte("content of " + info.Filename), nil
}

func (s *mockSource) MarkRead(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, id)
	return s.markErr
}

func (s *mockSource) markedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.marked...)
}

// --- Mock ticket store ---

type mockStore struct {
	mu        sync.Mutex
	nextID    int64
	byMessage map[string]*tickets.Ticket
	created   []tickets.NewTicket
	comments  []tickets.NewComment
	createErr error
}

func newMockStore() *mockStore {
	return &mockStore{byMessage: map[string]*tickets.Ticket{}}
}

func (m *mockStore) seed(messageID, threadID string) *tickets.Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &tickets.Ticket{ID: m.nextID, GmailMessageID: messageID, GmailThreadID: threadID, Subject: "seeded"}
	m.byMessage[messageID] = t
	return t
}

func (m *mockStore) FindByMessageID(_ context.Context, id string) (*tickets.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byMessage[id], nil
}

func (m *mockStore) FindByThreadID(_ context.Context, threadID string) (*tickets.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if threadID == "" {
		return nil, nil
	}
	for _, t := range m.byMessage {
		if t.GmailThreadID == threadID {
			return t, nil
		}
	}
	return nil, nil
}

func (m *mockStore) Create(_ context.Context, nt tickets.NewTicket) (*tickets.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	if _, ok := m.byMessage[nt.GmailMessageID]; ok {
		return nil, tickets.ErrDuplicate
	}
	m.nextID++
	t := &tickets.Ticket{ID: m.nextID, Subject: nt.Subject, GmailMessageID: nt.GmailMessageID, GmailThreadID: nt.GmailThreadID}
	m.byMessage[nt.GmailMessageID] = t
	m.created = append(m.created, nt)
	return t, nil
}

func (m *mockStore) AddComment(_ context.Context, nc tickets.NewComment) (*tickets.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.comments = append(m.comments, nc)
	// Comments are found by message id through their ticket.
	for _, t := range m.byMessage {
		if t.ID == nc.TicketID {
			m.byMessage[nc.GmailMessageID] = t
			break
		}
	}
	return &tickets.Comment{ID: m.nextID, TicketID: nc.TicketID, GmailMessageID: nc.GmailMessageID}, nil
}

// --- Mock publisher and claimer ---

type mockPublisher struct {
	mu     sync.Mutex
	events []queue.Event
	err    error
}

func (p *mockPublisher) Publish(_ context.Context, e queue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

type mockClaimer struct {
	held     map[string]bool
	released []string
}

func (c *mockClaimer) Claim(_ context.Context, id string) (bool, error) {
	if c.held[id] {
		return false, nil
	}
	return true, nil
}

func (c *mockClaimer) Release(_ context.Context, id string) {
	c.released = append(c.released, id)
}

// --- Helpers ---

func email(id string) *models.ParsedEmail {
	return &models.ParsedEmail{
		MessageID:      id,
		ThreadID:       "thread-" + id,
		From:           "Ana <ana@example.com>",
		FromRecipients: []models.Recipient{{Name: "Ana", Email: "ana@example.com"}},
		Subject:        "Solicitud " + id,
		TextBody:       "texto " + id,
	}
}

func newTestImporter(src *mockSource, store *mockStore, pub *mockPublisher) *Importer {
	cfg := Config{Source: src, Store: store, Throttle: -1}
	if pub != nil {
		cfg.Publisher = pub
	}
	return New(cfg)
}

// --- Tests ---

// TestImportEmails_CreatesAndSkipsExisting covers three listed messages,
// one of which already has a ticket.
func TestImportEmails_CreatesAndSkipsExisting(t *testing.T) {
	src := newMockSource(email("m1"), email("m2"), email("m3"))
	store := newMockStore()
	store.seed("m2", "other-thread")
	pub := &mockPublisher{}

	result, err := newTestImporter(src, store, pub).ImportEmails(context.Background(), "is:unread", 10)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, result.Errors)
	assert.Equal(t, []string{"m1", "m3"}, src.markedIDs())
	require.Len(t, pub.events, 2)
	assert.Equal(t, queue.TicketCreated, pub.events[0].Type)
	assert.Equal(t, "ana@example.com", pub.events[0].RequesterEmail)
}

// TestImportEmails_Idempotent verifies a second pass over the same IDs
// creates nothing.
func TestImportEmails_Idempotent(t *testing.T) {
	src := newMockSource(email("m1"), email("m2"))
	store := newMockStore()
	im := newTestImporter(src, store, nil)

	first, err := im.ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Created)

	second, err := im.ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)
	assert.Equal(t, models.ImportResult{Skipped: 2}, *second)
	assert.Len(t, store.created, 2)
}

func TestImportEmails_RespectsMax(t *testing.T) {
	src := newMockSource(email("m1"), email("m2"), email("m3"))
	result, err := newTestImporter(src, newMockStore(), nil).ImportEmails(context.Background(), DefaultQuery, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total())
}

// TestImportEmails_IgnoresAutomatedMessages verifies auto-replies and
// system notifications are marked read but never become tickets.
func TestImportEmails_IgnoresAutomatedMessages(t *testing.T) {
	auto := email("auto")
	auto.IsAutoReply = true
	system := email("sys")
	system.IsSystemNotification = true

	src := newMockSource(auto, system)
	store := newMockStore()
	pub := &mockPublisher{}

	result, err := newTestImporter(src, store, pub).ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)

	assert.Equal(t, models.ImportResult{Skipped: 2, Ignored: 2}, *result)
	assert.Equal(t, []string{"auto", "sys"}, src.markedIDs())
	assert.Empty(t, store.created)
	assert.Empty(t, store.comments)
	assert.Empty(t, pub.events)
}

// TestImportEmails_ThreadReplyBecomesComment verifies replies on a known
// thread are appended to its ticket.
func TestImportEmails_ThreadReplyBecomesComment(t *testing.T) {
	reply := email("reply")
	reply.ThreadID = "thread-1"
	reply.Attachments = []models.AttachmentInfo{{Filename: "foto.jpg", MimeType: "image/jpeg", AttachmentID: "a1"}}

	src := newMockSource(reply)
	store := newMockStore()
	original := store.seed("orig", "thread-1")
	pub := &mockPublisher{}

	result, err := newTestImporter(src, store, pub).ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)

	assert.Equal(t, models.ImportResult{Commented: 1}, *result)
	require.Len(t, store.comments, 1)
	assert.Equal(t, original.ID, store.comments[0].TicketID)
	require.Len(t, store.comments[0].Attachments, 1)
	assert.Equal(t, "foto.jpg", store.comments[0].Attachments[0].OriginalFilename)
	assert.Equal(t, []string{"reply"}, src.markedIDs())
	require.Len(t, pub.events, 1)
	assert.Equal(t, queue.TicketCommented, pub.events[0].Type)
}

func TestImportEmails_AttachmentsAndSanitisedBody(t *testing.T) {
	e := email("m1")
	e.HTMLBody = `<p onclick="x()">Hola</p><script>alert(1)</script><img src="cid:logo">`
	e.Attachments = []models.AttachmentInfo{{Filename: "factura.pdf", MimeType: "application/pdf", AttachmentID: "a1"}}
	e.InlineImages = []models.AttachmentInfo{{Filename: "logo.png", MimeType: "image/png", AttachmentID: "a2", ContentID: "logo"}}

	store := newMockStore()
	_, err := newTestImporter(newMockSource(e), store, nil).ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)

	require.Len(t, store.created, 1)
	nt := store.created[0]
	assert.Contains(t, nt.Description, "<p>Hola</p>")
	assert.NotContains(t, nt.Description, "script")
	assert.NotContains(t, nt.Description, "onclick")
	assert.Contains(t, nt.Description, `src="cid:logo"`)
	assert.Equal(t, "ana@example.com", nt.RequesterEmail)
	assert.Equal(t, "thread-m1", nt.GmailThreadID)

	require.Len(t, nt.Attachments, 2)
	assert.False(t, nt.Attachments[0].IsInline)
	assert.Equal(t, []byte("content of factura.pdf"), nt.Attachments[0].Content)
	assert.True(t, nt.Attachments[1].IsInline)
	assert.Equal(t, "logo", nt.Attachments[1].ContentID)
}

// TestImportEmails_PerMessageFailures verifies failures are counted and the
// batch continues.
func TestImportEmails_PerMessageFailures(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(src *mockSource, store *mockStore)
		want       models.ImportResult
		wantMarked []string
	}{
		{
			name: "parse error",
			setup: func(src *mockSource, _ *mockStore) {
				src.parseErr["m1"] = &models.ParseError{MessageID: "m1", Err: errors.New("no payload")}
			},
			want:       models.ImportResult{Created: 1, Errors: 1},
			wantMarked: []string{"m2"},
		},
		{
			name: "attachment download fails",
			setup: func(src *mockSource, _ *mockStore) {
				src.emails["m1"].Attachments = []models.AttachmentInfo{{Filename: "a.pdf", AttachmentID: "x"}}
				src.contentErr = &models.FetchError{Op: "get attachment", Err: errors.New("503")}
			},
			want:       models.ImportResult{Created: 1, Errors: 1},
			wantMarked: []string{"m2"},
		},
		{
			name: "persistence fails",
			setup: func(_ *mockSource, store *mockStore) {
				store.createErr = &models.PersistenceError{Op: "create ticket", Err: errors.New("disk full")}
			},
			want:       models.ImportResult{Errors: 2},
			wantMarked: nil,
		},
		{
			name: "concurrent duplicate",
			setup: func(_ *mockSource, store *mockStore) {
				store.createErr = tickets.ErrDuplicate
			},
			want:       models.ImportResult{Skipped: 2},
			wantMarked: nil,
		},
		{
			name: "mark read fails",
			setup: func(src *mockSource, _ *mockStore) {
				src.markErr = errors.New("quota")
			},
			want:       models.ImportResult{Created: 2},
			wantMarked: []string{"m1", "m2"},
		},
		{
			name: "no sender",
			setup: func(src *mockSource, _ *mockStore) {
				src.emails["m1"].FromRecipients = nil
			},
			want:       models.ImportResult{Created: 1, Errors: 1},
			wantMarked: []string{"m2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMockSource(email("m1"), email("m2"))
			store := newMockStore()
			tt.setup(src, store)

			result, err := newTestImporter(src, store, nil).ImportEmails(context.Background(), DefaultQuery, 10)
			require.NoError(t, err)
			assert.Equal(t, tt.want, *result)
			assert.Equal(t, tt.wantMarked, src.markedIDs())
		})
	}
}

func TestImportEmails_ListFailureIsReturned(t *testing.T) {
	src := newMockSource()
	src.listErr = &models.FetchError{Op: "list messages", Err: errors.New("401")}

	_, err := newTestImporter(src, newMockStore(), nil).ImportEmails(context.Background(), DefaultQuery, 10)
	var fe *models.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestImportEmails_PublishFailureIsBestEffort(t *testing.T) {
	src := newMockSource(email("m1"))
	pub := &mockPublisher{err: errors.New("redis down")}

	result, err := newTestImporter(src, newMockStore(), pub).ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
}

func TestImportEmails_ClaimHeldElsewhere(t *testing.T) {
	src := newMockSource(email("m1"), email("m2"))
	claimer := &mockClaimer{held: map[string]bool{"m1": true}}
	im := New(Config{Source: src, Store: newMockStore(), Claimer: claimer, Throttle: -1})

	result, err := im.ImportEmails(context.Background(), DefaultQuery, 10)
	require.NoError(t, err)
	assert.Equal(t, models.ImportResult{Created: 1, Skipped: 1}, *result)
	assert.Equal(t, []string{"m2"}, claimer.released)
}

func TestImportEmails_CancelledContext(t *testing.T) {
	src := newMockSource(email("m1"), email("m2"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	im := New(Config{Source: src, Store: newMockStore()})
	result, err := im.ImportEmails(ctx, DefaultQuery, 10)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "interrupted"))
	assert.Zero(t, result.Total())
}
