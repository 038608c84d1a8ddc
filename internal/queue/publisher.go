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

// Package queue publishes ticket events to a Redis list. The help desk's
// email and WhatsApp notifiers consume the list and fan the events out.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event types.
const (
	TicketCreated   = "ticket.created"
	TicketCommented = "ticket.commented"
)

// Event is the JSON envelope pushed for every ticket or comment created from
// mail.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	TicketID       int64     `json:"ticket_id"`
	CommentID      int64     `json:"comment_id,omitempty"`
	GmailMessageID string    `json:"gmail_message_id"`
	GmailThreadID  string    `json:"gmail_thread_id,omitempty"`
	RequesterEmail string    `json:"requester_email"`
	Subject        string    `json:"subject"`
	Source         string    `json:"source"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Publisher sends ticket events to Redis.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified list.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Publish serialises an event and pushes it with LPUSH; consumers pop from
// the other end. A missing ID or timestamp is filled in.
func (p *Publisher) Publish(ctx context.Context, event Event) error {
	payload, err := encode(&event, time.Now)
	if err != nil {
		return err
	}

	if err := p.rdb.LPush(ctx, p.queueName, payload).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Info("published ticket event",
		"event_id", event.ID,
		"type", event.Type,
		"ticket_id", event.TicketID,
		"message_id", event.GmailMessageID,
		"queue", p.queueName,
	)

	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}

func encode(event *Event, now func() time.Time) ([]byte, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = now().UTC()
	}
	if event.Source == "" {
		event.Source = "gmail"
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket event: %w", err)
	}
	return data, nil
}
