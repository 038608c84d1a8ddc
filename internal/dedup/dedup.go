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

// Package dedup provides a cross-process claim on Gmail message IDs using a
// Redis key with TTL. It keeps the worker and a manual import from working
// the same message at the same time. The ticket store's unique constraints
// remain the final word on duplicates.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed importer can hold a claim.
	DefaultTTL = 15 * time.Minute

	// keyPrefix namespaces claim keys in Redis.
	keyPrefix = "helpdesk:gmail:claim:"
)

// Claimer hands out exclusive, expiring claims on message IDs.
type Claimer struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewClaimer creates a claimer backed by Redis. A zero ttl uses DefaultTTL.
func NewClaimer(rdb *redis.Client, ttl time.Duration) *Claimer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Claimer{
		rdb: rdb,
		ttl: ttl,
	}
}

// Claim returns true if this process now owns messageID.
// The key is set atomically (SETNX).
func (c *Claimer) Claim(ctx context.Context, messageID string) (bool, error) {
	set, err := c.rdb.SetNX(ctx, key(messageID), 1, c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim SETNX: %w", err)
	}
	return set, nil
}

// Release drops the claim on messageID. A failed delete leaves the key to
// expire with its TTL, so it is only logged.
func (c *Claimer) Release(ctx context.Context, messageID string) {
	if err := c.rdb.Del(ctx, key(messageID)).Err(); err != nil {
		slog.Warn("release claim failed", "message_id", messageID, "error", err)
	}
}

// Ping checks the Redis connection.
func (c *Claimer) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.rdb.Ping(ctx).Err()
}

func key(messageID string) string {
	return fmt.Sprintf("%s%s", keyPrefix, messageID)
}
