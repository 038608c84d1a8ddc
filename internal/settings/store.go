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

// Package settings provides the Postgres-backed key/value settings the help
// desk's administrators edit, including the encrypted Gmail refresh token.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/mesadeayuda/ingestion/internal/models"
)

// Setting keys used by the Gmail integration.
const (
	KeyRefreshToken    = "gmail_refresh_token"
	KeyCredentialsPath = "gmail_credentials_path"
	KeyFromAddress     = "gmail_from_address"
	KeyPollingInterval = "gmail_polling_interval"
)

// DefaultPollingInterval is used when no interval is stored, in minutes.
const DefaultPollingInterval = 5

// DB is the subset of pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// GmailCredentials is everything needed to talk to the mailbox.
type GmailCredentials struct {
	RefreshToken    string
	CredentialsPath string
	FromAddress     string
}

// Store reads and writes settings.
type Store struct {
	db              DB
	cipher          *Cipher
	defaultCredPath string
}

// NewStore creates a settings store and ensures the settings table exists.
// cipher may be nil, in which case secrets cannot be read or written.
// defaultCredPath is used when no credentials path is stored.
func NewStore(ctx context.Context, db DB, cipher *Cipher, defaultCredPath string) (*Store, error) {
	s := &Store{db: db, cipher: cipher, defaultCredPath: defaultCredPath}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure settings schema: %w", err)
	}
	slog.Info("settings store initialised", "encryption", cipher != nil)
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS settings (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL DEFAULT '',
			encrypted  BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ DEFAULT NOW()
		);
	`)
	return err
}

// Get returns the stored value of key, or "" when it is unset. Encrypted
// values are returned as stored.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

// Set stores a plain value.
func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.set(ctx, key, value, false)
}

// GetSecret returns the decrypted value of key, or "" when it is unset.
func (s *Store) GetSecret(ctx context.Context, key string) (string, error) {
	value, encrypted, err := s.get(ctx, key)
	if err != nil || value == "" {
		return "", err
	}
	if !encrypted {
		return value, nil
	}
	plain, err := s.cipher.Decrypt(value)
	if err != nil {
		return "", fmt.Errorf("decrypt setting %s: %w", key, err)
	}
	return plain, nil
}

// SetSecret encrypts and stores value.
func (s *Store) SetSecret(ctx context.Context, key, value string) error {
	sealed, err := s.cipher.Encrypt(value)
	if err != nil {
		return fmt.Errorf("encrypt setting %s: %w", key, err)
	}
	return s.set(ctx, key, sealed, true)
}

// SaveRefreshToken stores a newly issued Gmail refresh token.
func (s *Store) SaveRefreshToken(ctx context.Context, token string) error {
	return s.SetSecret(ctx, KeyRefreshToken, token)
}

// PollingInterval returns the configured polling interval in minutes,
// never less than one. Read failures fall back to the default.
func (s *Store) PollingInterval(ctx context.Context) int {
	raw, err := s.Get(ctx, KeyPollingInterval)
	if err != nil {
		slog.Warn("read polling interval failed, using default", "error", err)
		return DefaultPollingInterval
	}
	return parseInterval(raw)
}

// Credentials returns the Gmail credentials. A missing or undecryptable
// refresh token, or no credentials path, is models.ErrNotConfigured.
func (s *Store) Credentials(ctx context.Context) (GmailCredentials, error) {
	var creds GmailCredentials

	token, err := s.GetSecret(ctx, KeyRefreshToken)
	if err != nil {
		if isDBError(err) {
			return creds, err
		}
		return creds, fmt.Errorf("%w: %v", models.ErrNotConfigured, err)
	}
	if token == "" {
		return creds, fmt.Errorf("%w: no refresh token stored", models.ErrNotConfigured)
	}

	path, err := s.CredentialsPath(ctx)
	if err != nil {
		return creds, err
	}

	from, err := s.Get(ctx, KeyFromAddress)
	if err != nil {
		return creds, err
	}

	return GmailCredentials{
		RefreshToken:    token,
		CredentialsPath: path,
		FromAddress:     strings.TrimSpace(from),
	}, nil
}

// CredentialsPath returns the configured OAuth client file path, falling
// back to the process default.
func (s *Store) CredentialsPath(ctx context.Context) (string, error) {
	path, err := s.Get(ctx, KeyCredentialsPath)
	if err != nil {
		return "", err
	}
	path = firstNonEmpty(path, s.defaultCredPath)
	if path == "" {
		return "", fmt.Errorf("%w: no credentials path", models.ErrNotConfigured)
	}
	return path, nil
}

// dbError marks failures that came from the database itself.
type dbError struct{ err error }

func (e *dbError) Error() string { return e.err.Error() }
func (e *dbError) Unwrap() error { return e.err }

func isDBError(err error) bool {
	var de *dbError
	return errors.As(err, &de)
}

func (s *Store) get(ctx context.Context, key string) (string, bool, error) {
	var (
		value     string
		encrypted bool
	)
	err := s.db.QueryRow(ctx, `
		SELECT value, encrypted FROM settings WHERE key = $1
	`, key).Scan(&value, &encrypted)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &dbError{fmt.Errorf("read setting %s: %w", key, err)}
	}
	return value, encrypted, nil
}

func (s *Store) set(ctx context.Context, key, value string, encrypted bool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO settings (key, value, encrypted)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			encrypted  = EXCLUDED.encrypted,
			updated_at = NOW()
	`, key, value, encrypted)
	if err != nil {
		return fmt.Errorf("write setting %s: %w", key, err)
	}
	return nil
}

func parseInterval(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPollingInterval
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultPollingInterval
	}
	if n < 1 {
		return 1
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
