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

// Package oauth handles the Gmail OAuth2 authorization-code flow, refresh
// token grants and the location of the OAuth client file.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/mesadeayuda/ingestion/internal/models"
)

// DefaultTimeout bounds every token and API request.
const DefaultTimeout = 30 * time.Second

// TokenSaver persists a refresh token obtained from an authorization code.
type TokenSaver interface {
	SaveRefreshToken(ctx context.Context, token string) error
}

// LoadConfig parses a Google OAuth client file ("installed" or "web") and
// requests the Gmail modify scope, which covers reading and marking read.
func LoadConfig(clientSecretJSON []byte) (*oauth2.Config, error) {
	cfg, err := google.ConfigFromJSON(clientSecretJSON, gmailapi.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client file: %w", err)
	}
	return cfg, nil
}

// Manager issues and refreshes access tokens for the help desk mailbox.
type Manager struct {
	cfg     *oauth2.Config
	saver   TokenSaver
	timeout time.Duration

	mu           sync.Mutex
	refreshToken string
	source       oauth2.TokenSource
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenSaver persists refresh tokens returned by Authenticate.
func WithTokenSaver(s TokenSaver) Option {
	return func(m *Manager) { m.saver = s }
}

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// NewManager creates a token manager. refreshToken may be empty until
// Authenticate has run.
func NewManager(cfg *oauth2.Config, refreshToken string, opts ...Option) *Manager {
	m := &Manager{
		cfg:          cfg,
		refreshToken: refreshToken,
		timeout:      DefaultTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// AuthCodeURL returns the consent URL. Offline access with a forced prompt
// makes Google return a refresh token every time.
func (m *Manager) AuthCodeURL(state string) string {
	return m.cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Authenticate exchanges an authorization code for tokens and, when a
// TokenSaver is configured, stores the refresh token.
func (m *Manager) Authenticate(ctx context.Context, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, &models.AuthError{Op: "exchange", Err: errors.New("empty authorization code")}
	}

	tok, err := m.cfg.Exchange(m.withBaseClient(ctx), code)
	if err != nil {
		return nil, &models.AuthError{Op: "exchange", Err: err}
	}
	if tok.RefreshToken == "" {
		return nil, &models.AuthError{Op: "exchange", Err: errors.New("no refresh token in response")}
	}

	if m.saver != nil {
		if err := m.saver.SaveRefreshToken(ctx, tok.RefreshToken); err != nil {
			return nil, &models.PersistenceError{Op: "save refresh token", Err: err}
		}
	}

	m.mu.Lock()
	m.refreshToken = tok.RefreshToken
	m.source = nil
	m.mu.Unlock()

	slog.Info("gmail authorization completed", "expiry", tok.Expiry)
	return tok, nil
}

// EnsureValidAccessToken returns a valid access token, running the
// refresh-token grant when the cached one is missing or expired.
func (m *Manager) EnsureValidAccessToken(ctx context.Context) (*oauth2.Token, error) {
	src, err := m.tokenSource(ctx)
	if err != nil {
		return nil, err
	}
	tok, err := src.Token()
	if err != nil {
		return nil, &models.AuthError{Op: "refresh", Err: err}
	}
	return tok, nil
}

// HTTPClient returns a client that authorises every request, reusing the
// cached access token until it expires.
func (m *Manager) HTTPClient(ctx context.Context) (*http.Client, error) {
	src, err := m.tokenSource(ctx)
	if err != nil {
		return nil, err
	}
	client := oauth2.NewClient(m.withBaseClient(ctx), src)
	client.Timeout = m.timeout
	return client, nil
}

func (m *Manager) tokenSource(ctx context.Context) (oauth2.TokenSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", models.ErrNotConfigured)
	}
	if m.source == nil {
		// Config.TokenSource already wraps the source in a ReuseTokenSource.
		m.source = m.cfg.TokenSource(m.withBaseClient(ctx), &oauth2.Token{RefreshToken: m.refreshToken})
	}
	return m.source, nil
}

// withBaseClient makes token requests use a client with a bounded timeout.
func (m *Manager) withBaseClient(ctx context.Context) context.Context {
	if _, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); ok {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: m.timeout})
}
