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

// Package mailbox assembles a ready-to-run importer from the stored Gmail
// integration settings.
package mailbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/api/option"

	"github.com/mesadeayuda/ingestion/internal/gmail"
	"github.com/mesadeayuda/ingestion/internal/importer"
	"github.com/mesadeayuda/ingestion/internal/metrics"
	"github.com/mesadeayuda/ingestion/internal/models"
	"github.com/mesadeayuda/ingestion/internal/oauth"
	"github.com/mesadeayuda/ingestion/internal/settings"
)

// Settings is the part of the settings store the connector reads.
type Settings interface {
	Credentials(ctx context.Context) (settings.GmailCredentials, error)
	CredentialsPath(ctx context.Context) (string, error)
	SaveRefreshToken(ctx context.Context, token string) error
}

// Config holds the connector's dependencies. Claimer, Publisher and Metrics
// are optional and passed through to the importer.
type Config struct {
	Settings       Settings
	Resolver       *oauth.Resolver
	Store          importer.Store
	Claimer        importer.Claimer
	Publisher      importer.Publisher
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
	Throttle       time.Duration

	// ClientOptions are appended when building the Gmail service.
	ClientOptions []option.ClientOption
}

// Connector builds importers.
type Connector struct {
	cfg Config
}

// NewConnector creates a connector.
func NewConnector(cfg Config) *Connector {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = oauth.DefaultTimeout
	}
	return &Connector{cfg: cfg}
}

// Connect checks the integration settings, refreshes the access token and
// returns an importer bound to the mailbox. It returns an error wrapping
// models.ErrNotConfigured when the integration is not set up, and a
// *models.AuthError when the refresh token is rejected.
func (c *Connector) Connect(ctx context.Context) (*importer.Importer, error) {
	creds, err := c.cfg.Settings.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	mgr, err := c.manager(ctx, creds.CredentialsPath, creds.RefreshToken)
	if err != nil {
		return nil, err
	}

	if _, err := mgr.EnsureValidAccessToken(ctx); err != nil {
		return nil, err
	}

	httpClient, err := mgr.HTTPClient(ctx)
	if err != nil {
		return nil, err
	}

	client, err := gmail.NewClient(ctx, httpClient, c.cfg.ClientOptions...)
	if err != nil {
		return nil, err
	}

	systemAddress := creds.FromAddress
	if systemAddress == "" {
		if systemAddress, err = client.Profile(ctx); err != nil {
			slog.Warn("could not read mailbox address, system notifications are matched by header and subject only",
				"error", err,
			)
		}
	}

	slog.Debug("gmail connection ready", "system_address", systemAddress)

	return importer.New(importer.Config{
		Source:    gmail.NewFetcher(client, systemAddress),
		Store:     c.cfg.Store,
		Claimer:   c.cfg.Claimer,
		Publisher: c.cfg.Publisher,
		Metrics:   c.cfg.Metrics,
		Throttle:  c.cfg.Throttle,
	}), nil
}

// Authorizer returns an OAuth manager for the authorization-code flow. It
// only needs the client file; the refresh token it obtains is saved to the
// settings store.
func (c *Connector) Authorizer(ctx context.Context) (*oauth.Manager, error) {
	path, err := c.cfg.Settings.CredentialsPath(ctx)
	if err != nil {
		return nil, err
	}
	return c.manager(ctx, path, "")
}

func (c *Connector) manager(ctx context.Context, credentialsPath, refreshToken string) (*oauth.Manager, error) {
	local, err := c.cfg.Resolver.Resolve(ctx, credentialsPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return nil, fmt.Errorf("%w: read credentials file: %v", models.ErrNotConfigured, err)
	}

	oauthCfg, err := oauth.LoadConfig(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrNotConfigured, err)
	}

	return oauth.NewManager(oauthCfg, refreshToken,
		oauth.WithTokenSaver(c.cfg.Settings),
		oauth.WithTimeout(c.cfg.RequestTimeout),
	), nil
}
