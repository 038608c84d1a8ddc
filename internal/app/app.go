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

// Package app wires the ingestion components together for the worker and
// the import CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/mesadeayuda/ingestion/internal/config"
	"github.com/mesadeayuda/ingestion/internal/dedup"
	"github.com/mesadeayuda/ingestion/internal/importer"
	"github.com/mesadeayuda/ingestion/internal/mailbox"
	"github.com/mesadeayuda/ingestion/internal/metrics"
	"github.com/mesadeayuda/ingestion/internal/oauth"
	"github.com/mesadeayuda/ingestion/internal/objectstore"
	"github.com/mesadeayuda/ingestion/internal/queue"
	"github.com/mesadeayuda/ingestion/internal/settings"
	"github.com/mesadeayuda/ingestion/internal/tickets"
)

// App holds the process-wide connections and stores. New opens nothing
// that needs the network; Init does, and must succeed before Connect.
type App struct {
	Config   *config.Config
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Objects  *objectstore.Store
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Settings  *settings.Store
	Tickets   *tickets.Store
	Claimer   *dedup.Claimer
	Publisher *queue.Publisher
	Connector *mailbox.Connector
}

// New creates the Postgres pool, the Redis client and the object store
// client. Connections are established lazily.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create Postgres pool: %w", err)
	}

	a := &App{Config: cfg, Pool: pool}

	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opt)
	}

	a.Objects, err = objectstore.New(cfg.ObjectStore)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	return a, nil
}

// Ping checks Postgres.
func (a *App) Ping(ctx context.Context) error {
	return a.Pool.Ping(ctx)
}

// Init ensures the schemas, builds the stores and checks Redis. A Redis
// outage is not fatal: imports then run without the claim and without
// events.
func (a *App) Init(ctx context.Context) error {
	cipher, err := settings.NewCipher(a.Config.AppKey)
	switch {
	case errors.Is(err, settings.ErrNoKey):
		slog.Warn("APP_KEY not set, stored Gmail tokens cannot be read")
		cipher = nil
	case err != nil:
		return err
	}

	if a.Settings, err = settings.NewStore(ctx, a.Pool, cipher, a.Config.CredentialsPath); err != nil {
		return err
	}
	if a.Tickets, err = tickets.NewStore(ctx, a.Pool); err != nil {
		return err
	}

	if a.Redis != nil {
		a.Publisher = queue.NewPublisher(a.Redis, a.Config.EventsQueue)
		if err := a.Publisher.Ping(ctx); err != nil {
			slog.Warn("redis unavailable, continuing without message claims and ticket events", "error", err)
			a.Publisher = nil
		} else {
			a.Claimer = dedup.NewClaimer(a.Redis, a.Config.ClaimTTL)
			slog.Info("connected to Redis")
		}
	}

	cc := mailbox.Config{
		Settings:       a.Settings,
		Resolver:       oauth.NewResolver(a.Objects, a.Config.CredentialCacheDir),
		Store:          a.Tickets,
		Metrics:        a.Metrics,
		RequestTimeout: a.Config.RequestTimeout,
		Throttle:       a.Config.ThrottleDelay,
	}
	// Only assign non-nil pointers; a typed nil in an interface is not nil.
	if a.Claimer != nil {
		cc.Claimer = a.Claimer
	}
	if a.Publisher != nil {
		cc.Publisher = a.Publisher
	}
	a.Connector = mailbox.NewConnector(cc)

	return nil
}

// Connect returns an importer for the configured mailbox.
func (a *App) Connect(ctx context.Context) (*importer.Importer, error) {
	if a.Connector == nil {
		return nil, errors.New("app not initialised")
	}
	return a.Connector.Connect(ctx)
}

// PollingInterval reads the polling interval setting, in minutes.
func (a *App) PollingInterval(ctx context.Context) int {
	if a.Settings == nil {
		return settings.DefaultPollingInterval
	}
	return a.Settings.PollingInterval(ctx)
}

// Checks returns the dependency probes for /health.
func (a *App) Checks() []metrics.Checker {
	checks := []metrics.Checker{{Name: "postgres", Check: a.Pool.Ping}}
	if a.Redis != nil {
		checks = append(checks, metrics.Checker{
			Name:  "redis",
			Check: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		})
	}
	return checks
}

// Close releases connections.
func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	a.Pool.Close()
}
