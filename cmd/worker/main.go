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

// Help-desk Gmail worker
//
// Long-running process that polls the help-desk mailbox and turns unread
// mail into tickets. It:
//  1. Loads configuration from the environment, .env and config.yaml
//  2. Waits for PostgreSQL, then ensures the settings and ticket schemas
//  3. Connects to Redis for message claims and ticket events (optional)
//  4. Imports unread mail every polling interval, backing off on failure
//  5. Serves /metrics and /health when METRICS_ADDR is set
//  6. Stops cleanly on SIGTERM/SIGINT
//
// Usage:
//
//	go run ./cmd/worker/ [--once]
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesadeayuda/ingestion/internal/app"
	"github.com/mesadeayuda/ingestion/internal/config"
	"github.com/mesadeayuda/ingestion/internal/importer"
	"github.com/mesadeayuda/ingestion/internal/logging"
	"github.com/mesadeayuda/ingestion/internal/metrics"
	"github.com/mesadeayuda/ingestion/internal/worker"
)

func main() {
	var once bool

	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Poll the help-desk Gmail mailbox and import unread mail as tickets",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), once)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Run a single successful iteration and exit")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("gmail worker exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	closer, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	slog.Info("starting help-desk gmail worker", "once", once)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.MetricsAddr != "" {
		metrics.Serve(ctx, cfg.MetricsAddr, metrics.Handler(a.Registry, a.Checks()...))
	}

	state := &worker.RunState{}
	worker.InstallSignalHandler(state)

	w := worker.New(worker.Config{
		Enabled:    cfg.WorkerEnabled,
		Once:       once,
		DB:         a,
		Settings:   a,
		Metrics:    a.Metrics,
		Query:      importer.DefaultQuery,
		MaxResults: cfg.BatchSize,
		Ready:      a.Init,
		Connect: func(ctx context.Context) (worker.Importer, error) {
			im, err := a.Connect(ctx)
			if err != nil {
				return nil, err
			}
			return im, nil
		},
	}, state)

	err = w.Run(ctx)
	switch {
	case errors.Is(err, worker.ErrDisabled):
		slog.Error("set GMAIL_WORKER_ENABLED=true to run the worker")
	case errors.Is(err, worker.ErrDatabaseUnavailable):
		slog.Error("could not reach PostgreSQL", "database_url_set", cfg.DatabaseURL != "")
	}
	return err
}
