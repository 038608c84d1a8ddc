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

// Package worker runs the long-lived Gmail polling loop: wait for the
// database, import on an interval, back off on failure and stop cleanly on
// a shutdown signal.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mesadeayuda/ingestion/internal/importer"
	"github.com/mesadeayuda/ingestion/internal/metrics"
	"github.com/mesadeayuda/ingestion/internal/models"
)

const (
	// DefaultDBAttempts is how many times the database is probed at startup.
	DefaultDBAttempts = 10

	// DefaultDBRetryDelay separates database probes.
	DefaultDBRetryDelay = 5 * time.Second

	baseBackoff = 60 * time.Second
	maxBackoff  = 600 * time.Second

	// tick is the sleep granularity; shutdown takes effect within one tick.
	tick = time.Second
)

var (
	// ErrDisabled is returned when the worker is switched off by configuration.
	ErrDisabled = errors.New("gmail worker disabled")

	// ErrDatabaseUnavailable is returned when the startup probe gives up.
	ErrDatabaseUnavailable = errors.New("database unavailable")

	errStopped = errors.New("worker stopped")
)

// Pinger probes the backing database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// IntervalSource supplies the polling interval in minutes.
type IntervalSource interface {
	PollingInterval(ctx context.Context) int
}

// Importer runs one import pass.
type Importer interface {
	ImportEmails(ctx context.Context, query string, max int) (*models.ImportResult, error)
}

// ConnectFunc returns an importer for the current iteration.
type ConnectFunc func(ctx context.Context) (Importer, error)

// Config holds the worker's dependencies and knobs.
type Config struct {
	Enabled    bool
	Once       bool
	DB         Pinger
	Settings   IntervalSource
	Connect    ConnectFunc
	Metrics    *metrics.Metrics
	Query      string
	MaxResults int

	// Ready runs once after the database answers, before the first
	// iteration. An error from it is fatal.
	Ready func(ctx context.Context) error

	DBAttempts   int
	DBRetryDelay time.Duration
}

// Worker is the polling loop.
type Worker struct {
	cfg   Config
	state *RunState

	// after is time.After, replaceable in tests.
	after func(time.Duration) <-chan time.Time
}

// New creates a worker. state is shared with the signal handler.
func New(cfg Config, state *RunState) *Worker {
	if cfg.Query == "" {
		cfg.Query = importer.DefaultQuery
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = importer.DefaultMaxResults
	}
	if cfg.DBAttempts <= 0 {
		cfg.DBAttempts = DefaultDBAttempts
	}
	if cfg.DBRetryDelay <= 0 {
		cfg.DBRetryDelay = DefaultDBRetryDelay
	}
	return &Worker{cfg: cfg, state: state, after: time.After}
}

// Backoff returns the retry delay after n consecutive failures:
// 60s doubling per failure, capped at 600s.
func Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := baseBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Run executes the loop until shutdown, or after one successful iteration
// in run-once mode. It returns ErrDisabled or ErrDatabaseUnavailable for the
// fatal startup conditions and nil on a graceful stop.
func (w *Worker) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		slog.Error("gmail worker is disabled by configuration")
		return ErrDisabled
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.state.bindCancel(cancel)

	slog.Info("gmail worker starting", "once", w.cfg.Once, "query", w.cfg.Query, "max", w.cfg.MaxResults)

	if err := w.waitForDB(ctx); err != nil {
		if errors.Is(err, errStopped) {
			slog.Info("gmail worker stopped before the database was ready")
			return nil
		}
		return err
	}

	if w.cfg.Ready != nil {
		if err := w.cfg.Ready(ctx); err != nil {
			return fmt.Errorf("prepare worker: %w", err)
		}
	}

	for !w.stopping(ctx) {
		w.state.Iteration++
		interval := w.interval(ctx)

		if err := w.iterate(ctx); err != nil {
			if w.stopping(ctx) {
				break
			}
			w.state.ConsecutiveErrors++
			delay := Backoff(w.state.ConsecutiveErrors)
			w.cfg.Metrics.Iteration(metrics.IterationError, w.state.ConsecutiveErrors)

			slog.Error("gmail worker iteration failed",
				"iteration", w.state.Iteration,
				"consecutive_errors", w.state.ConsecutiveErrors,
				"retry_in", delay,
				"error", err,
			)
			w.sleep(ctx, delay)
			continue
		}

		w.state.ConsecutiveErrors = 0

		if w.cfg.Once {
			break
		}

		slog.Debug("gmail worker sleeping", "iteration", w.state.Iteration, "interval_minutes", interval)
		w.sleep(ctx, time.Duration(interval)*time.Minute)
	}

	slog.Info("gmail worker stopped", "iterations", w.state.Iteration)
	return nil
}

// iterate runs a single import iteration. An unconfigured integration is a
// successful, empty iteration.
func (w *Worker) iterate(ctx context.Context) error {
	im, err := w.cfg.Connect(ctx)
	switch {
	case errors.Is(err, models.ErrNotConfigured):
		slog.Warn("gmail integration not configured, skipping import",
			"iteration", w.state.Iteration,
			"reason", err,
		)
		w.cfg.Metrics.Iteration(metrics.IterationNotConfigured, 0)
		return nil
	case models.IsAuthError(err):
		// A rejected refresh token needs an administrator to re-authorize;
		// retrying with backoff cannot fix it.
		slog.Error("gmail authorization rejected, treating integration as not configured",
			"iteration", w.state.Iteration,
			"error", err,
		)
		w.cfg.Metrics.Iteration(metrics.IterationNotConfigured, 0)
		return nil
	case err != nil:
		return err
	}

	result, err := im.ImportEmails(ctx, w.cfg.Query, w.cfg.MaxResults)
	if err != nil {
		return err
	}

	w.cfg.Metrics.Iteration(metrics.IterationSuccess, 0)
	slog.Info("gmail worker iteration complete",
		"iteration", w.state.Iteration,
		"created", result.Created,
		"commented", result.Commented,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return nil
}

// interval reads the polling interval, never less than one minute.
func (w *Worker) interval(ctx context.Context) int {
	if w.cfg.Settings == nil {
		return 5
	}
	return max(1, w.cfg.Settings.PollingInterval(ctx))
}

// waitForDB probes the database until it answers or attempts run out.
func (w *Worker) waitForDB(ctx context.Context) error {
	for attempt := 1; attempt <= w.cfg.DBAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, w.cfg.DBRetryDelay)
		err := w.cfg.DB.Ping(pingCtx)
		cancel()
		if err == nil {
			slog.Info("database is ready", "attempt", attempt)
			return nil
		}

		slog.Warn("database not ready",
			"attempt", attempt,
			"max_attempts", w.cfg.DBAttempts,
			"error", err,
		)

		if attempt < w.cfg.DBAttempts && !w.sleep(ctx, w.cfg.DBRetryDelay) {
			return errStopped
		}
	}

	slog.Error("database still unavailable, giving up", "attempts", w.cfg.DBAttempts)
	return ErrDatabaseUnavailable
}

// sleep waits d in one-second ticks, returning false if a shutdown arrived.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	for remaining := d; remaining > 0; remaining -= tick {
		if w.stopping(ctx) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-w.after(min(tick, remaining)):
		}
	}
	return !w.stopping(ctx)
}

func (w *Worker) stopping(ctx context.Context) bool {
	return w.state.ShutdownRequested() || ctx.Err() != nil
}
