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

// Package metrics exposes Prometheus instrumentation for the importer and
// the worker loop. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mesadeayuda/ingestion/internal/models"
)

const namespace = "helpdesk_gmail"

// Message outcomes.
const (
	OutcomeCreated   = "created"
	OutcomeCommented = "commented"
	OutcomeSkipped   = "skipped"
	OutcomeIgnored   = "ignored"
	OutcomeError     = "error"
)

// Iteration outcomes.
const (
	IterationSuccess       = "success"
	IterationNotConfigured = "not_configured"
	IterationError         = "error"
)

// Metrics holds the collectors.
type Metrics struct {
	MessagesTotal     *prometheus.CounterVec
	IterationsTotal   *prometheus.CounterVec
	ConsecutiveErrors prometheus.Gauge
	LastImport        *prometheus.GaugeVec
	ImportDuration    prometheus.Histogram
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages processed by outcome.",
			},
			[]string{"outcome"},
		),
		IterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "worker_iterations_total",
				Help:      "Worker loop iterations by outcome.",
			},
			[]string{"outcome"},
		),
		ConsecutiveErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_consecutive_errors",
			Help:      "Failed iterations since the last success.",
		}),
		LastImport: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_import_messages",
				Help:      "Tallies of the most recent import pass.",
			},
			[]string{"outcome"},
		),
		ImportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "import_duration_seconds",
			Help:      "Duration of import passes.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
	}

	reg.MustRegister(m.MessagesTotal, m.IterationsTotal, m.ConsecutiveErrors, m.LastImport, m.ImportDuration)
	return m
}

// Message counts one processed message.
func (m *Metrics) Message(outcome string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(outcome).Inc()
}

// Iteration records a worker iteration and the current failure streak.
func (m *Metrics) Iteration(outcome string, consecutiveErrors int) {
	if m == nil {
		return
	}
	m.IterationsTotal.WithLabelValues(outcome).Inc()
	m.ConsecutiveErrors.Set(float64(consecutiveErrors))
}

// Import records the tallies and duration of a finished pass.
func (m *Metrics) Import(r *models.ImportResult, elapsed time.Duration) {
	if m == nil || r == nil {
		return
	}
	m.LastImport.WithLabelValues(OutcomeCreated).Set(float64(r.Created))
	m.LastImport.WithLabelValues(OutcomeCommented).Set(float64(r.Commented))
	m.LastImport.WithLabelValues(OutcomeSkipped).Set(float64(r.Skipped))
	m.LastImport.WithLabelValues(OutcomeIgnored).Set(float64(r.Ignored))
	m.LastImport.WithLabelValues(OutcomeError).Set(float64(r.Errors))
	m.ImportDuration.Observe(elapsed.Seconds())
}

// Checker is a dependency probe for /health.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handler serves /metrics from gatherer and /health from checks.
func Handler(gatherer prometheus.Gatherer, checks ...Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, c := range checks {
			if err := c.Check(r.Context()); err != nil {
				http.Error(w, c.Name+" unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})
	return mux
}

// Serve runs the metrics server until ctx is cancelled.
func Serve(ctx context.Context, addr string, handler http.Handler) {
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown error", "error", err)
		}
	}()

	go func() {
		slog.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}
