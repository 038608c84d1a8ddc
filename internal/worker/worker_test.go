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

package worker

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/mesadeayuda/ingestion/internal/models"
)

// --- Mock DB ---

type mockDB struct {
	failures int
	calls    int
}

func (m *mockDB) Ping(context.Context) error {
	m.calls++
	if m.calls <= m.failures {
		return errors.New("connection refused")
	}
	return nil
}

// --- Mock Settings ---

type fixedInterval int

func (f fixedInterval) PollingInterval(context.Context) int { return int(f) }

// --- Mock Importer ---

type mockImporter struct {
	calls    int
	query    string
	max      int
	failures int
}

func (m *mockImporter) ImportEmails(_ context.Context, query string, max int) (*models.ImportResult, error) {
	m.calls++
	m.query, m.max = query, max
	if m.calls <= m.failures {
		return nil, errors.New("gmail unavailable")
	}
	return &models.ImportResult{Created: 1}, nil
}

// newTestWorker returns a worker whose sleeps complete immediately and are
// totalled in *slept.
func newTestWorker(cfg Config, state *RunState, slept *time.Duration) *Worker {
	w := New(cfg, state)
	w.after = func(d time.Duration) <-chan time.Time {
		*slept += d
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	return w
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 60 * time.Second},
		{1, 60 * time.Second},
		{2, 120 * time.Second},
		{3, 240 * time.Second},
		{4, 480 * time.Second},
		{5, 600 * time.Second},
		{12, 600 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

// TestRun_Disabled verifies the worker refuses to start when switched off.
func TestRun_Disabled(t *testing.T) {
	var slept time.Duration
	w := newTestWorker(Config{Enabled: false, DB: &mockDB{}}, &RunState{}, &slept)

	if err := w.Run(context.Background()); !errors.Is(err, ErrDisabled) {
		t.Errorf("Run() error = %v, want ErrDisabled", err)
	}
}

// TestRun_DatabaseUnavailable verifies the startup probe gives up after all attempts.
func TestRun_DatabaseUnavailable(t *testing.T) {
	db := &mockDB{failures: 100}
	var slept time.Duration
	w := newTestWorker(Config{Enabled: true, DB: db}, &RunState{}, &slept)

	err := w.Run(context.Background())
	if !errors.Is(err, ErrDatabaseUnavailable) {
		t.Fatalf("Run() error = %v, want ErrDatabaseUnavailable", err)
	}
	if db.calls != DefaultDBAttempts {
		t.Errorf("ping calls = %d, want %d", db.calls, DefaultDBAttempts)
	}
	if want := time.Duration(DefaultDBAttempts-1) * DefaultDBRetryDelay; slept != want {
		t.Errorf("slept = %v, want %v", slept, want)
	}
}

// TestRun_OnceNotConfigured verifies an unconfigured integration is a clean,
// empty iteration.
func TestRun_OnceNotConfigured(t *testing.T) {
	state := &RunState{}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled:  true,
		Once:     true,
		DB:       &mockDB{failures: 2},
		Settings: fixedInterval(5),
		Connect: func(context.Context) (Importer, error) {
			return nil, models.ErrNotConfigured
		},
	}, state, &slept)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.Iteration != 1 {
		t.Errorf("Iteration = %d, want 1", state.Iteration)
	}
	if state.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", state.ConsecutiveErrors)
	}
}

// TestRun_AuthErrorTreatedAsNotConfigured verifies a revoked grant does not
// enter the backoff path.
func TestRun_AuthErrorTreatedAsNotConfigured(t *testing.T) {
	state := &RunState{}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		Once:    true,
		DB:      &mockDB{},
		Connect: func(context.Context) (Importer, error) {
			return nil, &models.AuthError{Op: "refresh", Err: errors.New("invalid_grant")}
		},
	}, state, &slept)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.Iteration != 1 || slept != 0 {
		t.Errorf("Iteration = %d, slept = %v, want 1 and 0", state.Iteration, slept)
	}
}

// TestRun_OnceImports verifies the default query and batch size are used.
func TestRun_OnceImports(t *testing.T) {
	im := &mockImporter{}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		Once:    true,
		DB:      &mockDB{},
		Connect: func(context.Context) (Importer, error) { return im, nil },
	}, &RunState{}, &slept)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if im.calls != 1 {
		t.Fatalf("import calls = %d, want 1", im.calls)
	}
	if im.query != "is:unread" || im.max != 50 {
		t.Errorf("ImportEmails(%q, %d), want (is:unread, 50)", im.query, im.max)
	}
}

// TestRun_BacksOffThenRecovers verifies failures grow the delay and a success
// resets the counter.
func TestRun_BacksOffThenRecovers(t *testing.T) {
	im := &mockImporter{failures: 2}
	state := &RunState{}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		Once:    true,
		DB:      &mockDB{},
		Connect: func(context.Context) (Importer, error) { return im, nil },
	}, state, &slept)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.Iteration != 3 {
		t.Errorf("Iteration = %d, want 3", state.Iteration)
	}
	if state.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", state.ConsecutiveErrors)
	}
	if want := 180 * time.Second; slept != want {
		t.Errorf("slept = %v, want %v", slept, want)
	}
}

// TestRun_ShutdownDuringSleep verifies a shutdown request ends the loop
// within one tick.
func TestRun_ShutdownDuringSleep(t *testing.T) {
	im := &mockImporter{}
	state := &RunState{}
	w := New(Config{
		Enabled:  true,
		DB:       &mockDB{},
		Settings: fixedInterval(0),
		Connect:  func(context.Context) (Importer, error) { return im, nil },
	}, state)

	var ticks int
	w.after = func(d time.Duration) <-chan time.Time {
		ticks++
		if d != time.Second {
			t.Errorf("tick = %v, want 1s", d)
		}
		if ticks == 3 {
			state.RequestShutdown()
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if im.calls != 1 {
		t.Errorf("import calls = %d, want 1", im.calls)
	}
	if ticks != 3 {
		t.Errorf("ticks = %d, want 3", ticks)
	}
}

// TestRun_ContextCancelled verifies cancellation stops the loop gracefully.
func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	im := &mockImporter{}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		DB:      &mockDB{},
		Connect: func(context.Context) (Importer, error) {
			cancel()
			return im, nil
		},
	}, &RunState{}, &slept)

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

// TestInstallSignalHandler_Degrades verifies a failing signal setup is
// survivable and the install is attempted once.
func TestInstallSignalHandler_Degrades(t *testing.T) {
	orig := notify
	defer func() { notify = orig }()

	calls := 0
	notify = func(chan<- os.Signal, ...os.Signal) {
		calls++
		panic("signals unsupported")
	}

	state := &RunState{}
	if InstallSignalHandler(state) {
		t.Error("InstallSignalHandler() = true, want false")
	}
	InstallSignalHandler(state)
	if calls != 1 {
		t.Errorf("notify calls = %d, want 1", calls)
	}
	if state.ShutdownRequested() {
		t.Error("ShutdownRequested() = true, want false")
	}
}

func TestInstallSignalHandler_Idempotent(t *testing.T) {
	orig := notify
	defer func() { notify = orig }()

	calls := 0
	notify = func(chan<- os.Signal, ...os.Signal) { calls++ }

	state := &RunState{}
	if !InstallSignalHandler(state) || !InstallSignalHandler(state) {
		t.Error("InstallSignalHandler() = false, want true")
	}
	if calls != 1 {
		t.Errorf("notify calls = %d, want 1", calls)
	}
}

// TestRun_ReadyFailureIsFatal verifies the startup hook runs before any
// iteration and its failure stops the worker.
func TestRun_ReadyFailureIsFatal(t *testing.T) {
	state := &RunState{}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		DB:      &mockDB{},
		Ready:   func(context.Context) error { return errors.New("schema") },
		Connect: func(context.Context) (Importer, error) {
			t.Error("Connect called after a failed Ready")
			return nil, nil
		},
	}, state, &slept)

	if err := w.Run(context.Background()); err == nil {
		t.Fatal("Run() error = nil, want error")
	}
	if state.Iteration != 0 {
		t.Errorf("Iteration = %d, want 0", state.Iteration)
	}
}

// --- Mock batch importer ---

// batchImporter walks a batch and, like the real importer, stops between
// messages once its context is done.
type batchImporter struct {
	state     *RunState
	batch     int
	stopAt    int
	processed int
}

func (b *batchImporter) ImportEmails(ctx context.Context, _ string, _ int) (*models.ImportResult, error) {
	result := &models.ImportResult{}
	for i := 1; i <= b.batch; i++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if i == b.stopAt {
			b.state.RequestShutdown()
		}
		b.processed++
		result.Created++
	}
	return result, nil
}

// TestRun_ShutdownInterruptsImport verifies a shutdown request cancels the
// pass in progress instead of letting the batch finish.
func TestRun_ShutdownInterruptsImport(t *testing.T) {
	state := &RunState{}
	im := &batchImporter{state: state, batch: 50, stopAt: 1}
	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		DB:      &mockDB{},
		Connect: func(context.Context) (Importer, error) { return im, nil },
	}, state, &slept)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if im.processed != 1 {
		t.Errorf("processed = %d, want 1", im.processed)
	}
	if state.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", state.ConsecutiveErrors)
	}
	if slept != 0 {
		t.Errorf("slept = %v, want 0", slept)
	}
}

// TestRun_ShutdownBeforeStart verifies a request made before Run stops it
// without any iteration.
func TestRun_ShutdownBeforeStart(t *testing.T) {
	state := &RunState{}
	state.RequestShutdown()

	var slept time.Duration
	w := newTestWorker(Config{
		Enabled: true,
		DB:      &mockDB{},
		Connect: func(context.Context) (Importer, error) {
			t.Error("Connect called after shutdown")
			return nil, nil
		},
	}, state, &slept)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.Iteration != 0 {
		t.Errorf("Iteration = %d, want 0", state.Iteration)
	}
}

// TestInstallSignalHandler_FirstSignalRestoresDefault verifies the first
// signal requests shutdown and unregisters the handler.
func TestInstallSignalHandler_FirstSignalRestoresDefault(t *testing.T) {
	origNotify, origStop := notify, stopNotify
	defer func() { notify, stopNotify = origNotify, origStop }()

	var registered chan<- os.Signal
	notify = func(c chan<- os.Signal, _ ...os.Signal) { registered = c }

	stopped := make(chan chan<- os.Signal, 1)
	stopNotify = func(c chan<- os.Signal) { stopped <- c }

	state := &RunState{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	state.bindCancel(cancel)

	if !InstallSignalHandler(state) {
		t.Fatal("InstallSignalHandler() = false, want true")
	}
	registered <- syscall.SIGINT

	select {
	case c := <-stopped:
		if c != registered {
			t.Error("signal.Stop called with a different channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not unregistered after the first signal")
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run context not cancelled by the signal")
	}
	if !state.ShutdownRequested() {
		t.Error("ShutdownRequested() = false, want true")
	}
}
