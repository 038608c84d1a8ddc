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

package worker

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// RunState is the worker's process-lifetime state. Only the loop mutates
// the counters; the shutdown flag may be set from any goroutine.
type RunState struct {
	Iteration         int
	ConsecutiveErrors int

	shutdown  atomic.Bool
	once      sync.Once
	installed bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

// RequestShutdown asks the loop to stop and cancels the running pass, so
// an import in progress ends after its current call.
func (s *RunState) RequestShutdown() {
	s.shutdown.Store(true)

	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// bindCancel attaches the run context's cancel function. A shutdown that
// was already requested cancels immediately.
func (s *RunState) bindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.ShutdownRequested() {
		cancel()
	}
}

// ShutdownRequested reports whether a stop was requested.
func (s *RunState) ShutdownRequested() bool {
	return s.shutdown.Load()
}

// notify and stopNotify are signal.Notify and signal.Stop, replaceable in
// tests.
var (
	notify     = signal.Notify
	stopNotify = signal.Stop
)

// InstallSignalHandler makes the first SIGTERM or SIGINT request a
// shutdown. Later signals get the default behaviour, so a second Ctrl-C
// kills the process. Repeat calls are no-ops. If signal delivery cannot be set up the worker runs
// without it, and false is returned.
func InstallSignalHandler(state *RunState) bool {
	state.once.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Warn("signal handling unavailable, continuing without it", "error", r)
			}
		}()

		sigCh := make(chan os.Signal, 1)
		notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		state.installed = true

		go func() {
			sig := <-sigCh
			stopNotify(sigCh)
			slog.Info("received shutdown signal", "signal", sig.String())
			state.RequestShutdown()
		}()
	})
	return state.installed
}
