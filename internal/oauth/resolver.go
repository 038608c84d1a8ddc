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

package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mesadeayuda/ingestion/internal/models"
)

// CacheMaxAge is how long a downloaded credentials file is reused.
const CacheMaxAge = time.Hour

// ErrCredentialsNotFound means the OAuth client file could not be located
// locally or in remote storage.
var ErrCredentialsNotFound = fmt.Errorf("%w: credentials file not found", models.ErrNotConfigured)

// storageKeyPrefixes mark paths that refer to remote storage.
var storageKeyPrefixes = []string{"config/", "credentials/", "storage/"}

// RemoteStore is the read side of the object store.
type RemoteStore interface {
	Enabled() bool
	Get(ctx context.Context, key string) ([]byte, error)
}

// Resolver turns a configured credentials path into a readable local file,
// downloading and caching it from remote storage when needed.
type Resolver struct {
	remote   RemoteStore
	cacheDir string
	maxAge   time.Duration
	now      func() time.Time
}

// NewResolver creates a resolver. remote may be nil.
func NewResolver(remote RemoteStore, cacheDir string) *Resolver {
	return &Resolver{
		remote:   remote,
		cacheDir: cacheDir,
		maxAge:   CacheMaxAge,
		now:      time.Now,
	}
}

// Resolve returns a local filesystem path for path.
func (r *Resolver) Resolve(ctx context.Context, path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", ErrCredentialsNotFound
	}

	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path, nil
	}

	if r.remote == nil || !r.remote.Enabled() || !looksLikeStorageKey(path) {
		return "", fmt.Errorf("%w: %s", ErrCredentialsNotFound, path)
	}

	cached := r.cachePath(path)
	if info, err := os.Stat(cached); err == nil && r.now().Sub(info.ModTime()) < r.maxAge {
		slog.Debug("using cached credentials file", "key", path, "cache", cached)
		return cached, nil
	}

	data, err := r.remote.Get(ctx, path)
	if err != nil {
		if _, statErr := os.Stat(cached); statErr == nil {
			slog.Warn("credentials download failed, using stale cache", "key", path, "error", err)
			return cached, nil
		}
		return "", fmt.Errorf("%w: %s: %v", ErrCredentialsNotFound, path, err)
	}

	if err := writeAtomic(cached, data); err != nil {
		return "", fmt.Errorf("cache credentials file: %w", err)
	}

	slog.Info("downloaded credentials file", "key", path, "cache", cached)
	return cached, nil
}

func (r *Resolver) cachePath(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(strings.TrimLeft(key, "/"))
	return filepath.Join(r.cacheDir, name)
}

func looksLikeStorageKey(path string) bool {
	for _, p := range storageKeyPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return !strings.HasPrefix(path, "/") && !filepath.IsAbs(path)
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
