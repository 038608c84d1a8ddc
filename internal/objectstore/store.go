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

// Package objectstore reads and writes objects in the S3-compatible bucket
// where administrators upload the Gmail OAuth client file.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mesadeayuda/ingestion/internal/config"
)

// ErrNotFound is returned when the key does not exist in the bucket.
var ErrNotFound = errors.New("object not found")

// Store is a bucket-scoped object store. The zero value is disabled.
type Store struct {
	client *minio.Client
	bucket string
}

// New creates a store from configuration. An empty endpoint yields a
// disabled store, not an error.
func New(cfg config.ObjectStoreConfig) (*Store, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return &Store{}, nil
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	slog.Info("object store configured", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket)
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// Enabled reports whether remote storage is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.client != nil
}

// Get downloads the object at key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if !s.Enabled() {
		return nil, ErrNotFound
	}

	obj, err := s.client.GetObject(ctx, s.bucket, Key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("get", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, wrap("read", key, err)
	}
	return data, nil
}

// Put uploads data to key.
func (s *Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if !s.Enabled() {
		return errors.New("object store not configured")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, Key(key), bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return wrap("put", key, err)
	}
	return nil
}

// Key maps an application storage path to a bucket key. The web layer stores
// paths such as "storage/config/gmail.json"; the bucket has no "storage/"
// root.
func Key(path string) string {
	path = strings.TrimLeft(path, "/")
	return strings.TrimPrefix(path, "storage/")
}

func wrap(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}
