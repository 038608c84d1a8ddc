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

// Help-desk Gmail import
//
// One-shot CLI that imports unread mail from the help-desk mailbox, plus
// the administrative steps that set the integration up:
//
//	go run ./cmd/import/ [--max 50] [--query is:unread]
//	go run ./cmd/import/ auth-url
//	go run ./cmd/import/ authorize --code <code>
//	go run ./cmd/import/ upload-credentials --file client_secret.json [--key credentials/gmail.json]
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mesadeayuda/ingestion/internal/app"
	"github.com/mesadeayuda/ingestion/internal/config"
	"github.com/mesadeayuda/ingestion/internal/importer"
	"github.com/mesadeayuda/ingestion/internal/logging"
	"github.com/mesadeayuda/ingestion/internal/models"
	"github.com/mesadeayuda/ingestion/internal/oauth"
	"github.com/mesadeayuda/ingestion/internal/settings"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		if errors.Is(err, models.ErrNotConfigured) {
			fmt.Fprintln(os.Stderr, "Gmail integration is not configured. Upload the OAuth client file and run 'authorize' first.")
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		max   int
		query string
	)

	root := &cobra.Command{
		Use:           "import",
		Short:         "Import unread mail from the help-desk Gmail mailbox",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if max <= 0 {
				return fmt.Errorf("--max must be positive, got %d", max)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return runImport(ctx, a, query, max)
			})
		},
	}
	root.Flags().IntVar(&max, "max", importer.DefaultMaxResults, "Maximum number of messages to import")
	root.Flags().StringVar(&query, "query", importer.DefaultQuery, "Gmail search query selecting messages")

	root.AddCommand(newAuthURLCommand(), newAuthorizeCommand(), newUploadCredentialsCommand())
	return root
}

func runImport(ctx context.Context, a *app.App, query string, max int) error {
	im, err := a.Connect(ctx)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := im.ImportEmails(ctx, query, max)
	if result != nil {
		fmt.Printf("Import finished in %s\n", time.Since(start).Round(time.Millisecond))
		fmt.Printf("  created:   %d\n", result.Created)
		fmt.Printf("  commented: %d\n", result.Commented)
		fmt.Printf("  skipped:   %d (ignored: %d)\n", result.Skipped, result.Ignored)
		fmt.Printf("  errors:    %d\n", result.Errors)
	}
	return err
}

func newAuthURLCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "auth-url",
		Short: "Print the Google consent URL for the help-desk mailbox",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mgr, err := a.Connector.Authorizer(ctx)
				if err != nil {
					return err
				}
				fmt.Println(mgr.AuthCodeURL(uuid.NewString()))
				return nil
			})
		},
	}
}

func newAuthorizeCommand() *cobra.Command {
	var code string

	cmd := &cobra.Command{
		Use:   "authorize",
		Short: "Exchange an authorization code and store the refresh token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				mgr, err := a.Connector.Authorizer(ctx)
				if err != nil {
					return err
				}
				if _, err := mgr.Authenticate(ctx, code); err != nil {
					return err
				}
				fmt.Println("Gmail authorization stored.")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "Authorization code returned by Google (required)")
	cmd.MarkFlagRequired("code")
	return cmd
}

func newUploadCredentialsCommand() *cobra.Command {
	var file, key string

	cmd := &cobra.Command{
		Use:   "upload-credentials",
		Short: "Upload the OAuth client file to object storage and use it for Gmail",
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			if _, err := oauth.LoadConfig(data); err != nil {
				return err
			}

			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !a.Objects.Enabled() {
					return errors.New("object storage is not configured (set S3_ENDPOINT)")
				}
				if err := a.Objects.Put(ctx, key, data, "application/json"); err != nil {
					return err
				}
				if err := a.Settings.Set(ctx, settings.KeyCredentialsPath, key); err != nil {
					return err
				}
				slog.Info("gmail credentials uploaded", "key", key)
				fmt.Printf("Credentials stored at %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Path to the OAuth client JSON downloaded from Google Cloud (required)")
	cmd.Flags().StringVar(&key, "key", "credentials/gmail.json", "Object key to store the file under")
	cmd.MarkFlagRequired("file")
	return cmd
}

// withApp loads configuration, connects and initialises the stores, then
// runs fn.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	closer, err := logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		return err
	}
	defer closer.Close()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Ping(ctx); err != nil {
		return fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	if err := a.Init(ctx); err != nil {
		return err
	}

	return fn(ctx, a)
}
