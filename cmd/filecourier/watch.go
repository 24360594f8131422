package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/lmoretti/filecourier/internal/courier"
)

const (
	// settlePollInterval and settleMaxWait bound how long watch waits
	// for a newly created file to stop growing before uploading it.
	settlePollInterval = 500 * time.Millisecond
	settleMaxWait      = 30 * time.Second
)

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir>",
		Short: "Upload files as they appear in a directory, one at a time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			return runWatch(cmd.Context(), a, args[0])
		},
	}
}

func runWatch(ctx context.Context, a *app, dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dir, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("stating %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}

	ep, err := a.resolveEndpoint()
	if err != nil {
		return err
	}
	if err := ep.Validate(); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(abs); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	overrides, err := courier.LoadMimeOverrides(a.cfg.MimeOverrides)
	if err != nil {
		return err
	}

	a.logger.Info("watching directory", slog.String("dir", abs))

	a.uploader.SetProgressSubscriber(func(id string, pct float64) {
		fmt.Printf("\r%s %3.0f%%", id, pct)
	})

	// Uploads run inline in the event loop: one at a time through the
	// single-flight orchestrator, by construction.
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}

			a.logger.Error("watcher error", slog.Any("error", err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if !event.Has(fsnotify.Create) {
				continue
			}

			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}

			if err := uploadWatched(ctx, a, ep, event.Name, overrides); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				a.logger.Warn("watched upload failed",
					slog.String("path", event.Name),
					slog.Any("error", err),
				)
			}
		}
	}
}

func uploadWatched(ctx context.Context, a *app, ep courier.Endpoint, path string, overrides map[string]string) error {
	size, err := waitForSettle(ctx, path)
	if err != nil {
		return err
	}

	name := filepath.Base(path)

	item := courier.FileItem{
		ID:          courier.NewLocalID(),
		Name:        name,
		MimeType:    courier.DetectMime(name, overrides),
		SizeBytes:   size,
		LocationRef: path,
		Status:      courier.StatusUploading,
		CreatedAt:   time.Now().UnixMilli(),
		Kind:        courier.KindSingle,
	}

	if err := a.state.PutItem(item); err != nil {
		return fmt.Errorf("recording item: %w", err)
	}

	if err := a.uploader.Begin(ctx, ep, item.ID); err != nil {
		fmt.Println()
		return err
	}
	fmt.Println()

	return reportOutcome(a, item.ID)
}

// waitForSettle polls until the file size is stable across two polls,
// so half-written files are not shipped. Directories and vanished
// files are skipped via an error.
func waitForSettle(ctx context.Context, path string) (int64, error) {
	var lastSize int64 = -1

	deadline := time.Now().Add(settleMaxWait)

	for {
		info, err := os.Stat(path)
		if err != nil {
			return 0, err
		}
		if info.IsDir() {
			return 0, fmt.Errorf("%s is a directory", path)
		}

		if info.Size() == lastSize {
			return info.Size(), nil
		}

		lastSize = info.Size()

		if time.Now().After(deadline) {
			return 0, fmt.Errorf("%s did not settle within %s", path, settleMaxWait)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(settlePollInterval):
		}
	}
}
