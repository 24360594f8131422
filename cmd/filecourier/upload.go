package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/lmoretti/filecourier/internal/courier"
)

func newUploadCmd(a *app) *cobra.Command {
	var bundle bool

	cmd := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload one file, or bundle several into a single ZIP and upload that",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cleanup, err := a.setup()
			if err != nil {
				return err
			}
			defer cleanup()

			return runUpload(cmd.Context(), a, args, bundle || len(args) > 1)
		},
	}

	cmd.Flags().BoolVar(&bundle, "bundle", false, "bundle even a single file into a ZIP archive")

	return cmd
}

func runUpload(ctx context.Context, a *app, paths []string, bundle bool) error {
	ep, err := a.resolveEndpoint()
	if err != nil {
		return err
	}

	var item courier.FileItem

	if bundle {
		item, err = prepareBundleItem(ctx, a, paths)
	} else {
		item, err = prepareSingleItem(a, paths[0])
	}
	if err != nil {
		return err
	}

	if err := a.state.PutItem(item); err != nil {
		return fmt.Errorf("recording item: %w", err)
	}

	a.uploader.SetProgressSubscriber(func(_ string, pct float64) {
		fmt.Printf("\ruploading… %3.0f%%", pct)
	})

	if err := a.uploader.Begin(ctx, ep, item.ID); err != nil {
		fmt.Println()
		return err
	}
	fmt.Println()

	return reportOutcome(a, item.ID)
}

// prepareSingleItem builds an item for a lone picked file, uploaded
// as-is.
func prepareSingleItem(a *app, path string) (courier.FileItem, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return courier.FileItem{}, fmt.Errorf("resolving %s: %w", path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return courier.FileItem{}, fmt.Errorf("stating %s: %w", path, err)
	}
	if info.IsDir() {
		return courier.FileItem{}, fmt.Errorf("%s is a directory; use multiple paths or --bundle", path)
	}

	overrides, err := courier.LoadMimeOverrides(a.cfg.MimeOverrides)
	if err != nil {
		return courier.FileItem{}, err
	}

	name := filepath.Base(abs)

	return courier.FileItem{
		ID:          courier.NewLocalID(),
		Name:        name,
		MimeType:    courier.DetectMime(name, overrides),
		SizeBytes:   info.Size(),
		LocationRef: abs,
		Status:      courier.StatusUploading,
		CreatedAt:   time.Now().UnixMilli(),
		Kind:        courier.KindSingle,
	}, nil
}

// prepareBundleItem stages and compresses the selection, then builds
// the item for the resulting archive.
func prepareBundleItem(ctx context.Context, a *app, paths []string) (courier.FileItem, error) {
	sources := make([]courier.SourceFile, 0, len(paths))

	for _, path := range paths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return courier.FileItem{}, fmt.Errorf("resolving %s: %w", path, err)
		}

		sources = append(sources, courier.SourceFile{Path: abs})
	}

	bundle, err := a.bundler.Prepare(ctx, sources, func(pct float64) {
		fmt.Printf("\rbundling…  %3.0f%%", pct)
	})
	fmt.Println()

	if err != nil {
		return courier.FileItem{}, fmt.Errorf("preparing bundle: %w", err)
	}

	return courier.FileItem{
		ID:               courier.NewLocalID(),
		Name:             bundle.ArchiveName,
		MimeType:         "application/zip",
		SizeBytes:        bundle.SizeBytes,
		LocationRef:      bundle.ArchivePath,
		Status:           courier.StatusUploading,
		CreatedAt:        time.Now().UnixMilli(),
		Kind:             courier.KindZip,
		BundleCount:      bundle.Count,
		LocalStagingPath: bundle.ArchivePath,
	}, nil
}

// reportOutcome prints the terminal state of the attempt and maps
// failure onto a non-zero exit.
func reportOutcome(a *app, id string) error {
	item, err := a.state.GetItem(id)
	if err != nil {
		return err
	}
	if item == nil {
		return errors.New("item vanished from the store")
	}

	switch item.Status {
	case courier.StatusUploaded:
		fmt.Printf("uploaded: %s\n", item.LocationRef)
		return nil
	case courier.StatusCanceled:
		fmt.Printf("canceled; retry with: filecourier retry %s\n", item.ID)
		return nil
	default:
		fmt.Printf("retry with: filecourier retry %s\n", item.ID)

		msg := item.LastError
		if msg == "" {
			msg = "upload failed"
		}

		return errors.New(msg)
	}
}
