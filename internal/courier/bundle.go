package courier

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	apperrors "github.com/lmoretti/filecourier/internal/errors"
)

const (
	// batchDirName and zipDirName are the two working areas under the
	// bundler's cache root: one transient staging directory per attempt,
	// and final archives awaiting upload or cleanup.
	batchDirName = "batches"
	zipDirName   = "zips"

	// workDirPerm is the permission mode for bundler working directories.
	workDirPerm = 0o700
)

// bundleStamp is the timestamp layout naming staging directories and
// archives: batch-YYYYMMDDHHMMSS, upload-YYYYMMDDHHMMSS.zip.
const bundleStamp = "20060102150405"

// SourceFile is one externally-picked file to fold into a bundle. Name
// is the display name to use inside the archive; when empty the path's
// base name is used.
type SourceFile struct {
	Path string
	Name string
}

// Bundle describes a finished archive ready for upload.
type Bundle struct {
	ArchivePath string
	ArchiveName string
	SizeBytes   int64
	Count       int
}

// Bundler turns N selected source files into exactly one compressed
// archive, reporting continuous progress across its two phases: staging
// copies (0-30) and archiving (30-100). At most one bundling operation
// may run per Bundler at a time; each invocation gets a private staging
// directory and its own progress emitter.
type Bundler struct {
	batchRoot string
	zipRoot   string
	logger    *slog.Logger
}

// NewBundler creates a bundler rooted at the given private cache
// directory.
func NewBundler(cacheDir string, logger *slog.Logger) *Bundler {
	return &Bundler{
		batchRoot: filepath.Join(cacheDir, batchDirName),
		zipRoot:   filepath.Join(cacheDir, zipDirName),
		logger:    logger,
	}
}

// Prepare stages a renamed copy of each source, compresses the staging
// directory into upload-<stamp>.zip, and removes the staging directory
// whether or not it succeeds. Per-file copy failures are tolerated as
// long as at least one copy lands; an empty selection, a fully failed
// copy phase, or an archiving failure aborts the whole operation.
func (b *Bundler) Prepare(ctx context.Context, sources []SourceFile, onProgress ProgressFunc) (*Bundle, error) {
	if len(sources) == 0 {
		return nil, apperrors.ErrEmptySelection
	}

	stamp := time.Now().Format(bundleStamp)
	batchDir := filepath.Join(b.batchRoot, "batch-"+stamp)

	if err := os.MkdirAll(batchDir, workDirPerm); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	// The staging directory is transient: remove it on every exit path.
	defer func() {
		if err := os.RemoveAll(batchDir); err != nil {
			b.logger.Warn("removing staging directory failed", slog.Any("error", err))
		}
	}()

	if err := os.MkdirAll(b.zipRoot, workDirPerm); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	phases := NewPhases(onProgress, 30, 70)

	staged, totalBytes, err := b.stage(ctx, sources, batchDir, phases)
	if err != nil {
		return nil, err
	}

	zipName := "upload-" + stamp + ".zip"
	zipPath := filepath.Join(b.zipRoot, zipName)

	if err := b.archive(ctx, batchDir, zipPath, totalBytes, phases); err != nil {
		// Best effort: do not leave a truncated archive behind.
		_ = os.Remove(zipPath)
		return nil, err
	}

	info, err := os.Stat(zipPath)
	if err != nil {
		return nil, fmt.Errorf("stating archive: %w", err)
	}

	phases.Done()

	b.logger.Info("bundle prepared",
		slog.String("archive", zipName),
		slog.Int("count", staged),
		slog.Int64("size_bytes", info.Size()),
	)

	return &Bundle{
		ArchivePath: zipPath,
		ArchiveName: zipName,
		SizeBytes:   info.Size(),
		Count:       staged,
	}, nil
}

// stage copies each source into the staging directory under a
// collision-free name, reporting phase-one progress per file. Returns
// the number of staged files and their cumulative size.
func (b *Bundler) stage(ctx context.Context, sources []SourceFile, batchDir string, phases *Phases) (int, int64, error) {
	usedNames := make(map[string]struct{})

	var (
		staged     int
		totalBytes int64
		lastErr    error
	)

	for _, src := range sources {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}

		name := src.Name
		if name == "" {
			name = filepath.Base(src.Path)
		}

		finalName := uniqueName(sanitizeFilename(name), usedNames)
		usedNames[finalName] = struct{}{}

		n, err := copyFile(src.Path, filepath.Join(batchDir, finalName))
		if err != nil {
			// Tolerated: the file is silently excluded from the bundle.
			b.logger.Warn("staging copy failed, skipping source",
				slog.String("path", src.Path),
				slog.Any("error", err),
			)

			lastErr = err

			continue
		}

		staged++
		totalBytes += n
		phases.Report(0, float64(staged)/float64(len(sources)))
	}

	if staged == 0 {
		return 0, 0, fmt.Errorf("%w: %w", apperrors.ErrAllCopiesFailed, lastErr)
	}

	return staged, totalBytes, nil
}

// archive compresses every file in the staging directory into a single
// zip, reporting phase-two progress against the total staged bytes.
func (b *Bundler) archive(ctx context.Context, batchDir, zipPath string, totalBytes int64, phases *Phases) error {
	out, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("creating archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	entries, err := os.ReadDir(batchDir)
	if err != nil {
		return fmt.Errorf("reading staging directory: %w", err)
	}

	var done int64

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if err := b.addEntry(ctx, zw, batchDir, entry.Name(), &done, totalBytes, phases); err != nil {
			zw.Close()
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}

	return nil
}

func (b *Bundler) addEntry(ctx context.Context, zw *zip.Writer, batchDir, name string, done *int64, totalBytes int64, phases *Phases) error {
	src, err := os.Open(filepath.Join(batchDir, name))
	if err != nil {
		return fmt.Errorf("opening staged file %s: %w", name, err)
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("adding %s to archive: %w", name, err)
	}

	counted := &progressReader{
		ctx:   ctx,
		r:     src,
		total: totalBytes,
		sent:  *done,
		fn: func(pct float64) {
			phases.Report(1, pct/100)
		},
	}

	if _, err := io.Copy(w, counted); err != nil {
		return fmt.Errorf("compressing %s: %w", name, err)
	}

	*done = counted.sent

	return nil
}

// copyFile copies src to dst, returning the number of bytes copied.
func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return 0, err
	}

	return n, out.Close()
}

var unsafeFilenameChars = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]`)

// sanitizeFilename strips characters that are unsafe in archive entry
// names and collapses runs of whitespace. Falls back to "file" when
// nothing printable remains.
func sanitizeFilename(name string) string {
	safe := unsafeFilenameChars.ReplaceAllString(name, "_")
	safe = strings.Join(strings.Fields(safe), " ")

	if safe == "" {
		return "file"
	}

	return safe
}

// uniqueName resolves destination name collisions by suffixing " (n)"
// before the extension.
func uniqueName(name string, used map[string]struct{}) string {
	if _, taken := used[name]; !taken {
		return name
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for counter := 1; ; counter++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, counter, ext)
		if _, taken := used[candidate]; !taken {
			return candidate
		}
	}
}
