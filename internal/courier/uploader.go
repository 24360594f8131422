package courier

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/lmoretti/filecourier/internal/errors"
)

// Transport performs one cancelable upload exchange. *Client satisfies
// it; tests substitute a mock.
type Transport interface {
	Upload(ctx context.Context, ep Endpoint, payload PayloadSource, onProgress ProgressFunc) (Result, error)
}

// ItemStore is the shared item state consumed by the orchestrator. The
// store must provide atomic read-modify-write per id.
type ItemStore interface {
	GetItem(id string) (*FileItem, error)
	UpdateItem(id string, fn func(*FileItem)) error
}

// Uploader owns the single-flight invariant: at most one item is in
// flight system-wide. It drives the transport, throttles progress
// writes into the shared store, and classifies outcomes into terminal
// item states.
type Uploader struct {
	transport Transport
	store     ItemStore
	logger    *slog.Logger

	// guard is the single-flight lock. Weight 1; acquired at the start
	// of every attempt and released on every exit path.
	guard *semaphore.Weighted

	// gate throttles store-bound progress writes. Only the goroutine
	// holding the guard touches it.
	gate *Gate

	// onLocal is the unthrottled progress subscriber (the immediate,
	// caller-local display value). Optional.
	onLocal func(id string, pct float64)

	mu           sync.Mutex
	cancelActive context.CancelFunc
}

// NewUploader creates the orchestrator around a transport and an item
// store.
func NewUploader(transport Transport, store ItemStore, logger *slog.Logger) *Uploader {
	return &Uploader{
		transport: transport,
		store:     store,
		logger:    logger,
		guard:     semaphore.NewWeighted(1),
		gate:      NewGate(),
	}
}

// SetProgressSubscriber installs the unthrottled per-tick subscriber.
// Must be called before the first Begin.
func (u *Uploader) SetProgressSubscriber(fn func(id string, pct float64)) {
	u.onLocal = fn
}

// Begin drives the item with the given id to a terminal state. It
// returns ErrUploadInFlight, with no side effects, when another upload
// is active. Transport and server failures do not surface as errors
// here; they are recorded on the item as a failed state with a
// user-facing message.
func (u *Uploader) Begin(ctx context.Context, ep Endpoint, id string) error {
	return u.run(ctx, ep, id, false)
}

// Retry re-enters a failed or canceled item into a fresh attempt under
// the same id, resetting its progress to zero. Refused while another
// upload is active.
func (u *Uploader) Retry(ctx context.Context, ep Endpoint, id string) error {
	return u.run(ctx, ep, id, true)
}

// Cancel aborts the outstanding exchange, if any. Calling it after the
// attempt has resolved is a no-op.
func (u *Uploader) Cancel() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cancelActive != nil {
		u.cancelActive()
	}
}

func (u *Uploader) run(ctx context.Context, ep Endpoint, id string, retry bool) error {
	if !u.guard.TryAcquire(1) {
		return apperrors.ErrUploadInFlight
	}
	defer u.guard.Release(1)

	item, err := u.store.GetItem(id)
	if err != nil {
		return fmt.Errorf("loading item %s: %w", id, err)
	}
	if item == nil {
		return apperrors.ErrItemNotFound
	}

	if retry {
		if !item.Terminal() || item.Status == StatusUploaded {
			return apperrors.ErrNotRetryable
		}
	}

	// Fresh attempt: reset status, progress, and the throttle gate.
	u.gate.Reset()

	if err := u.store.UpdateItem(id, func(it *FileItem) {
		it.Status = StatusUploading
		it.Progress = 0
		it.LastError = ""
	}); err != nil {
		return fmt.Errorf("resetting item %s: %w", id, err)
	}

	if err := ep.Validate(); err != nil {
		u.fail(id, err.Error())
		return err
	}

	payload, err := u.payloadFor(item)
	if err != nil {
		u.fail(id, err.Error())
		return nil
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	u.mu.Lock()
	u.cancelActive = cancel
	u.mu.Unlock()

	defer func() {
		u.mu.Lock()
		u.cancelActive = nil
		u.mu.Unlock()
	}()

	u.logger.Info("upload starting",
		slog.String("id", id),
		slog.String("name", item.Name),
		slog.String("kind", string(item.Kind)),
		slog.Bool("retry", retry),
	)

	res, err := u.transport.Upload(attemptCtx, ep, payload, u.progressFanOut(id))
	if err != nil {
		// Preparation failure: no request was ever sent.
		u.fail(id, err.Error())
		return nil
	}

	switch {
	case res.Aborted:
		u.logger.Info("upload canceled", slog.String("id", id))
		u.finish(id, func(it *FileItem) {
			it.Status = StatusCanceled
		})
	case res.OK:
		u.succeed(id, *item, res)
	default:
		msg := classifyFailure(res)
		u.logger.Warn("upload failed", slog.String("id", id), slog.Int("status", res.Status), slog.String("error", msg))
		u.fail(id, msg)
	}

	return nil
}

// payloadFor selects the archive path or the raw file path depending on
// the item kind.
func (u *Uploader) payloadFor(item *FileItem) (PayloadSource, error) {
	if item.Kind == KindZip {
		if item.LocalStagingPath == "" {
			return PayloadSource{}, fmt.Errorf("archive for %s has already been cleaned up", item.Name)
		}

		return FilePayload(item.LocalStagingPath, item.Name, "application/zip"), nil
	}

	return FilePayload(item.LocationRef, item.Name, item.MimeType), nil
}

// progressFanOut builds the per-attempt progress callback: the local
// subscriber sees every tick, the store only what the gate admits. A
// terminal state racing in concurrently is never overwritten.
func (u *Uploader) progressFanOut(id string) ProgressFunc {
	return func(pct float64) {
		if u.onLocal != nil {
			u.onLocal(id, pct)
		}

		if !u.gate.Admit(pct, time.Now()) {
			return
		}

		_ = u.store.UpdateItem(id, func(it *FileItem) {
			if it.Status == StatusUploading && pct > it.Progress {
				it.Progress = pct
			}
		})
	}
}

// succeed adopts server-canonical metadata, releases the staged archive
// if any, and records the terminal uploaded state last.
func (u *Uploader) succeed(id string, item FileItem, res Result) {
	name := gjson.GetBytes(res.Payload, "file").String()
	mimeType := gjson.GetBytes(res.Payload, "mime").String()
	size := gjson.GetBytes(res.Payload, "size").Int()
	remoteURL := gjson.GetBytes(res.Payload, "url").String()

	if item.Kind == KindZip && item.LocalStagingPath != "" {
		// Cleanup failures must never prevent the success from being
		// recorded.
		if err := os.Remove(item.LocalStagingPath); err != nil && !os.IsNotExist(err) {
			u.logger.Warn("removing staged archive failed", slog.String("path", item.LocalStagingPath), slog.Any("error", err))
		}
	}

	u.logger.Info("upload succeeded",
		slog.String("id", id),
		slog.Int("status", res.Status),
		slog.String("url", remoteURL),
	)

	u.finish(id, func(it *FileItem) {
		it.Status = StatusUploaded
		it.Progress = 100
		it.LocalStagingPath = ""

		if name != "" {
			it.Name = name
		}
		if mimeType != "" {
			it.MimeType = mimeType
		}
		if size > 0 {
			it.SizeBytes = size
		}
		if remoteURL != "" {
			it.LocationRef = remoteURL
		}
	})
}

func (u *Uploader) fail(id, msg string) {
	u.finish(id, func(it *FileItem) {
		it.Status = StatusFailed
		it.LastError = msg
	})
}

// finish records a terminal state. It is always the last update for the
// attempt, issued after cleanup and adoption side effects.
func (u *Uploader) finish(id string, fn func(*FileItem)) {
	if err := u.store.UpdateItem(id, fn); err != nil {
		u.logger.Error("recording terminal state failed", slog.String("id", id), slog.Any("error", err))
	}
}

// classifyFailure turns a rejected exchange into an actionable
// user-facing message: known structured rejections first, then the
// server's own text, then a generic fallback.
func classifyFailure(res Result) string {
	switch res.Status {
	case http.StatusRequestEntityTooLarge:
		if limit := gjson.GetBytes(res.Payload, "limitHuman"); limit.Exists() && limit.String() != "" {
			return fmt.Sprintf("File too large (limit %s)", limit.String())
		}
	case http.StatusUnsupportedMediaType:
		if allowed := gjson.GetBytes(res.Payload, "allowed"); allowed.IsArray() {
			var types []string
			for _, t := range allowed.Array() {
				types = append(types, t.String())
			}

			if len(types) > 0 {
				return fmt.Sprintf("Unsupported type (allowed: %s)", strings.Join(types, ", "))
			}
		}
	}

	if res.ErrorMessage != "" {
		return res.ErrorMessage
	}

	return "Upload failed"
}
