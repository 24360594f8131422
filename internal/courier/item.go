package courier

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the upload lifecycle state of a FileItem. Server-confirmed
// items are always StatusUploaded.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Kind distinguishes how an item came to exist.
type Kind string

const (
	// KindSingle is a lone picked file uploaded as-is.
	KindSingle Kind = "single"

	// KindZip is a locally produced archive bundling several picked files.
	KindZip Kind = "zip"

	// KindServer is an entry reported by the server listing.
	KindServer Kind = "server"
)

// serverIDPrefix prefixes ids of server-confirmed items so that repeated
// listings produce identical ids.
const serverIDPrefix = "srv_"

// FileItem is the unit of work and of display: one file either pending
// upload, in flight, or confirmed by the server.
type FileItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`

	// LocationRef is either a remote URL (server-confirmed) or a local
	// filesystem path (not yet confirmed).
	LocationRef string `json:"locationRef,omitempty"`

	Status   Status  `json:"status,omitempty"`
	Progress float64 `json:"progress,omitempty"`

	// CreatedAt is the epoch-millisecond ordering key. Listings are
	// always newest-first.
	CreatedAt int64 `json:"createdAt,omitempty"`

	Kind Kind `json:"kind,omitempty"`

	// BundleCount is the number of source files folded into the archive.
	// Populated only for KindZip.
	BundleCount int `json:"bundleCount,omitempty"`

	// LocalStagingPath points at the physical archive awaiting upload.
	// Its presence is the sole signal that a temporary file still needs
	// to be removed.
	LocalStagingPath string `json:"localStagingPath,omitempty"`

	// LastError carries the user-facing message of the most recent
	// failed attempt. Cleared when a new attempt begins.
	LastError string `json:"lastError,omitempty"`
}

// NewLocalID returns a client-generated item id: epoch milliseconds plus
// a random suffix, so ids stay unique even within the same millisecond.
func NewLocalID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("loc_%d_%s", time.Now().UnixMilli(), suffix)
}

// ServerID returns the deterministic id for a server-confirmed file, so
// that re-fetching the listing maps onto the same items.
func ServerID(name string) string {
	return serverIDPrefix + name
}

// Terminal reports whether no further progress updates can occur without
// an explicit new attempt.
func (f FileItem) Terminal() bool {
	switch f.Status {
	case StatusUploaded, StatusFailed, StatusCanceled:
		return true
	}

	return false
}

// Pending reports whether the item carries local information the server
// has not yet corroborated.
func (f FileItem) Pending() bool {
	switch f.Status {
	case StatusUploading, StatusFailed, StatusCanceled:
		return true
	}

	return false
}
