package courier

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	apperrors "github.com/lmoretti/filecourier/internal/errors"
)

// memStore is an in-memory ItemStore with the same read-modify-write
// contract as the persistent one: GetItem returns a copy, UpdateItem on
// an unknown id is a no-op.
type memStore struct {
	mu    sync.Mutex
	items map[string]FileItem
}

func newMemStore(items ...FileItem) *memStore {
	s := &memStore{items: make(map[string]FileItem)}
	for _, it := range items {
		s.items[it.ID] = it
	}

	return s
}

func (s *memStore) GetItem(id string) (*FileItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, nil
	}

	return &it, nil
}

func (s *memStore) UpdateItem(id string, fn func(*FileItem)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil
	}

	fn(&it)
	s.items[id] = it

	return nil
}

func (s *memStore) get(t *testing.T, id string) FileItem {
	t.Helper()

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	require.True(t, ok, "item %s not in store", id)

	return it
}

func validTestEndpoint() Endpoint {
	return Endpoint{BaseURL: "https://example.com", Username: "alice", AppPassword: "secret"}
}

func failedItem(id string) FileItem {
	return FileItem{
		ID:          id,
		Name:        "doc.pdf",
		MimeType:    "application/pdf",
		SizeBytes:   128,
		LocationRef: "/tmp/doc.pdf",
		Status:      StatusFailed,
		LastError:   "Network error",
		CreatedAt:   time.Now().UnixMilli(),
		Kind:        KindSingle,
	}
}

func TestUploader_BeginAdoptsServerMetadata(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := FileItem{
		ID:          "loc_1_aaaa",
		Name:        "photo.jpg",
		MimeType:    "image/jpeg",
		SizeBytes:   512,
		LocationRef: "/tmp/photo.jpg",
		Status:      StatusFailed,
		Kind:        KindSingle,
	}
	store := newMemStore(item)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), validTestEndpoint(), gomock.Any(), gomock.Any()).
		Return(Result{
			OK:      true,
			Status:  201,
			Payload: []byte(`{"file":"photo-1.jpg","mime":"image/jpeg","size":600,"url":"https://cdn.example/photo-1.jpg"}`),
		}, nil)

	u := NewUploader(transport, store, testLogger())

	require.NoError(t, u.Begin(context.Background(), validTestEndpoint(), item.ID))

	got := store.get(t, item.ID)
	assert.Equal(t, StatusUploaded, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	assert.Equal(t, "photo-1.jpg", got.Name)
	assert.Equal(t, int64(600), got.SizeBytes)
	assert.Equal(t, "https://cdn.example/photo-1.jpg", got.LocationRef)
	assert.Empty(t, got.LastError)
}

func TestUploader_SuccessWithoutMetadataKeepsLocalFields(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := failedItem("loc_2_bbbb")
	store := newMemStore(item)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(Result{OK: true, Status: 200, Payload: []byte(`ok`)}, nil)

	u := NewUploader(transport, store, testLogger())

	require.NoError(t, u.Begin(context.Background(), validTestEndpoint(), item.ID))

	got := store.get(t, item.ID)
	assert.Equal(t, StatusUploaded, got.Status)
	assert.Equal(t, "doc.pdf", got.Name)
	assert.Equal(t, int64(128), got.SizeBytes)
}

func TestUploader_SecondBeginRefusedWhileInFlight(t *testing.T) {
	ctrl := gomock.NewController(t)

	first := failedItem("loc_3_cccc")
	second := failedItem("loc_4_dddd")
	store := newMemStore(first, second)

	entered := make(chan struct{})
	release := make(chan struct{})

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, Endpoint, PayloadSource, ProgressFunc) (Result, error) {
			close(entered)
			<-release

			return Result{OK: true, Status: 200}, nil
		})

	u := NewUploader(transport, store, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- u.Begin(context.Background(), validTestEndpoint(), first.ID)
	}()

	<-entered

	err := u.Begin(context.Background(), validTestEndpoint(), second.ID)
	assert.ErrorIs(t, err, apperrors.ErrUploadInFlight)

	// The refused item was not touched.
	got := store.get(t, second.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "Network error", got.LastError)

	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, StatusUploaded, store.get(t, first.ID).Status)
}

func TestUploader_ZipSuccessReleasesStagedArchive(t *testing.T) {
	ctrl := gomock.NewController(t)

	archive := filepath.Join(t.TempDir(), "upload-20260828120000.zip")
	require.NoError(t, os.WriteFile(archive, []byte("zip bytes"), 0o600))

	item := FileItem{
		ID:               "loc_5_eeee",
		Name:             "upload-20260828120000.zip",
		MimeType:         "application/zip",
		Status:           StatusFailed,
		Kind:             KindZip,
		LocalStagingPath: archive,
	}
	store := newMemStore(item)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(Result{OK: true, Status: 200, Payload: []byte(`{}`)}, nil)

	u := NewUploader(transport, store, testLogger())

	require.NoError(t, u.Begin(context.Background(), validTestEndpoint(), item.ID))

	got := store.get(t, item.ID)
	assert.Equal(t, StatusUploaded, got.Status)
	assert.Empty(t, got.LocalStagingPath)

	_, err := os.Stat(archive)
	assert.True(t, os.IsNotExist(err))
}

func TestUploader_ZipWithoutArchiveFails(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := FileItem{
		ID:     "loc_6_ffff",
		Name:   "bundle.zip",
		Status: StatusFailed,
		Kind:   KindZip,
	}
	store := newMemStore(item)

	// The transport is never reached.
	u := NewUploader(NewMockTransport(ctrl), store, testLogger())

	require.NoError(t, u.Begin(context.Background(), validTestEndpoint(), item.ID))

	got := store.get(t, item.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "cleaned up")
}

func TestUploader_RejectionMessages(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{
			name: "too large with limit",
			res:  Result{Status: 413, Payload: []byte(`{"limitHuman":"20 MB"}`)},
			want: "File too large (limit 20 MB)",
		},
		{
			name: "unsupported type with allow list",
			res:  Result{Status: 415, Payload: []byte(`{"allowed":["image/jpeg","image/png"]}`)},
			want: "Unsupported type (allowed: image/jpeg, image/png)",
		},
		{
			name: "server message",
			res:  Result{Status: 500, ErrorMessage: "disk full"},
			want: "disk full",
		},
		{
			name: "too large without limit falls through to message",
			res:  Result{Status: 413, Payload: []byte(`{}`), ErrorMessage: "Payload Too Large"},
			want: "Payload Too Large",
		},
		{
			name: "nothing usable",
			res:  Result{Status: 502},
			want: "Upload failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)

			item := failedItem("loc_7_gggg")
			store := newMemStore(item)

			transport := NewMockTransport(ctrl)
			transport.EXPECT().
				Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
				Return(tt.res, nil)

			u := NewUploader(transport, store, testLogger())

			require.NoError(t, u.Begin(context.Background(), validTestEndpoint(), item.ID))

			got := store.get(t, item.ID)
			assert.Equal(t, StatusFailed, got.Status)
			assert.Equal(t, tt.want, got.LastError)
		})
	}
}

func TestUploader_CancelResolvesCanceled(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := failedItem("loc_8_hhhh")
	store := newMemStore(item)

	entered := make(chan struct{})

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ Endpoint, _ PayloadSource, _ ProgressFunc) (Result, error) {
			close(entered)
			<-ctx.Done()

			return Result{Aborted: true, ErrorMessage: "Aborted"}, nil
		})

	u := NewUploader(transport, store, testLogger())

	done := make(chan error, 1)
	go func() {
		done <- u.Begin(context.Background(), validTestEndpoint(), item.ID)
	}()

	<-entered
	u.Cancel()

	require.NoError(t, <-done)

	got := store.get(t, item.ID)
	assert.Equal(t, StatusCanceled, got.Status)
}

func TestUploader_CancelAfterResolveIsNoop(t *testing.T) {
	u := NewUploader(nil, newMemStore(), testLogger())

	// Nothing in flight: must not panic.
	u.Cancel()
}

func TestUploader_RetryResetsAndRuns(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := failedItem("loc_9_iiii")
	item.Progress = 42
	store := newMemStore(item)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(context.Context, Endpoint, PayloadSource, ProgressFunc) (Result, error) {
			// Mid-flight the item is back in the uploading state with
			// progress and error wiped.
			mid := store.get(t, "loc_9_iiii")
			assert.Equal(t, StatusUploading, mid.Status)
			assert.Equal(t, float64(0), mid.Progress)
			assert.Empty(t, mid.LastError)

			return Result{OK: true, Status: 200}, nil
		})

	u := NewUploader(transport, store, testLogger())

	require.NoError(t, u.Retry(context.Background(), validTestEndpoint(), item.ID))
	assert.Equal(t, StatusUploaded, store.get(t, item.ID).Status)
}

func TestUploader_RetryRefusesNonTerminalAndUploaded(t *testing.T) {
	ctrl := gomock.NewController(t)

	uploading := failedItem("loc_10_jjjj")
	uploading.Status = StatusUploading

	uploaded := failedItem("loc_11_kkkk")
	uploaded.Status = StatusUploaded

	store := newMemStore(uploading, uploaded)
	u := NewUploader(NewMockTransport(ctrl), store, testLogger())

	err := u.Retry(context.Background(), validTestEndpoint(), uploading.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotRetryable)

	err = u.Retry(context.Background(), validTestEndpoint(), uploaded.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotRetryable)
}

func TestUploader_RetryAllowsCanceled(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := failedItem("loc_12_llll")
	item.Status = StatusCanceled
	store := newMemStore(item)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		Return(Result{OK: true, Status: 200}, nil)

	u := NewUploader(transport, store, testLogger())

	require.NoError(t, u.Retry(context.Background(), validTestEndpoint(), item.ID))
	assert.Equal(t, StatusUploaded, store.get(t, item.ID).Status)
}

func TestUploader_MissingConfigurationFailsFast(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := failedItem("loc_13_mmmm")
	store := newMemStore(item)

	// No transport expectation: the request is never prepared.
	u := NewUploader(NewMockTransport(ctrl), store, testLogger())

	err := u.Begin(context.Background(), Endpoint{}, item.ID)
	assert.ErrorIs(t, err, apperrors.ErrMissingSiteURL)

	got := store.get(t, item.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)
}

func TestUploader_UnknownItem(t *testing.T) {
	ctrl := gomock.NewController(t)

	u := NewUploader(NewMockTransport(ctrl), newMemStore(), testLogger())

	err := u.Begin(context.Background(), validTestEndpoint(), "loc_0_none")
	assert.ErrorIs(t, err, apperrors.ErrItemNotFound)
}

func TestUploader_ProgressFanOut(t *testing.T) {
	ctrl := gomock.NewController(t)

	item := failedItem("loc_14_nnnn")
	store := newMemStore(item)

	transport := NewMockTransport(ctrl)
	transport.EXPECT().
		Upload(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ Endpoint, _ PayloadSource, onProgress ProgressFunc) (Result, error) {
			// Two ticks in quick succession: the gate admits the first
			// and suppresses the second.
			onProgress(10)
			onProgress(12)

			return Result{Status: 500, ErrorMessage: "disk full"}, nil
		})

	u := NewUploader(transport, store, testLogger())

	var local []float64
	u.SetProgressSubscriber(func(_ string, pct float64) {
		local = append(local, pct)
	})

	require.NoError(t, u.Begin(context.Background(), validTestEndpoint(), item.ID))

	// The local subscriber saw every tick.
	assert.Equal(t, []float64{10, 12}, local)

	// The store kept only the admitted one; failure does not rewind it.
	got := store.get(t, item.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, float64(10), got.Progress)
}
