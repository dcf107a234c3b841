package processing

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopimg/shopimg/internal/cdn"
	"github.com/shopimg/shopimg/internal/model"
	"github.com/shopimg/shopimg/internal/repository"
	"github.com/shopimg/shopimg/internal/storage"
	"github.com/shopimg/shopimg/internal/variants"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func newPipeline(t *testing.T) (*Pipeline, *repository.MemoryStore, storage.Backend, *cdn.Cache) {
	t.Helper()
	repo := repository.NewMemoryStore()
	backend, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	cache := cdn.New(backend, 1<<20)
	return NewPipeline(repo, backend, variants.NewGenerator(), cache), repo, backend, cache
}

func uploadRecord(t *testing.T, ctx context.Context, repo *repository.MemoryStore, backend storage.Backend, path string, data []byte) *model.ImageRecord {
	t.Helper()
	if err := backend.Put(ctx, path, data, "image/jpeg"); err != nil {
		t.Fatalf("Put original: %v", err)
	}
	rec := &model.ImageRecord{
		ProductID: "prod-1",
		Filename:  "photo.jpg",
		Path:      path,
		MimeType:  "image/jpeg",
		FileSize:  int64(len(data)),
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestProcessProducesAllVariants(t *testing.T) {
	ctx := context.Background()
	p, repo, backend, _ := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 2000, 1500))

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("status = %s, want ready (error: %q)", got.Status, got.ErrorMessage)
	}
	if got.ProcessedAt == nil {
		t.Fatal("ProcessedAt not set")
	}
	for _, size := range variants.Sizes {
		target := variants.Path(rec.Path, size)
		ok, err := backend.Exists(ctx, target)
		if err != nil || !ok {
			t.Fatalf("variant %s missing (err=%v)", target, err)
		}
		if got.Metadata[string(size)] != target {
			t.Fatalf("metadata[%s] = %q, want %q", size, got.Metadata[string(size)], target)
		}
	}
}

func TestProcessCorruptOriginal(t *testing.T) {
	ctx := context.Background()
	p, repo, backend, _ := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/broken.jpg", []byte("definitely not a jpeg"))

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process should record the failure, not return it: %v", err)
	}

	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected an error message")
	}
	for _, target := range variants.Paths(rec.Path) {
		if ok, _ := backend.Exists(ctx, target); ok {
			t.Fatalf("leftover variant %s after failed generation", target)
		}
	}
}

func TestProcessSecondClaimIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, repo, backend, _ := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 300, 200))

	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	// Another attempt holds the claim; this one must back off silently.
	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusProcessing {
		t.Fatalf("status = %s, want processing untouched", got.Status)
	}
}

func TestProcessMissingRecord(t *testing.T) {
	ctx := context.Background()
	p, _, _, _ := newPipeline(t)
	if err := p.Process(ctx, 999); err != nil {
		t.Fatalf("missing record should be a no-op, got %v", err)
	}
}

func TestReprocessInvalidatesCache(t *testing.T) {
	ctx := context.Background()
	p, repo, backend, cache := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 800, 600))

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	stale, _, _, err := cache.Fetch(ctx, rec.Path, variants.Thumb)
	if err != nil {
		t.Fatalf("warm cache: %v", err)
	}

	if _, err := p.Reprocess(ctx, rec.ID); err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusUploading {
		t.Fatalf("status = %s, want uploading", got.Status)
	}

	// Replace the original with a visibly different image and run again; the
	// cache must serve the new bytes, not the stale ones.
	if err := backend.Put(ctx, rec.Path, encodeJPEG(t, 640, 480), "image/jpeg"); err != nil {
		t.Fatal(err)
	}
	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	fresh, _, hit, err := cache.Fetch(ctx, rec.Path, variants.Thumb)
	if err != nil {
		t.Fatalf("Fetch after reprocess: %v", err)
	}
	if hit {
		t.Fatal("fetch after invalidation should be a miss")
	}
	if bytes.Equal(stale, fresh) {
		t.Fatal("cache served stale variant bytes after reprocess")
	}
}

func TestReprocessWhileProcessingRejected(t *testing.T) {
	ctx := context.Background()
	p, repo, backend, _ := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 300, 200))

	if err := repo.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Reprocess(ctx, rec.ID); !errors.Is(err, repository.ErrAlreadyProcessing) {
		t.Fatalf("Reprocess during processing: got %v, want ErrAlreadyProcessing", err)
	}
}

func TestRemoveDeletesEverything(t *testing.T) {
	ctx := context.Background()
	p, repo, backend, _ := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 500, 400))

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	if err := p.Remove(ctx, rec.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := repo.Get(ctx, rec.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("record still present: %v", err)
	}
	for _, target := range append([]string{rec.Path}, variants.Paths(rec.Path)...) {
		if ok, _ := backend.Exists(ctx, target); ok {
			t.Fatalf("stored object %s survived Remove", target)
		}
	}
}

// flakyBackend injects transient or persistent unavailability on top of a real
// backend.
type flakyBackend struct {
	storage.Backend

	mu       sync.Mutex
	getFails int
	putFails int
	blockPut string
}

func (f *flakyBackend) Get(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	if f.getFails > 0 {
		f.getFails--
		f.mu.Unlock()
		return nil, storage.ErrUnavailable
	}
	f.mu.Unlock()
	return f.Backend.Get(ctx, path)
}

func (f *flakyBackend) Put(ctx context.Context, path string, data []byte, contentType string) error {
	f.mu.Lock()
	if path == f.blockPut {
		f.mu.Unlock()
		return storage.ErrUnavailable
	}
	if f.putFails > 0 {
		f.putFails--
		f.mu.Unlock()
		return storage.ErrUnavailable
	}
	f.mu.Unlock()
	return f.Backend.Put(ctx, path, data, contentType)
}

func newFlakyPipeline(t *testing.T) (*Pipeline, *repository.MemoryStore, *flakyBackend) {
	t.Helper()
	repo := repository.NewMemoryStore()
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	backend := &flakyBackend{Backend: local}
	cache := cdn.New(backend, 1<<20)
	return NewPipeline(repo, backend, variants.NewGenerator(), cache), repo, backend
}

func TestProcessRetriesTransientGet(t *testing.T) {
	ctx := context.Background()
	p, repo, backend := newFlakyPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 400, 300))

	backend.mu.Lock()
	backend.getFails = 1
	backend.mu.Unlock()

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("status = %s, want ready after one retried read (error: %q)", got.Status, got.ErrorMessage)
	}
}

func TestProcessRetriesTransientPut(t *testing.T) {
	ctx := context.Background()
	p, repo, backend := newFlakyPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 400, 300))

	backend.mu.Lock()
	backend.putFails = 1
	backend.mu.Unlock()

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusReady {
		t.Fatalf("status = %s, want ready after one retried write (error: %q)", got.Status, got.ErrorMessage)
	}
	for _, target := range variants.Paths(rec.Path) {
		if ok, _ := backend.Exists(ctx, target); !ok {
			t.Fatalf("variant %s missing after retried write", target)
		}
	}
}

func TestProcessPersistentPutFailure(t *testing.T) {
	ctx := context.Background()
	p, repo, backend := newFlakyPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 400, 300))

	// One variant write keeps failing past the retry; the attempt must fail
	// as a whole and leave no partial set behind.
	backend.mu.Lock()
	backend.blockPut = variants.Path(rec.Path, variants.Thumb)
	backend.mu.Unlock()

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process should record the failure, not return it: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "persist variants") {
		t.Fatalf("error message = %q", got.ErrorMessage)
	}
	for _, target := range variants.Paths(rec.Path) {
		if ok, _ := backend.Exists(ctx, target); ok {
			t.Fatalf("leftover variant %s after failed attempt", target)
		}
	}
}

func TestProcessPersistentGetFailure(t *testing.T) {
	ctx := context.Background()
	p, repo, backend := newFlakyPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 400, 300))

	backend.mu.Lock()
	backend.getFails = 2
	backend.mu.Unlock()

	if err := p.Process(ctx, rec.ID); err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, err := repo.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.StatusError {
		t.Fatalf("status = %s, want error after exhausted retries", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("expected an error message")
	}
}

func TestPoolDispatchProcesses(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p, repo, backend, _ := newPipeline(t)
	rec := uploadRecord(t, ctx, repo, backend, "products/ab/prod-1/photo.jpg", encodeJPEG(t, 300, 200))

	pool := NewPool(p, 2)
	pool.Start(ctx)
	if err := pool.Dispatch(ctx, rec.ID, rec.Path); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	deadline := make(chan struct{})
	go func() {
		for {
			got, err := repo.Get(ctx, rec.ID)
			if err == nil && got.Status == model.StatusReady {
				close(deadline)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	select {
	case <-deadline:
	case <-ctx.Done():
		t.Fatal("context cancelled before job finished")
	}

	cancel()
	pool.Wait()
}
