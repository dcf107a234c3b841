package repository

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopimg/shopimg/internal/model"
)

func newStoreWithProduct(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	if err := store.CreateProduct(context.Background(), &model.Product{ID: "sku-1", Name: "Widget"}); err != nil {
		t.Fatalf("CreateProduct: %v", err)
	}
	return store
}

func addImage(t *testing.T, store *MemoryStore, productID string, sortOrder int) *model.ImageRecord {
	t.Helper()
	rec := &model.ImageRecord{
		ProductID: productID,
		Filename:  "photo.jpg",
		Path:      "products/x/photo.jpg",
		SortOrder: sortOrder,
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithProduct(t)
	rec := addImage(t, store, "sku-1", 0)

	got, err := store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.StatusUploading {
		t.Fatalf("new record status = %s, want uploading", got.Status)
	}

	// Cannot complete or fail an attempt that never started.
	if err := store.MarkReady(ctx, rec.ID, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("MarkReady before processing: got %v, want ErrInvalidTransition", err)
	}

	if err := store.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	// A second claim must be rejected, not queued.
	if err := store.MarkProcessing(ctx, rec.ID); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("second MarkProcessing: got %v, want ErrAlreadyProcessing", err)
	}
	// Reprocess while processing is rejected too.
	if err := store.Reset(ctx, rec.ID); !errors.Is(err, ErrAlreadyProcessing) {
		t.Fatalf("Reset while processing: got %v, want ErrAlreadyProcessing", err)
	}

	if err := store.MarkReady(ctx, rec.ID, map[string]string{"thumb": "products/x/photo_thumb.jpg"}); err != nil {
		t.Fatalf("MarkReady: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != model.StatusReady {
		t.Fatalf("status = %s, want ready", got.Status)
	}
	if got.ProcessedAt == nil {
		t.Fatal("processed_at should be set once ready")
	}
	if got.Metadata["thumb"] == "" {
		t.Fatal("metadata should carry variant paths")
	}

	// ready -> uploading via reprocess clears per-attempt fields.
	if err := store.Reset(ctx, rec.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != model.StatusUploading || got.ProcessedAt != nil || got.Metadata != nil {
		t.Fatalf("Reset left stale fields: %+v", got)
	}

	if err := store.MarkProcessing(ctx, rec.ID); err != nil {
		t.Fatalf("MarkProcessing after reset: %v", err)
	}
	if err := store.MarkError(ctx, rec.ID, "decode failed"); err != nil {
		t.Fatalf("MarkError: %v", err)
	}
	got, _ = store.Get(ctx, rec.ID)
	if got.Status != model.StatusError || got.ErrorMessage != "decode failed" {
		t.Fatalf("error state not recorded: %+v", got)
	}
}

func TestSetPrimaryKeepsSingleFlag(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithProduct(t)
	a := addImage(t, store, "sku-1", 0)
	b := addImage(t, store, "sku-1", 1)

	if err := store.SetPrimary(ctx, a.ID); err != nil {
		t.Fatalf("SetPrimary(a): %v", err)
	}
	if err := store.SetPrimary(ctx, b.ID); err != nil {
		t.Fatalf("SetPrimary(b): %v", err)
	}

	recs, err := store.ListByProduct(ctx, "sku-1")
	if err != nil {
		t.Fatalf("ListByProduct: %v", err)
	}
	primaries := 0
	for _, rec := range recs {
		if rec.IsPrimary {
			primaries++
			if rec.ID != b.ID {
				t.Errorf("record %d is primary, want only %d", rec.ID, b.ID)
			}
		}
	}
	if primaries != 1 {
		t.Fatalf("primary count = %d, want 1", primaries)
	}
}

func TestSetPrimaryConcurrent(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithProduct(t)
	ids := make([]int64, 8)
	for i := range ids {
		ids[i] = addImage(t, store, "sku-1", i).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = store.SetPrimary(ctx, id)
		}()
	}
	wg.Wait()

	recs, _ := store.ListByProduct(ctx, "sku-1")
	primaries := 0
	for _, rec := range recs {
		if rec.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 {
		t.Fatalf("primary count after concurrent sets = %d, want 1", primaries)
	}
}

func TestEffectivePrimaryFallback(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithProduct(t)
	a := addImage(t, store, "sku-1", 2)
	b := addImage(t, store, "sku-1", 1)
	// Lowest sort order, but it never completes processing.
	addImage(t, store, "sku-1", 0)
	if err := store.MarkProcessing(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkReady(ctx, b.ID, nil); err != nil {
		t.Fatal(err)
	}

	recs, _ := store.ListByProduct(ctx, "sku-1")
	primary := EffectivePrimary(recs)
	if primary == nil || primary.ID != b.ID {
		t.Fatalf("EffectivePrimary picked %+v, want record %d", primary, b.ID)
	}

	// An explicit flag wins over the fallback even when not ready.
	if err := store.SetPrimary(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	recs, _ = store.ListByProduct(ctx, "sku-1")
	primary = EffectivePrimary(recs)
	if primary == nil || primary.ID != a.ID {
		t.Fatalf("EffectivePrimary picked %+v, want flagged record %d", primary, a.ID)
	}
}

func TestDeleteProductCascades(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithProduct(t)
	rec := addImage(t, store, "sku-1", 0)

	if err := store.DeleteProduct(ctx, "sku-1"); err != nil {
		t.Fatalf("DeleteProduct: %v", err)
	}
	if _, err := store.Get(ctx, rec.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("image should cascade with product, got %v", err)
	}
}

func TestListByProductOrdering(t *testing.T) {
	ctx := context.Background()
	store := newStoreWithProduct(t)
	addImage(t, store, "sku-1", 5)
	addImage(t, store, "sku-1", 1)
	addImage(t, store, "sku-1", 3)

	recs, err := store.ListByProduct(ctx, "sku-1")
	if err != nil {
		t.Fatalf("ListByProduct: %v", err)
	}
	for i := 1; i < len(recs); i++ {
		if recs[i-1].SortOrder > recs[i].SortOrder {
			t.Fatalf("records out of order: %d before %d", recs[i-1].SortOrder, recs[i].SortOrder)
		}
	}
}
