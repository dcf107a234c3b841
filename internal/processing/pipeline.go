// Package processing runs variant generation for one image record at a time:
// claim the record, download the original, generate every size, persist them,
// and move the record to ready or error.
package processing

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/shopimg/shopimg/internal/cdn"
	"github.com/shopimg/shopimg/internal/model"
	"github.com/shopimg/shopimg/internal/repository"
	"github.com/shopimg/shopimg/internal/storage"
	"github.com/shopimg/shopimg/internal/variants"
)

// Pipeline owns one generation attempt end to end. Failures during an attempt
// are recorded on the record, not returned: by the time the worker runs, the
// upload request has long since completed.
type Pipeline struct {
	repo    repository.ImageStore
	backend storage.Backend
	gen     *variants.Generator
	cache   *cdn.Cache
}

// NewPipeline constructs a Pipeline.
func NewPipeline(repo repository.ImageStore, backend storage.Backend, gen *variants.Generator, cache *cdn.Cache) *Pipeline {
	return &Pipeline{repo: repo, backend: backend, gen: gen, cache: cache}
}

// Process runs one generation attempt for the record. The claim is atomic:
// if another attempt already holds the record, or the record is not in the
// uploading state, the call is a no-op.
func (p *Pipeline) Process(ctx context.Context, imageID int64) error {
	rec, err := p.repo.Get(ctx, imageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Printf("image %d vanished before processing", imageID)
			return nil
		}
		return err
	}

	if err := p.repo.MarkProcessing(ctx, imageID); err != nil {
		if errors.Is(err, repository.ErrAlreadyProcessing) || errors.Is(err, repository.ErrInvalidTransition) {
			log.Printf("skip processing image %d: %v", imageID, err)
			return nil
		}
		return err
	}

	fail := func(cause error) {
		log.Printf("processing image %d failed: %v", imageID, cause)
		if err := p.repo.MarkError(ctx, imageID, cause.Error()); err != nil {
			log.Printf("record error for image %d: %v", imageID, err)
		}
	}

	var data []byte
	err = retryOnce(func() error {
		var getErr error
		data, getErr = p.backend.Get(ctx, rec.Path)
		return getErr
	})
	if err != nil {
		fail(fmt.Errorf("fetch original: %w", err))
		return nil
	}

	set, err := p.gen.Generate(data, rec.MimeType)
	if err != nil {
		fail(err)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for size, v := range set {
		size, v := size, v
		g.Go(func() error {
			target := variants.Path(rec.Path, size)
			return retryOnce(func() error {
				return p.backend.Put(gctx, target, v.Data, v.ContentType)
			})
		})
	}
	if err := g.Wait(); err != nil {
		// Purge whatever this attempt managed to write so we never serve an
		// inconsistent set of sizes.
		p.purgeVariants(ctx, rec.Path)
		fail(fmt.Errorf("persist variants: %w", err))
		return nil
	}

	// Drop anything cached under this path; a reprocess may have replaced
	// the originals the cache was warmed from.
	p.cache.Invalidate(rec.Path)

	meta := make(map[string]string, len(set))
	for size := range set {
		meta[string(size)] = variants.Path(rec.Path, size)
	}
	if err := p.repo.MarkReady(ctx, imageID, meta); err != nil {
		return err
	}
	log.Printf("image %d processed (%d variants)", imageID, len(set))
	return nil
}

// Reprocess resets a ready or error record back to uploading, deletes its old
// variants and flushes the cache so stale bytes cannot be served. The caller
// dispatches the new attempt afterwards. A record currently processing yields
// repository.ErrAlreadyProcessing.
func (p *Pipeline) Reprocess(ctx context.Context, imageID int64) (*model.ImageRecord, error) {
	rec, err := p.repo.Get(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if err := p.repo.Reset(ctx, imageID); err != nil {
		return nil, err
	}
	p.purgeVariants(ctx, rec.Path)
	p.cache.Invalidate(rec.Path)
	return rec, nil
}

// Remove deletes the record together with its original, variants and cache
// entries.
func (p *Pipeline) Remove(ctx context.Context, imageID int64) error {
	rec, err := p.repo.Get(ctx, imageID)
	if err != nil {
		return err
	}
	p.purgeVariants(ctx, rec.Path)
	if err := p.backend.Delete(ctx, rec.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	p.cache.Invalidate(rec.Path)
	return p.repo.Delete(ctx, imageID)
}

// RemoveProductImages purges stored bytes and cache entries for every record
// of a product, ahead of the cascading row deletion.
func (p *Pipeline) RemoveProductImages(ctx context.Context, productID string) error {
	recs, err := p.repo.ListByProduct(ctx, productID)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		p.purgeVariants(ctx, rec.Path)
		if err := p.backend.Delete(ctx, rec.Path); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("delete original %s: %v", rec.Path, err)
		}
		p.cache.Invalidate(rec.Path)
	}
	return nil
}

// purgeVariants best-effort deletes every derived size for a path. Missing
// variants are fine; anything else is logged and skipped.
func (p *Pipeline) purgeVariants(ctx context.Context, path string) {
	for _, target := range variants.Paths(path) {
		if err := p.backend.Delete(ctx, target); err != nil && !errors.Is(err, storage.ErrNotFound) {
			log.Printf("purge variant %s: %v", target, err)
		}
	}
}

// retryOnce retries a storage operation a single time when the backend was
// unreachable. Anything else fails immediately.
func retryOnce(op func() error) error {
	err := op()
	if errors.Is(err, storage.ErrUnavailable) {
		return op()
	}
	return err
}
