// Package repository is the persistence collaborator for image records and
// products. The pgx implementation is the production store; the in-memory
// implementation backs tests and single-binary demos.
package repository

import (
	"context"
	"errors"
	"sort"

	"github.com/shopimg/shopimg/internal/model"
)

var (
	// ErrNotFound means the record or product does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrInvalidTransition means the requested status change is not in the
	// transition table. This is a programming error at the call site.
	ErrInvalidTransition = errors.New("repository: invalid status transition")
	// ErrAlreadyProcessing means a generation attempt is already in flight
	// for the record; concurrent attempts are rejected, never queued.
	ErrAlreadyProcessing = errors.New("repository: record is already processing")
)

// ImageStore is the contract the pipeline and the HTTP boundary consume.
// Implementations guarantee the primary-flag invariant (at most one primary
// per product) is applied atomically.
type ImageStore interface {
	Create(ctx context.Context, rec *model.ImageRecord) error
	Get(ctx context.Context, id int64) (*model.ImageRecord, error)
	// ListByProduct orders by sort_order, then id.
	ListByProduct(ctx context.Context, productID string) ([]*model.ImageRecord, error)
	ListByStatus(ctx context.Context, status model.Status) ([]*model.ImageRecord, error)
	CountByStatus(ctx context.Context) (map[model.Status]int, error)

	UpdateMeta(ctx context.Context, id int64, altText *string, sortOrder *int) error
	// SetPrimary flags the record and, in the same atomic unit of work,
	// unflags every other record of the same product.
	SetPrimary(ctx context.Context, id int64) error
	ClearPrimary(ctx context.Context, id int64) error

	// MarkProcessing claims the record for a generation attempt
	// (uploading -> processing). A record already processing yields
	// ErrAlreadyProcessing; any other ineligible state yields
	// ErrInvalidTransition.
	MarkProcessing(ctx context.Context, id int64) error
	// MarkReady completes an attempt (processing -> ready), sets
	// processed_at and stores generation metadata.
	MarkReady(ctx context.Context, id int64, metadata map[string]string) error
	// MarkError fails an attempt (processing -> error) with a message.
	MarkError(ctx context.Context, id int64, message string) error
	// Reset re-enters the lifecycle for reprocessing
	// (ready|error -> uploading), clearing error, metadata and
	// processed_at while keeping identity and upload metadata.
	Reset(ctx context.Context, id int64) error

	Delete(ctx context.Context, id int64) error
}

// ProductStore is the minimal catalog surface the image pipeline needs.
type ProductStore interface {
	CreateProduct(ctx context.Context, p *model.Product) error
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	ListProducts(ctx context.Context) ([]*model.Product, error)
	// DeleteProduct cascades to the product's image records.
	DeleteProduct(ctx context.Context, id string) error
}

// EffectivePrimary resolves the display image for a product: the explicitly
// flagged record if present, otherwise the ready record with the lowest sort
// order. This is a read-time fallback, never stored.
func EffectivePrimary(recs []*model.ImageRecord) *model.ImageRecord {
	for _, rec := range recs {
		if rec.IsPrimary {
			return rec
		}
	}
	ready := make([]*model.ImageRecord, 0, len(recs))
	for _, rec := range recs {
		if rec.Status == model.StatusReady {
			ready = append(ready, rec)
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].SortOrder != ready[j].SortOrder {
			return ready[i].SortOrder < ready[j].SortOrder
		}
		return ready[i].ID < ready[j].ID
	})
	return ready[0]
}
