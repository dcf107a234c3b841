package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopimg/shopimg/internal/model"
)

// MemoryStore is an in-memory ImageStore + ProductStore guarded by a RWMutex.
// It enforces the same transition table and primary-flag invariant as the SQL
// implementation, which makes it a faithful stand-in for tests.
type MemoryStore struct {
	mu       sync.RWMutex
	nextID   int64
	images   map[int64]*model.ImageRecord
	products map[string]*model.Product
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:   1,
		images:   make(map[int64]*model.ImageRecord),
		products: make(map[string]*model.Product),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *model.ImageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = m.nextID
	m.nextID++
	rec.Status = model.StatusUploading
	rec.UploadedAt = time.Now().UTC()
	clone := *rec
	m.images[rec.ID] = &clone
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id int64) (*model.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.images[id]
	if !ok {
		return nil, fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	clone := *rec
	return &clone, nil
}

func (m *MemoryStore) ListByProduct(ctx context.Context, productID string) ([]*model.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ImageRecord
	for _, rec := range m.images {
		if rec.ProductID == productID {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SortOrder != out[j].SortOrder {
			return out[i].SortOrder < out[j].SortOrder
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) ListByStatus(ctx context.Context, status model.Status) ([]*model.ImageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.ImageRecord
	for _, rec := range m.images {
		if rec.Status == status {
			clone := *rec
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[model.Status]int)
	for _, rec := range m.images {
		out[rec.Status]++
	}
	return out, nil
}

func (m *MemoryStore) UpdateMeta(ctx context.Context, id int64, altText *string, sortOrder *int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	if altText != nil {
		rec.AltText = *altText
	}
	if sortOrder != nil {
		rec.SortOrder = *sortOrder
	}
	return nil
}

func (m *MemoryStore) SetPrimary(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	for _, other := range m.images {
		if other.ProductID == rec.ProductID && other.ID != id {
			other.IsPrimary = false
		}
	}
	rec.IsPrimary = true
	return nil
}

func (m *MemoryStore) ClearPrimary(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	rec.IsPrimary = false
	return nil
}

func (m *MemoryStore) MarkProcessing(ctx context.Context, id int64) error {
	return m.transition(id, model.StatusProcessing, func(rec *model.ImageRecord) {})
}

func (m *MemoryStore) MarkReady(ctx context.Context, id int64, metadata map[string]string) error {
	return m.transition(id, model.StatusReady, func(rec *model.ImageRecord) {
		now := time.Now().UTC()
		rec.ProcessedAt = &now
		rec.ErrorMessage = ""
		if len(metadata) > 0 {
			rec.Metadata = metadata
		}
	})
}

func (m *MemoryStore) MarkError(ctx context.Context, id int64, message string) error {
	return m.transition(id, model.StatusError, func(rec *model.ImageRecord) {
		rec.ErrorMessage = message
	})
}

func (m *MemoryStore) Reset(ctx context.Context, id int64) error {
	return m.transition(id, model.StatusUploading, func(rec *model.ImageRecord) {
		rec.ErrorMessage = ""
		rec.ProcessedAt = nil
		rec.Metadata = nil
	})
}

func (m *MemoryStore) transition(id int64, to model.Status, apply func(*model.ImageRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.images[id]
	if !ok {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	if !rec.Status.CanTransition(to) {
		if rec.Status == model.StatusProcessing {
			return fmt.Errorf("%w: image %d", ErrAlreadyProcessing, id)
		}
		return fmt.Errorf("%w: image %d is %s", ErrInvalidTransition, id, rec.Status)
	}
	rec.Status = to
	apply(rec)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	delete(m.images, id)
	return nil
}

func (m *MemoryStore) CreateProduct(ctx context.Context, p *model.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[p.ID]; ok {
		return fmt.Errorf("product %s already exists", p.ID)
	}
	p.CreatedAt = time.Now().UTC()
	clone := *p
	m.products[p.ID] = &clone
	return nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	clone := *p
	return &clone, nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]*model.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.Product, 0, len(m.products))
	for _, p := range m.products {
		clone := *p
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteProduct removes the product and cascades to its image records,
// mirroring the SQL foreign key.
func (m *MemoryStore) DeleteProduct(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[id]; !ok {
		return fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	delete(m.products, id)
	for imgID, rec := range m.images {
		if rec.ProductID == id {
			delete(m.images, imgID)
		}
	}
	return nil
}
