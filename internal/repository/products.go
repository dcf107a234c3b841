package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopimg/shopimg/internal/model"
)

// ProductRepository wraps the minimal products SQL the image pipeline needs.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository constructs a repository.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

func (r *ProductRepository) CreateProduct(ctx context.Context, p *model.Product) error {
	p.CreatedAt = time.Now().UTC()
	_, err := r.pool.Exec(ctx,
		`INSERT INTO products (id, name, created_at) VALUES ($1,$2,$3)`,
		p.ID, p.Name, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r *ProductRepository) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	var p model.Product
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM products WHERE id=$1`, id,
	).Scan(&p.ID, &p.Name, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select product: %w", err)
	}
	return &p, nil
}

func (r *ProductRepository) ListProducts(ctx context.Context) ([]*model.Product, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, created_at FROM products ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()
	var out []*model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// DeleteProduct removes the product; image rows cascade via the FK. Stored
// bytes for the images must be removed by the caller before this.
func (r *ProductRepository) DeleteProduct(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM products WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	return nil
}
