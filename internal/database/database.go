package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Connect opens a pgx connection pool using the provided DSN.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 8
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

// EnsureSchema creates the catalog tables if needed. Having the schema in
// code keeps the stack self-contained so docker-compose can bootstrap
// everything.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS product_images (
	id BIGSERIAL PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products(id) ON DELETE CASCADE,
	filename TEXT NOT NULL,
	path TEXT NOT NULL,
	sort_order INTEGER NOT NULL DEFAULT 0,
	is_primary BOOLEAN NOT NULL DEFAULT FALSE,
	status TEXT NOT NULL,
	file_size BIGINT NOT NULL DEFAULT 0,
	mime_type TEXT,
	width INTEGER,
	height INTEGER,
	alt_text TEXT,
	metadata JSONB,
	error_message TEXT,
	uploaded_at TIMESTAMPTZ NOT NULL,
	processed_at TIMESTAMPTZ,
	CONSTRAINT uq_product_image_path UNIQUE (product_id, path)
);
CREATE INDEX IF NOT EXISTS idx_product_images_product_id ON product_images(product_id);
CREATE INDEX IF NOT EXISTS idx_product_images_status ON product_images(status);`
	_, err := pool.Exec(ctx, stmt)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
