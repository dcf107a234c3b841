package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shopimg/shopimg/internal/model"
)

// ImageRepository wraps all product_images SQL used by the API and worker.
type ImageRepository struct {
	pool *pgxpool.Pool
}

// NewImageRepository constructs a repository.
func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

const imageColumns = `id, product_id, filename, path, sort_order, is_primary, status,
	file_size, mime_type, width, height, alt_text, metadata, error_message,
	uploaded_at, processed_at`

// Create inserts a record in the uploading state and fills in its id.
func (r *ImageRepository) Create(ctx context.Context, rec *model.ImageRecord) error {
	rec.Status = model.StatusUploading
	rec.UploadedAt = time.Now().UTC()
	meta, err := marshalMetadata(rec.Metadata)
	if err != nil {
		return err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO product_images
			(product_id, filename, path, sort_order, is_primary, status,
			 file_size, mime_type, width, height, alt_text, metadata, uploaded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING id
	`, rec.ProductID, rec.Filename, rec.Path, rec.SortOrder, rec.IsPrimary, rec.Status,
		rec.FileSize, nullString(rec.MimeType), nullInt(rec.Width), nullInt(rec.Height),
		nullString(rec.AltText), meta, rec.UploadedAt)
	if err := row.Scan(&rec.ID); err != nil {
		return fmt.Errorf("insert image: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *ImageRepository) Get(ctx context.Context, id int64) (*model.ImageRecord, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM product_images WHERE id=$1`, id)
	rec, err := scanImage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: image %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("select image: %w", err)
	}
	return rec, nil
}

// ListByProduct returns the product's records ordered by sort_order, id.
func (r *ImageRepository) ListByProduct(ctx context.Context, productID string) ([]*model.ImageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM product_images
		WHERE product_id=$1 ORDER BY sort_order, id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()
	return collectImages(rows)
}

// ListByStatus returns every record in the given status, oldest first.
func (r *ImageRepository) ListByStatus(ctx context.Context, status model.Status) ([]*model.ImageRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+imageColumns+` FROM product_images
		WHERE status=$1 ORDER BY uploaded_at, id
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list images by status: %w", err)
	}
	defer rows.Close()
	return collectImages(rows)
}

// CountByStatus returns how many records sit in each status.
func (r *ImageRepository) CountByStatus(ctx context.Context) (map[model.Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM product_images GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count images: %w", err)
	}
	defer rows.Close()
	out := make(map[model.Status]int)
	for rows.Next() {
		var status model.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[status] = count
	}
	return out, rows.Err()
}

// UpdateMeta updates alt text and/or sort order; nil fields are left as-is.
func (r *ImageRepository) UpdateMeta(ctx context.Context, id int64, altText *string, sortOrder *int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE product_images
		SET alt_text = COALESCE($1, alt_text),
			sort_order = COALESCE($2, sort_order)
		WHERE id=$3
	`, altText, sortOrder, id)
	if err != nil {
		return fmt.Errorf("update image meta: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	return nil
}

// SetPrimary flags the record and unflags its siblings in one transaction, so
// a product never ends up with two primaries.
func (r *ImageRepository) SetPrimary(ctx context.Context, id int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin set primary: %w", err)
	}
	defer tx.Rollback(ctx)

	var productID string
	if err := tx.QueryRow(ctx,
		`SELECT product_id FROM product_images WHERE id=$1 FOR UPDATE`, id,
	).Scan(&productID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: image %d", ErrNotFound, id)
		}
		return fmt.Errorf("select image for primary: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE product_images SET is_primary=FALSE
		WHERE product_id=$1 AND id<>$2 AND is_primary
	`, productID, id); err != nil {
		return fmt.Errorf("clear sibling primaries: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE product_images SET is_primary=TRUE WHERE id=$1`, id); err != nil {
		return fmt.Errorf("set primary: %w", err)
	}
	return tx.Commit(ctx)
}

// ClearPrimary unsets the flag on a single record.
func (r *ImageRepository) ClearPrimary(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE product_images SET is_primary=FALSE WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("clear primary: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	return nil
}

// MarkProcessing claims the record for a generation attempt. The conditional
// update is the advisory flag guaranteeing only one attempt is in flight.
func (r *ImageRepository) MarkProcessing(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE product_images SET status=$1 WHERE id=$2 AND status=$3
	`, model.StatusProcessing, id, model.StatusUploading)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// MarkReady completes the attempt and records when it finished.
func (r *ImageRepository) MarkReady(ctx context.Context, id int64, metadata map[string]string) error {
	meta, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE product_images
		SET status=$1, processed_at=$2, metadata=COALESCE($3, metadata), error_message=NULL
		WHERE id=$4 AND status=$5
	`, model.StatusReady, time.Now().UTC(), meta, id, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// MarkError fails the attempt and stores the message.
func (r *ImageRepository) MarkError(ctx context.Context, id int64, message string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE product_images SET status=$1, error_message=$2 WHERE id=$3 AND status=$4
	`, model.StatusError, message, id, model.StatusProcessing)
	if err != nil {
		return fmt.Errorf("mark error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// Reset re-enters the lifecycle for reprocessing.
func (r *ImageRepository) Reset(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE product_images
		SET status=$1, error_message=NULL, processed_at=NULL, metadata=NULL
		WHERE id=$2 AND status = ANY($3)
	`, model.StatusUploading, id, []string{string(model.StatusReady), string(model.StatusError)})
	if err != nil {
		return fmt.Errorf("reset image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.transitionConflict(ctx, id)
	}
	return nil
}

// Delete removes the record. Stored bytes are the caller's responsibility.
func (r *ImageRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM product_images WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete image: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: image %d", ErrNotFound, id)
	}
	return nil
}

// transitionConflict explains why a conditional status update matched no row.
func (r *ImageRepository) transitionConflict(ctx context.Context, id int64) error {
	var status model.Status
	err := r.pool.QueryRow(ctx,
		`SELECT status FROM product_images WHERE id=$1`, id).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: image %d", ErrNotFound, id)
		}
		return fmt.Errorf("inspect image status: %w", err)
	}
	if status == model.StatusProcessing {
		return fmt.Errorf("%w: image %d", ErrAlreadyProcessing, id)
	}
	return fmt.Errorf("%w: image %d is %s", ErrInvalidTransition, id, status)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(row rowScanner) (*model.ImageRecord, error) {
	var (
		rec         model.ImageRecord
		mimeType    sql.NullString
		width       sql.NullInt32
		height      sql.NullInt32
		altText     sql.NullString
		meta        []byte
		errMessage  sql.NullString
		processedAt sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.ProductID, &rec.Filename, &rec.Path, &rec.SortOrder,
		&rec.IsPrimary, &rec.Status, &rec.FileSize, &mimeType, &width, &height,
		&altText, &meta, &errMessage, &rec.UploadedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	rec.MimeType = mimeType.String
	rec.Width = int(width.Int32)
	rec.Height = int(height.Int32)
	rec.AltText = altText.String
	rec.ErrorMessage = errMessage.String
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode image metadata: %w", err)
		}
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	return &rec, nil
}

func collectImages(rows pgx.Rows) ([]*model.ImageRecord, error) {
	var out []*model.ImageRecord
	for rows.Next() {
		rec, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalMetadata(meta map[string]string) (*string, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode image metadata: %w", err)
	}
	s := string(data)
	return &s, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullInt(v int) *int {
	if v == 0 {
		return nil
	}
	return &v
}
