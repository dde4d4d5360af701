// Package files persists StoredFile metadata rows. A row is inserted only
// after the bytes are durable on the local tier and is immutable afterwards
// except for the soft-delete flag.
package files

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/dbx"
	"github.com/dkovalev/docvault/internal/models"
)

// PostgresRepository implements file metadata storage over a dbx.DBTX
// (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

// NewPostgresRepository constructs a repository bound to the given DBTX.
func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new file row. Exactly one row must be affected.
func (r *PostgresRepository) Create(ctx context.Context, file *models.StoredFile) error {
	query := `
		INSERT INTO files (id, checksum, original_name, mime_type, size_bytes, is_image,
			has_optimized_variant, optimized_size_bytes, optimized_format)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	res, err := r.db.ExecContext(ctx, query,
		file.ID, file.Checksum, file.OriginalName, file.MimeType, file.SizeBytes, file.IsImage,
		file.HasOptimizedVariant, file.OptimizedSizeBytes, file.OptimizedFormat)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("unexpected rows affected: %d", n)
	}
	return nil
}

// GetByID returns the file row for id, ErrNotFound when the row is absent
// or soft-deleted.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.StoredFile, error) {
	query := `
		SELECT id, checksum, original_name, mime_type, size_bytes, is_image,
			has_optimized_variant, optimized_size_bytes, optimized_format, deleted, created_at
		FROM files WHERE id = $1;
	`
	result := &models.StoredFile{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&result.ID, &result.Checksum, &result.OriginalName, &result.MimeType, &result.SizeBytes,
		&result.IsImage, &result.HasOptimizedVariant, &result.OptimizedSizeBytes,
		&result.OptimizedFormat, &result.Deleted, &result.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select file: %w", err)
	}
	if result.Deleted {
		return nil, common.ErrNotFound
	}
	return result, nil
}

// MarkDeleted sets the soft-delete flag. Physical bytes are untouched;
// purging is an administrative concern outside this core.
func (r *PostgresRepository) MarkDeleted(ctx context.Context, id string) error {
	query := `UPDATE files SET deleted = TRUE WHERE id = $1 AND NOT deleted;`
	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to mark deleted: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if ra != 1 {
		return common.ErrNotFound
	}
	return nil
}
