// Package documents implements the synchronous upload path: validate and
// process the bytes, persist them on the local tier, then record the
// metadata and enqueue replication in one transaction.
package documents

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/dbx"
	"github.com/dkovalev/docvault/internal/logging"
	"github.com/dkovalev/docvault/internal/models"
	"github.com/dkovalev/docvault/internal/processing"
	"github.com/dkovalev/docvault/internal/repositories/repomanager"
	"github.com/dkovalev/docvault/internal/storage"
)

// NewFileID derives a file id from the content checksum plus a random
// suffix, so identical content uploaded twice still gets distinct ids.
func NewFileID(checksum string) string {
	return checksum[:16] + "-" + uuid.New().String()
}

// Upload is one incoming file.
type Upload struct {
	Name     string
	MimeType string
	Data     io.Reader
}

type Service struct {
	db        *sql.DB
	repos     repomanager.RepositoryManager
	processor *processing.Processor
	local     storage.Local
	logger    logging.Logger

	maxFilesPerRequest int
}

func NewService(
	db *sql.DB,
	repos repomanager.RepositoryManager,
	processor *processing.Processor,
	local storage.Local,
	maxFilesPerRequest int,
	logger logging.Logger,
) *Service {
	if maxFilesPerRequest <= 0 {
		maxFilesPerRequest = 10
	}
	return &Service{
		db:                 db,
		repos:              repos,
		processor:          processor,
		local:              local,
		logger:             logger.With("module", "documents"),
		maxFilesPerRequest: maxFilesPerRequest,
	}
}

// UploadOne processes and stores a single file. The caller gets a response
// only after the local tier write and the metadata transaction both
// succeeded; replication happens later, out of band.
func (s *Service) UploadOne(ctx context.Context, up Upload) (*models.StoredFile, error) {
	res, err := s.processor.Process(ctx, up.Data, up.Name, up.MimeType)
	if err != nil {
		return nil, err
	}

	id := NewFileID(res.Checksum)

	if _, err := s.local.Write(ctx, id, bytes.NewReader(res.Primary)); err != nil {
		return nil, fmt.Errorf("writing local object: %w", err)
	}
	if res.Original != nil {
		if _, err := s.local.Write(ctx, id+storage.OriginalVariantSuffix, bytes.NewReader(res.Original)); err != nil {
			s.cleanupObjects(ctx, id, false)
			return nil, fmt.Errorf("writing original variant: %w", err)
		}
	}

	file := &models.StoredFile{
		ID:                  id,
		Checksum:            res.Checksum,
		OriginalName:        up.Name,
		MimeType:            res.MimeType,
		SizeBytes:           res.SizeBytes,
		IsImage:             res.IsImage,
		HasOptimizedVariant: res.HasOptimizedVariant,
		OptimizedSizeBytes:  res.OptimizedSizeBytes,
		OptimizedFormat:     res.OptimizedFormat,
	}

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repos.Files(tx).Create(ctx, file); err != nil {
			return err
		}
		return s.repos.Replication(tx).Create(ctx, id, models.PriorityNormal)
	})
	if err != nil {
		// no metadata row may exist without its bytes and vice versa
		s.cleanupObjects(ctx, id, res.Original != nil)
		return nil, fmt.Errorf("recording upload: %w", err)
	}

	s.logger.Info(ctx, "file stored",
		"file_id", id,
		"name", up.Name,
		"size", res.SizeBytes,
		"optimized", res.HasOptimizedVariant)
	return file, nil
}

// UploadAll stores a batch of files, each in its own transaction. The
// count ceiling is checked before any bytes are processed; a mid-batch
// failure keeps the files already stored and reports the error.
func (s *Service) UploadAll(ctx context.Context, uploads []Upload) ([]*models.StoredFile, error) {
	if len(uploads) > s.maxFilesPerRequest {
		return nil, fmt.Errorf("%w: %d files, limit %d",
			common.ErrTooManyFiles, len(uploads), s.maxFilesPerRequest)
	}

	stored := make([]*models.StoredFile, 0, len(uploads))
	for _, up := range uploads {
		file, err := s.UploadOne(ctx, up)
		if err != nil {
			return stored, fmt.Errorf("uploading %q: %w", up.Name, err)
		}
		stored = append(stored, file)
	}
	return stored, nil
}

// Get returns the metadata of a stored, non-deleted file.
func (s *Service) Get(ctx context.Context, id string) (*models.StoredFile, error) {
	return s.repos.Files(s.db).GetByID(ctx, id)
}

// Delete soft-deletes a file. The bytes stay on both tiers; only
// visibility changes.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repos.Files(s.db).MarkDeleted(ctx, id); err != nil {
		return err
	}
	s.logger.Info(ctx, "file deleted", "file_id", id)
	return nil
}

func (s *Service) cleanupObjects(ctx context.Context, id string, withOriginal bool) {
	if err := s.local.Remove(ctx, id); err != nil {
		s.logger.Error(ctx, "cleaning up local object", "file_id", id, "error", err)
	}
	if withOriginal {
		if err := s.local.Remove(ctx, id+storage.OriginalVariantSuffix); err != nil {
			s.logger.Error(ctx, "cleaning up original variant", "file_id", id, "error", err)
		}
	}
}
