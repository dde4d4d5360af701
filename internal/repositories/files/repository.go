package files

import (
	"context"

	"github.com/dkovalev/docvault/internal/models"
)

type Repository interface {
	Create(ctx context.Context, file *models.StoredFile) error
	GetByID(ctx context.Context, id string) (*models.StoredFile, error)
	MarkDeleted(ctx context.Context, id string) error
}
