package replication

import (
	"context"

	"github.com/dkovalev/docvault/internal/models"
)

type Repository interface {
	Create(ctx context.Context, fileID string, priority models.Priority) error
	Get(ctx context.Context, fileID string) (*models.ReplicationRecord, error)
	SelectCandidates(ctx context.Context, limit int, priorityFirst bool, maxRetries int) ([]*models.ReplicationRecord, error)
	Claim(ctx context.Context, fileID string) (bool, error)
	ForceClaim(ctx context.Context, fileID string) (bool, error)
	MarkSynced(ctx context.Context, fileID string) error
	MarkFailed(ctx context.Context, fileID string, lastError string, maxRetries int) error
	ResetRetries(ctx context.Context, fileID string) error
	SetPriority(ctx context.Context, fileID string, priority models.Priority) error
	QueueStatus(ctx context.Context) (*models.QueueStatus, error)
}
