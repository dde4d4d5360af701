// Package replication persists the per-file synchronization state machine
// backing the replication queue. The replication_records table is the single
// source of truth; every transition is a conditional UPDATE so correctness
// holds with multiple workers on separate connections.
package replication

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/dbx"
	"github.com/dkovalev/docvault/internal/models"
)

// PostgresRepository implements replication state storage over a dbx.DBTX.
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the PENDING record for a freshly stored file.
func (r *PostgresRepository) Create(ctx context.Context, fileID string, priority models.Priority) error {
	query := `
		INSERT INTO replication_records (file_id, status, priority)
		VALUES ($1, 'PENDING', $2);
	`
	if _, err := r.db.ExecContext(ctx, query, fileID, int(priority)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Get returns the record for fileID, ErrNotFound when absent.
func (r *PostgresRepository) Get(ctx context.Context, fileID string) (*models.ReplicationRecord, error) {
	query := `
		SELECT file_id, status, priority, attempts, last_error, updated_at
		FROM replication_records WHERE file_id = $1;
	`
	rec := &models.ReplicationRecord{}
	var priority int
	err := r.db.QueryRowContext(ctx, query, fileID).Scan(
		&rec.FileID, &rec.Status, &priority, &rec.Attempts, &rec.LastError, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select record: %w", err)
	}
	rec.Priority = models.Priority(priority)
	return rec, nil
}

// SelectCandidates returns up to limit PENDING records eligible for a
// transfer attempt (attempts < maxRetries), ordered by priority (when
// priorityFirst) and then by oldest updated_at, so low-priority items are
// still drained once higher tiers are exhausted.
func (r *PostgresRepository) SelectCandidates(ctx context.Context, limit int, priorityFirst bool, maxRetries int) ([]*models.ReplicationRecord, error) {
	order := `updated_at ASC`
	if priorityFirst {
		order = `priority DESC, updated_at ASC`
	}
	query := fmt.Sprintf(`
		SELECT file_id, status, priority, attempts, last_error, updated_at
		FROM replication_records
		WHERE status = 'PENDING' AND attempts < $2
		ORDER BY %s
		LIMIT $1;
	`, order)

	rows, err := r.db.QueryContext(ctx, query, limit, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("failed to select candidates: %w", err)
	}
	defer rows.Close()

	var result []*models.ReplicationRecord
	for rows.Next() {
		rec := &models.ReplicationRecord{}
		var priority int
		if err := rows.Scan(&rec.FileID, &rec.Status, &priority, &rec.Attempts, &rec.LastError, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Priority = models.Priority(priority)
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Claim atomically transitions a PENDING record to IN_PROGRESS. The WHERE
// clause is the compare-and-set: zero affected rows means another worker
// owns the record (or it left PENDING since selection), and the caller must
// skip it.
func (r *PostgresRepository) Claim(ctx context.Context, fileID string) (bool, error) {
	return r.claim(ctx, fileID, `status = 'PENDING'`)
}

// ForceClaim is the operator variant of Claim: it additionally accepts
// FAILED records, so a forced sync can re-attempt a terminally failed file.
// The periodic batch path never uses it.
func (r *PostgresRepository) ForceClaim(ctx context.Context, fileID string) (bool, error) {
	return r.claim(ctx, fileID, `status IN ('PENDING', 'FAILED')`)
}

func (r *PostgresRepository) claim(ctx context.Context, fileID string, cond string) (bool, error) {
	query := fmt.Sprintf(`
		UPDATE replication_records
		SET status = 'IN_PROGRESS', updated_at = now()
		WHERE file_id = $1 AND %s;
	`, cond)
	res, err := r.db.ExecContext(ctx, query, fileID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

// MarkSynced completes a successful, checksum-verified transfer.
func (r *PostgresRepository) MarkSynced(ctx context.Context, fileID string) error {
	query := `
		UPDATE replication_records
		SET status = 'SYNCED', last_error = '', updated_at = now()
		WHERE file_id = $1 AND status = 'IN_PROGRESS';
	`
	res, err := r.db.ExecContext(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("record %s not in progress", fileID)
	}
	return nil
}

// MarkFailed records a failed transfer attempt: attempts is incremented,
// the record returns to PENDING, or to FAILED once attempts reached
// maxRetries.
func (r *PostgresRepository) MarkFailed(ctx context.Context, fileID string, lastError string, maxRetries int) error {
	query := `
		UPDATE replication_records
		SET attempts = attempts + 1,
			status = CASE WHEN attempts + 1 >= $2 THEN 'FAILED' ELSE 'PENDING' END,
			last_error = $3,
			updated_at = now()
		WHERE file_id = $1 AND status = 'IN_PROGRESS';
	`
	res, err := r.db.ExecContext(ctx, query, fileID, maxRetries, lastError)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("record %s not in progress", fileID)
	}
	return nil
}

// ResetRetries returns a record to PENDING with a clean attempt counter.
// A record that is currently transferring cannot be reset.
func (r *PostgresRepository) ResetRetries(ctx context.Context, fileID string) error {
	query := `
		UPDATE replication_records
		SET status = 'PENDING', attempts = 0, last_error = '', updated_at = now()
		WHERE file_id = $1 AND status <> 'IN_PROGRESS';
	`
	res, err := r.db.ExecContext(ctx, query, fileID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := r.Get(ctx, fileID); err != nil {
		return err
	}
	return common.ErrTransferInProgress
}

// SetPriority updates the operator-assigned priority. The status and
// updated_at are untouched so the record keeps its position in the
// FIFO-within-priority ordering.
func (r *PostgresRepository) SetPriority(ctx context.Context, fileID string, priority models.Priority) error {
	query := `UPDATE replication_records SET priority = $2 WHERE file_id = $1;`
	res, err := r.db.ExecContext(ctx, query, fileID, int(priority))
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected error: %w", err)
	}
	if n != 1 {
		return common.ErrNotFound
	}
	return nil
}

// QueueStatus aggregates counts by status and priority, the oldest pending
// timestamp and the list of FAILED records with their last errors.
func (r *PostgresRepository) QueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	status := &models.QueueStatus{
		ByStatus:          map[models.SyncStatus]int{},
		PendingByPriority: map[models.Priority]int{},
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM replication_records GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		status.ByStatus[models.SyncStatus(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	prows, err := r.db.QueryContext(ctx,
		`SELECT priority, COUNT(*) FROM replication_records WHERE status = 'PENDING' GROUP BY priority;`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by priority: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var p, n int
		if err := prows.Scan(&p, &n); err != nil {
			return nil, err
		}
		status.PendingByPriority[models.Priority(p)] = n
	}
	if err := prows.Err(); err != nil {
		return nil, err
	}

	var oldest sql.NullTime
	err = r.db.QueryRowContext(ctx,
		`SELECT MIN(updated_at) FROM replication_records WHERE status = 'PENDING';`).Scan(&oldest)
	if err != nil {
		return nil, fmt.Errorf("failed to select oldest pending: %w", err)
	}
	if oldest.Valid {
		t := oldest.Time
		status.OldestPending = &t
	}

	frows, err := r.db.QueryContext(ctx, `
		SELECT file_id, last_error, attempts, updated_at
		FROM replication_records WHERE status = 'FAILED'
		ORDER BY updated_at DESC LIMIT 100;
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to select failed records: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var f models.FailedRecord
		if err := frows.Scan(&f.FileID, &f.LastError, &f.Attempts, &f.UpdatedAt); err != nil {
			return nil, err
		}
		status.Failed = append(status.Failed, f)
	}
	if err := frows.Err(); err != nil {
		return nil, err
	}

	return status, nil
}
