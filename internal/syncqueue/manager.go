// Package syncqueue drives replication of locally stored files to the
// remote tier. It selects due records, claims them so that concurrent
// batches never transfer the same file twice, streams the bytes with
// checksum verification, and records the outcome with capped exponential
// backoff between attempts.
package syncqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/logging"
	"github.com/dkovalev/docvault/internal/models"
	"github.com/dkovalev/docvault/internal/repositories/files"
	"github.com/dkovalev/docvault/internal/repositories/replication"
	"github.com/dkovalev/docvault/internal/storage"
)

// BatchOptions tunes one ProcessBatch run.
type BatchOptions struct {
	BatchSize     int
	PriorityFirst bool
	MaxRetries    int
}

// BatchResult summarizes one ProcessBatch run. Processed counts the records
// actually claimed and attempted; records skipped for backoff or lost to a
// concurrent claim are not counted.
type BatchResult struct {
	Processed  int
	Successful int
	Failed     int
}

// ForceOptions modifies the queue record before a forced sync attempt.
type ForceOptions struct {
	ResetRetries   bool
	UpdatePriority *models.Priority
}

// Manager owns all replication-record state transitions.
type Manager struct {
	files       files.Repository
	replication replication.Repository
	local       storage.Local
	remote      storage.Remote
	backoff     *Backoff
	logger      logging.Logger

	// maxRetries is the terminal-failure threshold shared by periodic and
	// forced attempts, so every failure follows the same PENDING/FAILED arc.
	maxRetries int

	now func() time.Time
}

func NewManager(
	filesRepo files.Repository,
	replicationRepo replication.Repository,
	local storage.Local,
	remote storage.Remote,
	backoff *Backoff,
	maxRetries int,
	logger logging.Logger,
) *Manager {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Manager{
		files:       filesRepo,
		replication: replicationRepo,
		local:       local,
		remote:      remote,
		backoff:     backoff,
		logger:      logger.With("module", "syncqueue"),
		maxRetries:  maxRetries,
		now:         time.Now,
	}
}

// ProcessBatch selects up to BatchSize due records and transfers them
// concurrently. Every selected record passes the backoff eligibility gate
// and an atomic claim before any bytes move; a lost claim is silently
// skipped, so overlapping batches are safe.
func (m *Manager) ProcessBatch(ctx context.Context, opts BatchOptions) (*BatchResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = m.maxRetries
	}

	candidates, err := m.replication.SelectCandidates(ctx, opts.BatchSize, opts.PriorityFirst, opts.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("selecting sync candidates: %w", err)
	}

	now := m.now()
	var claimed []*models.ReplicationRecord
	for _, rec := range candidates {
		if !m.backoff.Eligible(rec.Attempts, rec.UpdatedAt, now) {
			continue
		}
		ok, err := m.replication.Claim(ctx, rec.FileID)
		if err != nil {
			return nil, fmt.Errorf("claiming %s: %w", rec.FileID, err)
		}
		if !ok {
			continue
		}
		claimed = append(claimed, rec)
	}

	result := &BatchResult{Processed: len(claimed)}
	if len(claimed) == 0 {
		return result, nil
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, rec := range claimed {
		wg.Add(1)
		go func(rec *models.ReplicationRecord) {
			defer wg.Done()
			err := m.transfer(ctx, rec, opts.MaxRetries)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed++
			} else {
				result.Successful++
			}
		}(rec)
	}
	wg.Wait()

	m.logger.Info(ctx, "sync batch finished",
		"processed", result.Processed,
		"successful", result.Successful,
		"failed", result.Failed)
	return result, nil
}

// transfer moves one claimed record's bytes to the remote tier and records
// the outcome. The caller must hold the claim.
func (m *Manager) transfer(ctx context.Context, rec *models.ReplicationRecord, maxRetries int) error {
	if err := m.upload(ctx, rec.FileID); err != nil {
		m.logger.Warn(ctx, "sync attempt failed",
			"file_id", rec.FileID, "attempt", rec.Attempts+1, "error", err)
		if markErr := m.replication.MarkFailed(ctx, rec.FileID, err.Error(), maxRetries); markErr != nil {
			m.logger.Error(ctx, "recording sync failure", "file_id", rec.FileID, "error", markErr)
		}
		return err
	}
	if err := m.replication.MarkSynced(ctx, rec.FileID); err != nil {
		m.logger.Error(ctx, "recording sync success", "file_id", rec.FileID, "error", err)
		return err
	}
	m.logger.Info(ctx, "file replicated", "file_id", rec.FileID)
	return nil
}

// upload streams the local object to the remote tier, then reads the
// remote copy back through a hashing reader and rejects the transfer if
// the bytes do not match the recorded checksum.
func (m *Manager) upload(ctx context.Context, fileID string) error {
	file, err := m.files.GetByID(ctx, fileID)
	if err != nil {
		return fmt.Errorf("loading metadata: %w", err)
	}

	rc, err := m.local.Read(ctx, fileID)
	if err != nil {
		return fmt.Errorf("reading local object: %w", err)
	}
	defer rc.Close()

	if err := m.remote.Write(ctx, fileID, rc, file.PrimarySizeBytes()); err != nil {
		return err
	}

	remote, err := m.remote.Read(ctx, fileID)
	if err != nil {
		return fmt.Errorf("reading back remote object: %w", err)
	}
	defer remote.Close()

	h := sha256.New()
	if _, err := io.Copy(h, remote); err != nil {
		return fmt.Errorf("reading back remote object: %w", err)
	}
	if sum := hex.EncodeToString(h.Sum(nil)); sum != file.Checksum {
		return fmt.Errorf("%w: stored %s, remote %s", common.ErrChecksumMismatch, file.Checksum, sum)
	}
	return nil
}

// ForceFileSync attempts an immediate transfer of one file, bypassing the
// backoff gate. Options may reset the retry counter or bump the priority
// first. A file whose transfer is currently running is reported as busy,
// one already replicated as done.
func (m *Manager) ForceFileSync(ctx context.Context, fileID string, opts ForceOptions) error {
	if opts.UpdatePriority != nil {
		if err := m.replication.SetPriority(ctx, fileID, *opts.UpdatePriority); err != nil {
			return err
		}
	}
	if opts.ResetRetries {
		if err := m.replication.ResetRetries(ctx, fileID); err != nil {
			return err
		}
	}

	rec, err := m.replication.Get(ctx, fileID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case models.StatusSynced:
		return nil
	case models.StatusInProgress:
		return common.ErrTransferInProgress
	}

	ok, err := m.replication.ForceClaim(ctx, fileID)
	if err != nil {
		return err
	}
	if !ok {
		return common.ErrTransferInProgress
	}
	// Forced attempts spend the same retry budget as periodic ones: a
	// failure on a record at or past the cap restores FAILED, keeping it
	// visible in the queue status.
	return m.transfer(ctx, rec, m.maxRetries)
}

// ResetRetries clears the attempt counter of a non-running record so the
// periodic queue picks it up again.
func (m *Manager) ResetRetries(ctx context.Context, fileID string) error {
	return m.replication.ResetRetries(ctx, fileID)
}

// SetPriority changes queue ordering for one record without touching its
// eligibility timestamp.
func (m *Manager) SetPriority(ctx context.Context, fileID string, priority models.Priority) error {
	return m.replication.SetPriority(ctx, fileID, priority)
}

// QueueStatus returns the administrative snapshot.
func (m *Manager) QueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	return m.replication.QueueStatus(ctx)
}
