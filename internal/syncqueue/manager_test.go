package syncqueue

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/logging"
	"github.com/dkovalev/docvault/internal/models"
	"github.com/stretchr/testify/require"
)

func discardLogger() logging.Logger {
	return logging.NewSlogLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type fakeFilesRepo struct {
	mu    sync.Mutex
	files map[string]*models.StoredFile
}

func (f *fakeFilesRepo) Create(ctx context.Context, file *models.StoredFile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[file.ID] = file
	return nil
}

func (f *fakeFilesRepo) GetByID(ctx context.Context, id string) (*models.StoredFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return file, nil
}

func (f *fakeFilesRepo) MarkDeleted(ctx context.Context, id string) error {
	return nil
}

type fakeReplicationRepo struct {
	mu      sync.Mutex
	records map[string]*models.ReplicationRecord
}

func newFakeReplicationRepo() *fakeReplicationRepo {
	return &fakeReplicationRepo{records: make(map[string]*models.ReplicationRecord)}
}

func (r *fakeReplicationRepo) Create(ctx context.Context, fileID string, priority models.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[fileID] = &models.ReplicationRecord{
		FileID:   fileID,
		Status:   models.StatusPending,
		Priority: priority,
	}
	return nil
}

func (r *fakeReplicationRepo) Get(ctx context.Context, fileID string) (*models.ReplicationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fileID]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeReplicationRepo) SelectCandidates(ctx context.Context, limit int, priorityFirst bool, maxRetries int) ([]*models.ReplicationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ReplicationRecord
	for _, rec := range r.records {
		if rec.Status == models.StatusPending && rec.Attempts < maxRetries {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if priorityFirst && out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].FileID < out[j].FileID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeReplicationRepo) Claim(ctx context.Context, fileID string) (bool, error) {
	return r.claimFrom(fileID, models.StatusPending)
}

func (r *fakeReplicationRepo) ForceClaim(ctx context.Context, fileID string) (bool, error) {
	return r.claimFrom(fileID, models.StatusPending, models.StatusFailed)
}

func (r *fakeReplicationRepo) claimFrom(fileID string, from ...models.SyncStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fileID]
	if !ok {
		return false, nil
	}
	claimable := false
	for _, s := range from {
		if rec.Status == s {
			claimable = true
		}
	}
	if !claimable {
		return false, nil
	}
	rec.Status = models.StatusInProgress
	rec.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeReplicationRepo) MarkSynced(ctx context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[fileID]
	if rec.Status != models.StatusInProgress {
		return fmt.Errorf("record %s not in progress", fileID)
	}
	rec.Status = models.StatusSynced
	rec.LastError = ""
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *fakeReplicationRepo) MarkFailed(ctx context.Context, fileID string, lastError string, maxRetries int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.records[fileID]
	if rec.Status != models.StatusInProgress {
		return fmt.Errorf("record %s not in progress", fileID)
	}
	rec.Attempts++
	rec.LastError = lastError
	if rec.Attempts >= maxRetries {
		rec.Status = models.StatusFailed
	} else {
		rec.Status = models.StatusPending
	}
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *fakeReplicationRepo) ResetRetries(ctx context.Context, fileID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fileID]
	if !ok {
		return common.ErrNotFound
	}
	if rec.Status == models.StatusInProgress {
		return common.ErrTransferInProgress
	}
	rec.Attempts = 0
	rec.Status = models.StatusPending
	rec.UpdatedAt = time.Now()
	return nil
}

func (r *fakeReplicationRepo) SetPriority(ctx context.Context, fileID string, priority models.Priority) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[fileID]
	if !ok {
		return common.ErrNotFound
	}
	rec.Priority = priority
	return nil
}

func (r *fakeReplicationRepo) QueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := &models.QueueStatus{
		ByStatus:          make(map[models.SyncStatus]int),
		PendingByPriority: make(map[models.Priority]int),
	}
	for _, rec := range r.records {
		st.ByStatus[rec.Status]++
		if rec.Status == models.StatusPending {
			st.PendingByPriority[rec.Priority]++
		}
	}
	return st, nil
}

type fakeLocal struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{objects: make(map[string][]byte)}
}

func (l *fakeLocal) Write(ctx context.Context, id string, r io.Reader) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.objects[id] = data
	return int64(len(data)), nil
}

func (l *fakeLocal) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	data, ok := l.objects[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (l *fakeLocal) Remove(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.objects, id)
	return nil
}

type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	writes  map[string]int

	writeErr error
	// corrupt flips the first byte of every stored object so the
	// read-back verification fails.
	corrupt bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte), writes: make(map[string]int)}
}

func (r *fakeRemote) Write(ctx context.Context, id string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes[id]++
	if r.writeErr != nil {
		return r.writeErr
	}
	if r.corrupt && len(data) > 0 {
		data[0] ^= 0xff
	}
	r.objects[id] = data
	return nil
}

func (r *fakeRemote) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.objects[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *fakeRemote) Exists(ctx context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.objects[id]
	return ok, nil
}

type fixture struct {
	files       *fakeFilesRepo
	replication *fakeReplicationRepo
	local       *fakeLocal
	remote      *fakeRemote
	manager     *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		files:       &fakeFilesRepo{files: make(map[string]*models.StoredFile)},
		replication: newFakeReplicationRepo(),
		local:       newFakeLocal(),
		remote:      newFakeRemote(),
	}
	f.manager = NewManager(f.files, f.replication, f.local, f.remote,
		NewBackoff(30*time.Second, 15*time.Minute), 5, discardLogger())
	return f
}

// addFile registers a stored file with matching local bytes and a pending
// replication record.
func (f *fixture) addFile(t *testing.T, id string, payload []byte, priority models.Priority) {
	t.Helper()
	ctx := context.Background()
	sum := sha256.Sum256(payload)
	require.NoError(t, f.files.Create(ctx, &models.StoredFile{
		ID:        id,
		Checksum:  hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(payload)),
	}))
	_, err := f.local.Write(ctx, id, bytes.NewReader(payload))
	require.NoError(t, err)
	require.NoError(t, f.replication.Create(ctx, id, priority))
}

func TestProcessBatch_TransfersAndMarksSynced(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	f.addFile(t, "f2", []byte("beta"), models.PriorityNormal)

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Processed: 2, Successful: 2}, res)

	for _, id := range []string{"f1", "f2"} {
		rec, err := f.replication.Get(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, models.StatusSynced, rec.Status)

		ok, err := f.remote.Exists(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestProcessBatch_RespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.addFile(t, fmt.Sprintf("f%d", i), []byte{byte(i)}, models.PriorityNormal)
	}

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 3, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
}

func TestProcessBatch_FailureIncrementsAttempts(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	f.remote.writeErr = common.ErrRemoteUnreachable

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, &BatchResult{Processed: 1, Failed: 1}, res)

	rec, err := f.replication.Get(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, models.StatusPending, rec.Status, "below the retry cap the record goes back to pending")
	require.Equal(t, 1, rec.Attempts)
	require.Contains(t, rec.LastError, "unreachable")
}

func TestProcessBatch_ExhaustedRetriesTurnFailed(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	f.remote.writeErr = common.ErrRemoteUnreachable

	// zero the eligibility gate so every attempt is immediately due
	f.manager.backoff = NewBackoff(time.Nanosecond, time.Nanosecond)

	for i := 0; i < 2; i++ {
		_, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 2})
		require.NoError(t, err)
	}

	rec, err := f.replication.Get(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, rec.Status)
	require.Equal(t, 2, rec.Attempts)

	// FAILED records are no longer selected
	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 2})
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed)
}

func TestProcessBatch_BackoffSkipsRecentFailures(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)

	// simulate a failure moments ago
	rec := f.replication.records["f1"]
	rec.Attempts = 1
	rec.UpdatedAt = time.Now()

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed, "record inside its cool-down must be skipped")

	// once the cool-down elapsed the record is due again
	rec.UpdatedAt = time.Now().Add(-time.Minute)
	res, err = f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 1, res.Successful)
}

func TestProcessBatch_ChecksumMismatchFails(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	f.remote.corrupt = true

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)

	rec, err := f.replication.Get(context.Background(), "f1")
	require.NoError(t, err)
	require.NotEqual(t, models.StatusSynced, rec.Status)
	require.Contains(t, rec.LastError, "checksum")
}

func TestProcessBatch_ConcurrentBatchesNeverDoubleTransfer(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 20; i++ {
		f.addFile(t, fmt.Sprintf("f%02d", i), []byte{byte(i)}, models.PriorityNormal)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 20, MaxRetries: 5})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	f.remote.mu.Lock()
	defer f.remote.mu.Unlock()
	for id, n := range f.remote.writes {
		require.Equal(t, 1, n, "file %s transferred more than once", id)
	}
	require.Len(t, f.remote.writes, 20)
}

func TestForceFileSync_TransfersImmediately(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)

	// deep inside a cool-down the periodic queue would skip it
	rec := f.replication.records["f1"]
	rec.Attempts = 3
	rec.UpdatedAt = time.Now()

	err := f.manager.ForceFileSync(context.Background(), "f1", ForceOptions{})
	require.NoError(t, err)

	got, err := f.replication.Get(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, models.StatusSynced, got.Status)
}

func TestForceFileSync_InProgressIsBusy(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	f.replication.records["f1"].Status = models.StatusInProgress

	err := f.manager.ForceFileSync(context.Background(), "f1", ForceOptions{})
	require.ErrorIs(t, err, common.ErrTransferInProgress)
}

func TestForceFileSync_AlreadySyncedIsNoop(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	f.replication.records["f1"].Status = models.StatusSynced

	require.NoError(t, f.manager.ForceFileSync(context.Background(), "f1", ForceOptions{}))
	require.Equal(t, 0, f.remote.writes["f1"], "synced file must not be re-transferred")
}

func TestForceFileSync_ResetAndPriority(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityLow)
	rec := f.replication.records["f1"]
	rec.Status = models.StatusFailed
	rec.Attempts = 5

	p := models.PriorityHigh
	err := f.manager.ForceFileSync(context.Background(), "f1", ForceOptions{
		ResetRetries:   true,
		UpdatePriority: &p,
	})
	require.NoError(t, err)

	got, err := f.replication.Get(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, models.StatusSynced, got.Status)
	require.Equal(t, models.PriorityHigh, got.Priority)
	require.Equal(t, 0, got.Attempts)
}

func TestForceFileSync_FailedWithoutResetStaysFailed(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)
	rec := f.replication.records["f1"]
	rec.Status = models.StatusFailed
	rec.Attempts = 5
	f.remote.writeErr = common.ErrRemoteUnreachable

	err := f.manager.ForceFileSync(context.Background(), "f1", ForceOptions{})
	require.ErrorIs(t, err, common.ErrRemoteUnreachable)

	got, err := f.replication.Get(context.Background(), "f1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status,
		"a failed forced attempt on an exhausted record must restore FAILED")
	require.Equal(t, 6, got.Attempts)

	// the record stays off the periodic queue and visible in the status
	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed)

	st, err := f.replication.QueueStatus(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.ByStatus[models.StatusFailed])
	require.Equal(t, 0, st.ByStatus[models.StatusPending])
}

func TestProcessBatch_SkipsCandidateFailedAfterSelection(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "f1", []byte("alpha"), models.PriorityNormal)

	// serve a stale PENDING snapshot while the record is already FAILED,
	// as when a concurrent worker exhausted it between selection and claim
	stale := *f.replication.records["f1"]
	stale.Status = models.StatusPending
	f.manager.replication = &staleSelectRepo{fakeReplicationRepo: f.replication, candidate: &stale}
	f.replication.records["f1"].Status = models.StatusFailed
	f.replication.records["f1"].Attempts = 5

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 0, res.Processed, "batch claim must not take a FAILED record")
	require.Equal(t, 5, f.replication.records["f1"].Attempts,
		"no attempt may be spent past exhaustion")
	require.Equal(t, 0, f.remote.writes["f1"])
}

type staleSelectRepo struct {
	*fakeReplicationRepo
	candidate *models.ReplicationRecord
}

func (r *staleSelectRepo) SelectCandidates(ctx context.Context, limit int, priorityFirst bool, maxRetries int) ([]*models.ReplicationRecord, error) {
	return []*models.ReplicationRecord{r.candidate}, nil
}

func TestForceFileSync_UnknownFile(t *testing.T) {
	f := newFixture(t)
	err := f.manager.ForceFileSync(context.Background(), "ghost", ForceOptions{})
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSelectCandidates_PriorityFirstOrdering(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "low", []byte("l"), models.PriorityLow)
	f.addFile(t, "high", []byte("h"), models.PriorityHigh)
	f.addFile(t, "normal", []byte("n"), models.PriorityNormal)

	res, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 1, PriorityFirst: true, MaxRetries: 5})
	require.NoError(t, err)
	require.Equal(t, 1, res.Successful)

	rec, err := f.replication.Get(context.Background(), "high")
	require.NoError(t, err)
	require.Equal(t, models.StatusSynced, rec.Status, "highest priority drains first")
}

func TestProcessBatch_SelectError(t *testing.T) {
	f := newFixture(t)
	f.manager.replication = &erroringReplicationRepo{fakeReplicationRepo: f.replication}

	_, err := f.manager.ProcessBatch(context.Background(), BatchOptions{BatchSize: 10, MaxRetries: 5})
	require.Error(t, err)
}

type erroringReplicationRepo struct {
	*fakeReplicationRepo
}

func (r *erroringReplicationRepo) SelectCandidates(ctx context.Context, limit int, priorityFirst bool, maxRetries int) ([]*models.ReplicationRecord, error) {
	return nil, errors.New("database unavailable")
}
