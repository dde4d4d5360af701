// Package retrieval serves stored file bytes from whichever tier can
// provide them. The resolver is side-effect free: it hands back a stream
// and reports which tier served it, nothing else.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/logging"
	"github.com/dkovalev/docvault/internal/models"
	"github.com/dkovalev/docvault/internal/repositories/files"
	"github.com/dkovalev/docvault/internal/repositories/replication"
	"github.com/dkovalev/docvault/internal/storage"
)

// Resolution is a successful resolve. The caller owns Stream and must
// close it.
type Resolution struct {
	Stream io.ReadCloser
	// Source is the tier that actually served the bytes.
	Source storage.Source
	File   *models.StoredFile
}

type Resolver struct {
	files       files.Repository
	replication replication.Repository
	local       storage.Local
	remote      storage.Remote
	logger      logging.Logger
}

func NewResolver(
	filesRepo files.Repository,
	replicationRepo replication.Repository,
	local storage.Local,
	remote storage.Remote,
	logger logging.Logger,
) *Resolver {
	return &Resolver{
		files:       filesRepo,
		replication: replicationRepo,
		local:       local,
		remote:      remote,
		logger:      logger.With("module", "retrieval"),
	}
}

// Resolve opens the stored bytes of fileID, honoring the source hint:
// local and remote pin one tier with no fallback, auto prefers local and
// falls back to the remote tier only when the replication record is
// SYNCED. Remote streams verify the checksum as they drain; the final
// Read reports ErrChecksumMismatch instead of io.EOF when the bytes are
// corrupt.
func (r *Resolver) Resolve(ctx context.Context, fileID string, hint storage.Source) (*Resolution, error) {
	file, err := r.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}

	switch hint {
	case storage.SourceLocal:
		return r.resolveLocal(ctx, file)
	case storage.SourceRemote:
		return r.resolveRemote(ctx, file)
	case storage.SourceAuto, "":
		res, localErr := r.resolveLocal(ctx, file)
		if localErr == nil {
			return res, nil
		}
		r.logger.Warn(ctx, "local tier miss, trying remote",
			"file_id", file.ID, "error", localErr)
		res, remoteErr := r.resolveRemote(ctx, file)
		if remoteErr == nil {
			return res, nil
		}
		return nil, fmt.Errorf("%w: local: %v; remote: %v",
			common.ErrAllTiersUnavailable, localErr, remoteErr)
	default:
		return nil, fmt.Errorf("unknown source hint %q", hint)
	}
}

// ResolveOriginal opens the retained pre-optimization bytes. The original
// variant lives on the local tier only.
func (r *Resolver) ResolveOriginal(ctx context.Context, fileID string) (*Resolution, error) {
	file, err := r.files.GetByID(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !file.HasOptimizedVariant {
		return nil, fmt.Errorf("%w: no original variant for %s", common.ErrNotFound, fileID)
	}
	rc, err := r.local.Read(ctx, file.ID+storage.OriginalVariantSuffix)
	if err != nil {
		return nil, err
	}
	return &Resolution{Stream: rc, Source: storage.SourceLocal, File: file}, nil
}

func (r *Resolver) resolveLocal(ctx context.Context, file *models.StoredFile) (*Resolution, error) {
	rc, err := r.local.Read(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{Stream: rc, Source: storage.SourceLocal, File: file}, nil
}

func (r *Resolver) resolveRemote(ctx context.Context, file *models.StoredFile) (*Resolution, error) {
	rec, err := r.replication.Get(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusSynced {
		return nil, fmt.Errorf("%w: %s not replicated (status %s)",
			common.ErrNotFound, file.ID, rec.Status)
	}
	rc, err := r.remote.Read(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	return &Resolution{
		Stream: newVerifyingReader(rc, file.Checksum),
		Source: storage.SourceRemote,
		File:   file,
	}, nil
}

// verifyingReader hashes the stream as it drains and turns the final EOF
// into ErrChecksumMismatch when the digest does not match.
type verifyingReader struct {
	rc       io.ReadCloser
	hash     hash.Hash
	expected string
	verified bool
}

func newVerifyingReader(rc io.ReadCloser, expected string) *verifyingReader {
	return &verifyingReader{rc: rc, hash: sha256.New(), expected: expected}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		v.hash.Write(p[:n])
	}
	if err == io.EOF && !v.verified {
		v.verified = true
		if sum := hex.EncodeToString(v.hash.Sum(nil)); sum != v.expected {
			return n, fmt.Errorf("%w: expected %s, got %s",
				common.ErrChecksumMismatch, v.expected, sum)
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}
