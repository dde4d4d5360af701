package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/filex"
)

// FSLocal stores objects on the local filesystem, sharded into
// subdirectories by the first two characters of the file id.
type FSLocal struct {
	baseDir string
}

func NewFSLocal(baseDir string) (*FSLocal, error) {
	dir, err := filex.EnsureDir(baseDir)
	if err != nil {
		return nil, err
	}
	return &FSLocal{baseDir: dir}, nil
}

func shardOf(id string) string {
	if len(id) > 2 {
		return id[:2]
	}
	return id
}

func (s *FSLocal) objectPath(id string) string {
	return filepath.Join(s.baseDir, shardOf(id), id)
}

// Write streams r into the object for id. The bytes are written to a
// temporary file, fsynced and renamed into place, so a crash mid-write
// never leaves a partial object under the final name. The caller gets the
// number of bytes written.
func (s *FSLocal) Write(ctx context.Context, id string, r io.Reader) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	path := s.objectPath(id)
	if _, err := filex.EnsureSubDir(s.baseDir, shardOf(id)); err != nil {
		return 0, classifyLocalError(err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o660)
	if err != nil {
		return 0, classifyLocalError(err)
	}

	n, err := io.Copy(f, r)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, classifyLocalError(err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return 0, classifyLocalError(err)
	}

	return n, nil
}

// Read opens the object for id, common.ErrNotFound when absent.
func (s *FSLocal) Read(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.objectPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, classifyLocalError(err)
	}
	return f, nil
}

// Remove deletes the object for id. A missing object is not an error.
func (s *FSLocal) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.Remove(s.objectPath(id))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return classifyLocalError(err)
	}
	return nil
}

func classifyLocalError(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", common.ErrStorageFull, err)
	}
	return fmt.Errorf("%w: %v", common.ErrIO, err)
}
