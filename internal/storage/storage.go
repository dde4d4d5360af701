// Package storage implements the two physical tiers holding file bytes:
// a local filesystem tier written synchronously at upload time, and an
// S3-compatible remote tier written exclusively by the replication queue.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// Source names a tier (or the automatic choice) for retrieval.
type Source string

const (
	SourceAuto   Source = "auto"
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// ParseSource converts a caller-supplied source hint; the empty string
// means auto.
func ParseSource(s string) (Source, error) {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case "", SourceAuto:
		return SourceAuto, nil
	case SourceLocal:
		return SourceLocal, nil
	case SourceRemote:
		return SourceRemote, nil
	default:
		return SourceAuto, fmt.Errorf("unknown source %q", s)
	}
}

// OriginalVariantSuffix is appended to a file id to address the retained
// unoptimized bytes on the local tier.
const OriginalVariantSuffix = ".orig"

// Local is the synchronous tier. Writes must be durable when they return.
type Local interface {
	Write(ctx context.Context, id string, r io.Reader) (int64, error)
	Read(ctx context.Context, id string) (io.ReadCloser, error)
	Remove(ctx context.Context, id string) error
}

// Remote is the replicated tier. Writes happen only out-of-band, driven by
// the sync queue manager, and each attempt is bounded by a timeout.
type Remote interface {
	Write(ctx context.Context, id string, r io.Reader, size int64) error
	Read(ctx context.Context, id string) (io.ReadCloser, error)
	Exists(ctx context.Context, id string) (bool, error)
}
