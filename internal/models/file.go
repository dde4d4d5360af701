// Package models defines the data models persisted in the database.
package models

import "time"

// StoredFile describes metadata for an uploaded document. The bytes
// themselves live in the tiered store under ID; the row is created only
// after the local tier write succeeded and is never mutated afterwards
// except for the soft-delete flag.
type StoredFile struct {
	// ID is the logical file id: a checksum-derived prefix plus a random
	// suffix, so identical content uploaded twice gets distinct ids.
	ID string
	// Checksum is the hex SHA-256 of the primary (post-processing) bytes.
	// It is the integrity anchor verified on every remote-tier read.
	Checksum string

	// Metadata captured at ingest.
	OriginalName string
	MimeType     string
	SizeBytes    int64
	IsImage      bool

	// Optimization results, set only when the content processor re-encoded
	// an image. The optimized bytes are the primary bytes in that case.
	HasOptimizedVariant bool
	OptimizedSizeBytes  int64
	OptimizedFormat     string

	Deleted   bool
	CreatedAt time.Time
}

// PrimarySizeBytes returns the byte length of the primary stored object:
// the optimized size when an optimized variant exists, the ingest size
// otherwise.
func (f *StoredFile) PrimarySizeBytes() int64 {
	if f.HasOptimizedVariant {
		return f.OptimizedSizeBytes
	}
	return f.SizeBytes
}
