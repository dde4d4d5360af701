// Package processing validates and transforms incoming files before they
// reach the tiered store. It performs no I/O of its own: the caller feeds
// bytes in and persists whatever comes out.
package processing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dkovalev/docvault/internal/common"
	"github.com/dkovalev/docvault/internal/logging"
)

// Config controls upload validation and image optimization.
type Config struct {
	MaxSizeBytes      int64
	AllowedExtensions []string
	Image             ImageConfig
}

// ImageConfig is the optimization policy for image uploads.
type ImageConfig struct {
	Enabled   bool
	MaxWidth  int
	MaxHeight int
	// Format is the re-encode target: "jpeg" or "png".
	Format  string
	Quality int
	// PreserveOriginal keeps the unmodified bytes alongside the optimized
	// primary bytes.
	PreserveOriginal bool
}

// Result is the outcome of processing one upload. Primary holds the bytes
// the store must persist and replicate; Checksum is computed over exactly
// those bytes. Original is non-nil only when an image was optimized and the
// policy retains the source bytes.
type Result struct {
	Primary  []byte
	Original []byte

	Checksum  string
	MimeType  string
	SizeBytes int64
	IsImage   bool

	HasOptimizedVariant bool
	OptimizedSizeBytes  int64
	OptimizedFormat     string
	CompressionRatio    float64
}

type Processor struct {
	cfg        Config
	allowedExt map[string]struct{}
	logger     logging.Logger
}

func New(cfg Config, logger logging.Logger) *Processor {
	allowed := make(map[string]struct{}, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(ext)] = struct{}{}
	}
	return &Processor{
		cfg:        cfg,
		allowedExt: allowed,
		logger:     logger.With("module", "processing"),
	}
}

// exact MIME types accepted regardless of family matching.
var allowedMimeExact = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"application/vnd.ms-excel": {},
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": {},
	"application/vnd.ms-powerpoint":                                     {},
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": {},
	"application/zip":          {},
	"application/x-rar":        {},
	"application/octet-stream": {},
	"text/plain":               {},
	"text/csv":                 {},
}

// image/* subtypes get a narrower allow-list than the other families:
// clients routinely mislabel documents, but an unexpected image subtype is
// almost always something we cannot process.
var allowedImageSubtypes = map[string]struct{}{
	"jpeg": {},
	"jpg":  {},
	"png":  {},
	"gif":  {},
	"webp": {},
	"bmp":  {},
}

// mimeAllowed applies the acceptance policy: exact match first, then the
// permissive application/* and text/* family prefixes (tolerating client
// MIME-sniffing variance), with image/* restricted to known subtypes.
func mimeAllowed(mimeType string) bool {
	m := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(m, ";"); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	if _, ok := allowedMimeExact[m]; ok {
		return true
	}
	if sub, ok := strings.CutPrefix(m, "image/"); ok {
		_, ok := allowedImageSubtypes[sub]
		return ok
	}
	return strings.HasPrefix(m, "application/") || strings.HasPrefix(m, "text/")
}

func isImageMime(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

// Process validates the upload, optionally optimizes images, and computes
// the SHA-256 checksum over the bytes that will be persisted. Memory is
// bounded by MaxSizeBytes: the reader is cut off one byte past the ceiling.
//
// An image that cannot be decoded or re-encoded is stored unmodified; an
// optimization failure never fails the upload.
func (p *Processor) Process(ctx context.Context, r io.Reader, name, declaredMime string) (*Result, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if _, ok := p.allowedExt[ext]; !ok {
		return nil, fmt.Errorf("%w: extension %q", common.ErrInvalidType, ext)
	}
	if !mimeAllowed(declaredMime) {
		return nil, fmt.Errorf("%w: mime %q", common.ErrInvalidType, declaredMime)
	}

	raw, err := io.ReadAll(io.LimitReader(r, p.cfg.MaxSizeBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading upload: %v", common.ErrIO, err)
	}
	if int64(len(raw)) > p.cfg.MaxSizeBytes {
		return nil, fmt.Errorf("%w: limit %d bytes", common.ErrPayloadTooLarge, p.cfg.MaxSizeBytes)
	}

	result := &Result{
		MimeType:  declaredMime,
		SizeBytes: int64(len(raw)),
		IsImage:   isImageMime(declaredMime),
	}

	primary := raw
	if result.IsImage && p.cfg.Image.Enabled {
		opt, err := optimizeImage(raw, p.cfg.Image)
		if err != nil {
			p.logger.Warn(ctx, "image optimization failed, storing original",
				"name", name, "error", fmt.Errorf("%w: %v", common.ErrProcessingFailed, err))
		} else {
			primary = opt.data
			result.HasOptimizedVariant = true
			result.OptimizedSizeBytes = int64(len(opt.data))
			result.OptimizedFormat = opt.format
			result.CompressionRatio = float64(len(opt.data)) / float64(len(raw))
			result.MimeType = opt.mimeType
			if p.cfg.Image.PreserveOriginal {
				result.Original = raw
			}
		}
	}

	sum := sha256.Sum256(primary)
	result.Checksum = hex.EncodeToString(sum[:])
	result.Primary = primary

	return result, nil
}
