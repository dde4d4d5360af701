package processing

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"strings"

	"golang.org/x/image/draw"

	// registered decoders for the accepted image subtypes
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
	_ "image/gif"
)

type optimizedImage struct {
	data     []byte
	format   string
	mimeType string
}

// optimizeImage decodes, downscales to fit the configured bounding box
// (never upscaling) and re-encodes to the target format.
func optimizeImage(raw []byte, cfg ImageConfig) (*optimizedImage, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	img = fitWithin(img, cfg.MaxWidth, cfg.MaxHeight)

	var buf bytes.Buffer
	switch strings.ToLower(cfg.Format) {
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return &optimizedImage{data: buf.Bytes(), format: "png", mimeType: "image/png"}, nil
	case "", "jpg", "jpeg":
		quality := cfg.Quality
		if quality <= 0 || quality > 100 {
			quality = 80
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return &optimizedImage{data: buf.Bytes(), format: "jpeg", mimeType: "image/jpeg"}, nil
	default:
		return nil, fmt.Errorf("unsupported target format %q", cfg.Format)
	}
}

// fitWithin scales img down to fit the maxW x maxH bounding box, keeping
// the aspect ratio. Images already inside the box are returned untouched.
func fitWithin(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	if (maxW <= 0 || w <= maxW) && (maxH <= 0 || h <= maxH) {
		return img
	}

	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = float64(maxW) / float64(w)
	}
	if maxH > 0 && h > maxH {
		if s := float64(maxH) / float64(h); s < scale {
			scale = s
		}
	}

	nw := int(float64(w) * scale)
	nh := int(float64(h) * scale)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
