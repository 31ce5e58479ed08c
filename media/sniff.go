package media

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// registers the only two image formats this service serves
	_ "image/gif"

	_ "golang.org/x/image/webp"
)

const (
	// MinSniffBytes is the smallest prefix worth attempting format
	// detection on. Neither a gif nor a webp header fits in less.
	MinSniffBytes = 32

	// MaxDimension bounds both width and height of accepted images.
	MaxDimension = 10_000
)

var (
	// ErrUnknownFormat means the bytes are not recognizable as any
	// allowed image format.
	ErrUnknownFormat = errors.New("unrecognized image format")

	// ErrBadDimensions means the decoded header declares a zero or
	// oversized width or height.
	ErrBadDimensions = errors.New("image dimensions out of bounds")
)

var formatMIME = map[string]string{
	"gif":  "image/gif",
	"webp": "image/webp",
}

// ImageInfo describes a sniffed image header.
type ImageInfo struct {
	MIME   string
	Width  int
	Height int
}

// SniffImage inspects the leading bytes of an image and returns its MIME
// type and declared dimensions. Detection is header-only; the full pixel
// data is never decoded. Formats other than gif and webp are rejected.
func SniffImage(buf []byte) (*ImageInfo, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}

	mime, ok := formatMIME[format]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}

	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxDimension || cfg.Height > MaxDimension {
		return nil, fmt.Errorf("%w: %dx%d", ErrBadDimensions, cfg.Width, cfg.Height)
	}

	return &ImageInfo{MIME: mime, Width: cfg.Width, Height: cfg.Height}, nil
}
