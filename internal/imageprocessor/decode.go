// Package imageprocessor decodes source images and performs the crop and
// contain-resize step of face normalization.
package imageprocessor

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/example/face-verify/internal/face"
)

// DefaultMaxPixels bounds the decoded size of an input image. At four bytes
// per pixel it caps a single decode near 160 MB.
const DefaultMaxPixels = 40_000_000

// Decode is DecodeLimited with DefaultMaxPixels.
func Decode(data []byte) (*image.NRGBA, error) {
	return DecodeLimited(data, DefaultMaxPixels)
}

// DecodeLimited turns encoded image bytes into an NRGBA buffer anchored at
// (0,0). The header is checked first so an image over maxPixels is rejected
// before any pixel buffer is allocated.
func DecodeLimited(data []byte, maxPixels int) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", face.ErrDecode)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", face.ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("%w: %s image has no pixels", face.ErrDecode, format)
	}
	if maxPixels > 0 && int64(cfg.Width)*int64(cfg.Height) > int64(maxPixels) {
		return nil, fmt.Errorf("%w: %s image is %dx%d, over the %d pixel limit", face.ErrDecode, format, cfg.Width, cfg.Height, maxPixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", face.ErrDecode, err)
	}
	b := img.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("%w: %s image has no pixels", face.ErrDecode, format)
	}
	return ToNRGBA(img), nil
}

// ToNRGBA copies img into a new NRGBA buffer whose bounds start at (0,0).
// An NRGBA already anchored at the origin is returned as is.
func ToNRGBA(img image.Image) *image.NRGBA {
	b := img.Bounds()
	if n, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) {
		return n
	}
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// EncodeJPEG encodes img as a JPEG.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}
	return buf.Bytes(), nil
}

var padColor = color.NRGBA{A: 0xff}

// newCanvas returns a size.X×size.Y buffer filled with opaque black.
func newCanvas(size image.Point) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(padColor), image.Point{}, draw.Src)
	return dst
}
