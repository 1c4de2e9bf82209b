// Package face holds the data model shared by the verification pipeline and
// the narrow interfaces of the collaborators it depends on.
package face

import (
	"context"
	"image"
	"math"
)

// BoundingBox is a detected face region in source-image pixel space.
type BoundingBox struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether the box has a positive area and a finite origin.
func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0 &&
		!math.IsNaN(b.Left) && !math.IsInf(b.Left, 0) &&
		!math.IsNaN(b.Top) && !math.IsInf(b.Top, 0)
}

// Clip returns the integer rectangle covering every pixel of bounds the box
// touches. Edges are clamped to bounds before conversion, so oversized or
// infinite extents cannot overflow int. The result is empty when the box
// lies outside bounds.
func (b BoundingBox) Clip(bounds image.Rectangle) image.Rectangle {
	clamp := func(v float64, lo, hi int) int {
		return int(max(float64(lo), min(float64(hi), v)))
	}
	r := image.Rectangle{
		Min: image.Pt(
			clamp(math.Floor(b.Left), bounds.Min.X, bounds.Max.X),
			clamp(math.Floor(b.Top), bounds.Min.Y, bounds.Max.Y),
		),
		Max: image.Pt(
			clamp(math.Ceil(b.Left+b.Width), bounds.Min.X, bounds.Max.X),
			clamp(math.Ceil(b.Top+b.Height), bounds.Min.Y, bounds.Max.Y),
		),
	}
	if r.Empty() {
		return image.Rectangle{}
	}
	return r
}

// BoxFromRect converts an integer rectangle to a BoundingBox.
func BoxFromRect(r image.Rectangle) BoundingBox {
	return BoundingBox{
		Left:   float64(r.Min.X),
		Top:    float64(r.Min.Y),
		Width:  float64(r.Dx()),
		Height: float64(r.Dy()),
	}
}

// Tensor is a dense float32 tensor in NHWC layout ([1, H, W, 3]).
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// NewTensor allocates a zeroed [1, height, width, 3] tensor.
func NewTensor(width, height int) Tensor {
	return Tensor{
		Shape: [4]int{1, height, width, 3},
		Data:  make([]float32, width*height*3),
	}
}

// Len is the number of elements implied by Shape.
func (t Tensor) Len() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Embedding is the fixed-length vector produced by the embedding model.
type Embedding []float32

// Clone returns an independent copy.
func (e Embedding) Clone() Embedding {
	out := make(Embedding, len(e))
	copy(out, e)
	return out
}

// Locator finds faces in a decoded image. An empty result means no face;
// the first box is the primary face.
type Locator interface {
	Detect(ctx context.Context, img *image.NRGBA) ([]BoundingBox, error)
}

// Transform crops a region of img and resizes it into size using the
// contain policy: scale to fit, center, pad the remainder.
type Transform interface {
	CropAndResize(ctx context.Context, img image.Image, region image.Rectangle, size image.Point) (*image.NRGBA, error)
}

// AssetSource supplies raw bytes for model files and reference images.
type AssetSource interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}
