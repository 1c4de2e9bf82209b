// Package normalizer converts a detected face region into the tensor layout
// the embedding model was trained on: a contain-resized RGB crop scaled to
// [0,1], NHWC, with no mean subtraction.
package normalizer

import (
	"context"
	"fmt"
	"image"

	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/imageprocessor"
)

// DefaultWidth and DefaultHeight are the input dimensions of the FaceNet
// model the pipeline ships with.
const (
	DefaultWidth  = 160
	DefaultHeight = 160
)

// Normalizer crops, resizes and tensorizes face regions.
type Normalizer struct {
	transform face.Transform
	width     int
	height    int
}

// New returns a Normalizer producing width×height tensors.
func New(transform face.Transform, width, height int) (*Normalizer, error) {
	if transform == nil {
		return nil, fmt.Errorf("normalizer: transform is required")
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("normalizer: invalid target size %dx%d", width, height)
	}
	return &Normalizer{transform: transform, width: width, height: height}, nil
}

// Size returns the target width and height.
func (n *Normalizer) Size() (int, int) {
	return n.width, n.height
}

// Normalize returns the model input tensor for box within img.
func (n *Normalizer) Normalize(ctx context.Context, img image.Image, box face.BoundingBox) (face.Tensor, error) {
	tensor, _, err := n.Prepare(ctx, img, box)
	return tensor, err
}

// Prepare is Normalize that also returns the letterboxed crop the tensor was
// built from.
func (n *Normalizer) Prepare(ctx context.Context, img image.Image, box face.BoundingBox) (face.Tensor, *image.NRGBA, error) {
	if !box.Valid() {
		return face.Tensor{}, nil, fmt.Errorf("%w: %gx%g at (%g,%g)", face.ErrInvalidRegion, box.Width, box.Height, box.Left, box.Top)
	}
	region := box.Clip(img.Bounds())
	if region.Empty() {
		return face.Tensor{}, nil, fmt.Errorf("%w: %+v lies outside image %v", face.ErrInvalidRegion, box, img.Bounds())
	}

	resized, err := n.transform.CropAndResize(ctx, img, region, image.Pt(n.width, n.height))
	if err != nil {
		return face.Tensor{}, nil, fmt.Errorf("%w: %v", face.ErrResize, err)
	}
	crop := imageprocessor.ToNRGBA(resized)
	if crop.Bounds().Dx() != n.width || crop.Bounds().Dy() != n.height {
		return face.Tensor{}, nil, fmt.Errorf("%w: transform returned %v, want %dx%d", face.ErrResize, crop.Bounds(), n.width, n.height)
	}
	return Tensorize(crop), crop, nil
}

// Tensorize writes the RGB channels of img into a [1,H,W,3] tensor at index
// (y*W+x)*3+c, each divided by 255. Alpha is discarded.
func Tensorize(img *image.NRGBA) face.Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	t := face.NewTensor(w, h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			p := row[x*4 : x*4+4]
			t.Data[i] = float32(p[0]) / 255.0
			t.Data[i+1] = float32(p[1]) / 255.0
			t.Data[i+2] = float32(p[2]) / 255.0
		}
	}
	return t
}
