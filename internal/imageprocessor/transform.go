package imageprocessor

import (
	"context"
	"fmt"
	"image"
	"math"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"

	"github.com/example/face-verify/internal/face"
)

// Backend names accepted by NewTransform.
const (
	BackendDraw    = "draw"
	BackendLanczos = "lanczos"
)

var kernels = map[string]draw.Interpolator{
	"catmullrom":     draw.CatmullRom,
	"bilinear":       draw.BiLinear,
	"approxbilinear": draw.ApproxBiLinear,
	"nearest":        draw.NearestNeighbor,
}

// NewTransform builds the crop-and-resize collaborator for the configured
// backend. kernel is only used by the draw backend.
func NewTransform(backend, kernel string) (face.Transform, error) {
	switch strings.ToLower(backend) {
	case "", BackendDraw:
		if kernel == "" {
			kernel = "catmullrom"
		}
		k, ok := kernels[strings.ToLower(kernel)]
		if !ok {
			return nil, fmt.Errorf("unknown resize kernel %q", kernel)
		}
		return &DrawTransform{Kernel: k}, nil
	case BackendLanczos:
		return &LanczosTransform{}, nil
	default:
		return nil, fmt.Errorf("unknown resize backend %q", backend)
	}
}

// ContainRect returns where a src-sized image lands inside a dst canvas when
// scaled to fit with its aspect ratio preserved and centered.
func ContainRect(src, dst image.Point) image.Rectangle {
	if src.X <= 0 || src.Y <= 0 || dst.X <= 0 || dst.Y <= 0 {
		return image.Rectangle{}
	}
	scale := math.Min(float64(dst.X)/float64(src.X), float64(dst.Y)/float64(src.Y))
	w := max(1, min(dst.X, int(math.Round(float64(src.X)*scale))))
	h := max(1, min(dst.Y, int(math.Round(float64(src.Y)*scale))))
	x0 := (dst.X - w) / 2
	y0 := (dst.Y - h) / 2
	return image.Rect(x0, y0, x0+w, y0+h)
}

func clipRegion(img image.Image, region image.Rectangle, size image.Point) (image.Rectangle, error) {
	if size.X <= 0 || size.Y <= 0 {
		return image.Rectangle{}, fmt.Errorf("%w: target size %v", face.ErrResize, size)
	}
	crop := region.Intersect(img.Bounds())
	if crop.Empty() {
		return image.Rectangle{}, fmt.Errorf("%w: region %v outside image %v", face.ErrResize, region, img.Bounds())
	}
	return crop, nil
}

// DrawTransform resamples with a golang.org/x/image/draw interpolator.
type DrawTransform struct {
	Kernel draw.Interpolator
}

// CropAndResize implements face.Transform.
func (t *DrawTransform) CropAndResize(ctx context.Context, img image.Image, region image.Rectangle, size image.Point) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	crop, err := clipRegion(img, region, size)
	if err != nil {
		return nil, err
	}
	dst := newCanvas(size)
	target := ContainRect(crop.Size(), size)
	t.Kernel.Scale(dst, target, img, crop, draw.Src, nil)
	return dst, nil
}

// LanczosTransform resamples with nfnt/resize's Lanczos3 filter.
type LanczosTransform struct{}

// CropAndResize implements face.Transform.
func (LanczosTransform) CropAndResize(ctx context.Context, img image.Image, region image.Rectangle, size image.Point) (*image.NRGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	crop, err := clipRegion(img, region, size)
	if err != nil {
		return nil, err
	}
	sub := image.NewNRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(sub, sub.Bounds(), img, crop.Min, draw.Src)

	target := ContainRect(crop.Size(), size)
	scaled := resize.Resize(uint(target.Dx()), uint(target.Dy()), sub, resize.Lanczos3)
	if scaled == nil || scaled.Bounds().Size() != target.Size() {
		return nil, fmt.Errorf("%w: lanczos produced unexpected bounds", face.ErrResize)
	}

	dst := newCanvas(size)
	draw.Draw(dst, target, scaled, scaled.Bounds().Min, draw.Src)
	return dst, nil
}
