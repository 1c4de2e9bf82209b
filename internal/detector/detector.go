// Package detector locates faces with dlib through go-face.
package detector

import (
	"context"
	"fmt"
	"image"
	"sort"
	"sync"

	goface "github.com/Kagami/go-face"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/imageprocessor"
)

// recognizer is the subset of *goface.Recognizer the locator uses.
type recognizer interface {
	Recognize(imgData []byte) ([]goface.Face, error)
	Close()
}

// DlibLocator implements face.Locator. dlib's recognizer is not safe for
// concurrent use, so calls are serialized.
type DlibLocator struct {
	mu     sync.Mutex
	rec    recognizer
	logger *zap.Logger
}

// NewDlibLocator loads the dlib models from modelsDir.
func NewDlibLocator(modelsDir string, logger *zap.Logger) (*DlibLocator, error) {
	rec, err := goface.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("load dlib models from %s: %w", modelsDir, err)
	}
	return newLocator(rec, logger), nil
}

func newLocator(rec recognizer, logger *zap.Logger) *DlibLocator {
	return &DlibLocator{rec: rec, logger: logger.Named("dlib_locator")}
}

// Detect implements face.Locator. Boxes are ordered largest first.
func (l *DlibLocator) Detect(ctx context.Context, img *image.NRGBA) ([]face.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// go-face only accepts JPEG input
	data, err := imageprocessor.EncodeJPEG(img, 95)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	faces, err := l.rec.Recognize(data)
	l.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("dlib recognize: %w", err)
	}

	rects := make([]image.Rectangle, 0, len(faces))
	for _, f := range faces {
		r := f.Rectangle.Canon().Intersect(img.Bounds())
		if r.Empty() {
			continue
		}
		rects = append(rects, r)
	}
	sort.SliceStable(rects, func(i, j int) bool {
		return rects[i].Dx()*rects[i].Dy() > rects[j].Dx()*rects[j].Dy()
	})

	boxes := make([]face.BoundingBox, len(rects))
	for i, r := range rects {
		boxes[i] = face.BoxFromRect(r)
	}
	l.logger.Debug("faces located", zap.Int("count", len(boxes)))
	return boxes, nil
}

// Close releases the dlib models.
func (l *DlibLocator) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rec.Close()
}
