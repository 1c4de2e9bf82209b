package detector

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"testing"

	goface "github.com/Kagami/go-face"
	"go.uber.org/zap"
)

type stubRecognizer struct {
	faces  []goface.Face
	err    error
	got    []byte
	closed bool
}

func (s *stubRecognizer) Recognize(imgData []byte) ([]goface.Face, error) {
	s.got = imgData
	return s.faces, s.err
}

func (s *stubRecognizer) Close() { s.closed = true }

func TestDetectOrdersLargestFirstAndClips(t *testing.T) {
	rec := &stubRecognizer{faces: []goface.Face{
		{Rectangle: image.Rect(0, 0, 10, 10)},
		{Rectangle: image.Rect(20, 20, 80, 80)},
		{Rectangle: image.Rect(150, 150, 170, 170)},
		{Rectangle: image.Rect(90, 90, 120, 130)},
	}}
	l := newLocator(rec, zap.NewNop())

	boxes, err := l.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 100, 100)))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(boxes) != 3 {
		t.Fatalf("expected 3 boxes (one outside image), got %d", len(boxes))
	}
	if boxes[0].Left != 20 || boxes[0].Width != 60 {
		t.Fatalf("expected largest face first, got %+v", boxes[0])
	}
	if boxes[1].Width != 10 || boxes[1].Height != 10 {
		t.Fatalf("expected a 10x10 face second, got %+v", boxes[1])
	}
	if _, err := jpeg.Decode(bytes.NewReader(rec.got)); err != nil {
		t.Fatalf("recognizer did not receive a JPEG: %v", err)
	}
}

func TestDetectNoFaces(t *testing.T) {
	l := newLocator(&stubRecognizer{}, zap.NewNop())
	boxes, err := l.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 8, 8)))
	if err != nil {
		t.Fatal(err)
	}
	if len(boxes) != 0 {
		t.Fatalf("expected no boxes, got %v", boxes)
	}
}

func TestDetectPropagatesError(t *testing.T) {
	l := newLocator(&stubRecognizer{err: errors.New("dlib exploded")}, zap.NewNop())
	if _, err := l.Detect(context.Background(), image.NewNRGBA(image.Rect(0, 0, 8, 8))); err == nil {
		t.Fatal("expected error")
	}
	l.Close()
	if !l.rec.(*stubRecognizer).closed {
		t.Fatal("expected recognizer closed")
	}
}
