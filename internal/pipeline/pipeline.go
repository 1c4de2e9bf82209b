// Package pipeline runs one image through decode, face location,
// normalization and embedding.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/imageprocessor"
)

// Normalizer prepares the model input for a face region.
type Normalizer interface {
	Prepare(ctx context.Context, img image.Image, box face.BoundingBox) (face.Tensor, *image.NRGBA, error)
}

// Embedder turns a normalized tensor into an embedding.
type Embedder interface {
	Run(ctx context.Context, tensor face.Tensor) (face.Embedding, error)
}

// Extraction is the result of running one image through the pipeline.
type Extraction struct {
	Embedding face.Embedding
	Crop      *image.NRGBA
	Box       face.BoundingBox
	Faces     int
	Elapsed   time.Duration
}

// Pipeline wires the locator, normalizer and embedder together.
type Pipeline struct {
	locator    face.Locator
	normalizer Normalizer
	embedder   Embedder
	maxPixels  int
	logger     *zap.Logger
}

// Option adjusts a Pipeline.
type Option func(*Pipeline)

// WithMaxPixels caps the decoded size of input images.
// The default is imageprocessor.DefaultMaxPixels.
func WithMaxPixels(n int) Option {
	return func(p *Pipeline) { p.maxPixels = n }
}

// New returns a pipeline over the given stages.
func New(locator face.Locator, normalizer Normalizer, embedder Embedder, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	if locator == nil || normalizer == nil || embedder == nil {
		return nil, errors.New("pipeline: locator, normalizer and embedder are required")
	}
	p := &Pipeline{
		locator:    locator,
		normalizer: normalizer,
		embedder:   embedder,
		maxPixels:  imageprocessor.DefaultMaxPixels,
		logger:     logger.Named("pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxPixels <= 0 {
		return nil, errors.New("pipeline: max pixels must be positive")
	}
	return p, nil
}

// Extract embeds the primary face in src. Every stage failure is wrapped
// with the matching face sentinel error.
func (p *Pipeline) Extract(ctx context.Context, src []byte) (*Extraction, error) {
	start := time.Now()

	img, err := imageprocessor.DecodeLimited(src, p.maxPixels)
	if err != nil {
		return nil, err
	}

	boxes, err := p.locator.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("locate faces: %w", err)
	}
	if len(boxes) == 0 {
		return nil, face.ErrNoFaceDetected
	}
	primary := boxes[0]

	tensor, crop, err := p.normalizer.Prepare(ctx, img, primary)
	if err != nil {
		return nil, err
	}

	vec, err := p.embedder.Run(ctx, tensor)
	if err != nil {
		return nil, err
	}

	ex := &Extraction{
		Embedding: vec,
		Crop:      crop,
		Box:       primary,
		Faces:     len(boxes),
		Elapsed:   time.Since(start),
	}
	p.logger.Debug("face extracted",
		zap.Int("faces", ex.Faces),
		zap.Int("dim", len(vec)),
		zap.Duration("elapsed", ex.Elapsed),
	)
	return ex, nil
}
