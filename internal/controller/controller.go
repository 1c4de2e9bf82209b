// Package controller owns the reference profile and sequences capture and
// match requests through the extraction pipeline.
package controller

import (
	"context"
	"errors"
	"image"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-verify/internal/decision"
	"github.com/example/face-verify/internal/face"
	"github.com/example/face-verify/internal/logging"
	"github.com/example/face-verify/internal/pipeline"
)

var (
	// ErrBusy is returned when a match is already in flight. The call had
	// no effect.
	ErrBusy = errors.New("match already in progress")
	// ErrNotReady is returned by a match when no reference is stored.
	ErrNotReady = errors.New("no reference captured")
	// ErrNotLoaded is returned before the embedding model is loaded.
	ErrNotLoaded = errors.New("embedding model not loaded")
	// ErrSuperseded is returned when a reset or a newer capture replaced the
	// reference while the operation was running. Its result was discarded.
	ErrSuperseded = errors.New("reference changed during operation")
	// ErrNoSource is returned by the URI variants when no asset source is set.
	ErrNoSource = errors.New("no asset source configured")
)

// State is the externally visible controller state.
type State string

const (
	StateIdle              State = "idle"
	StateAwaitingReference State = "awaiting_reference"
	StateReferenceReady    State = "reference_ready"
	StateMatching          State = "matching"
)

// ModelLoader creates the inference session from model bytes.
type ModelLoader interface {
	Load(ctx context.Context, modelBytes []byte) error
}

// Extractor runs one image through detection, normalization and embedding.
type Extractor interface {
	Extract(ctx context.Context, src []byte) (*pipeline.Extraction, error)
}

// Reference is the stored reference profile. It is never mutated after
// being stored; capture and reset replace the pointer.
type Reference struct {
	ID         string
	Embedding  face.Embedding
	Crop       *image.NRGBA
	Box        face.BoundingBox
	CapturedAt time.Time
}

// Match is one committed comparison against the reference.
type Match struct {
	RequestID   string           `json:"request_id"`
	ReferenceID string           `json:"reference_id"`
	Similarity  float64          `json:"similarity"`
	Verdict     decision.Verdict `json:"verdict"`
	Threshold   float64          `json:"threshold"`
	Box         face.BoundingBox `json:"box"`
	Faces       int              `json:"faces"`
	ElapsedMs   float64          `json:"elapsed_ms"`
	At          time.Time        `json:"at"`
}

// Options configures a Controller.
type Options struct {
	// Threshold is used as given, zero included. Callers without their own
	// setting pass decision.DefaultThreshold.
	Threshold float64
	// Source backs the URI variants of capture and match.
	Source    face.AssetSource
	Observers []Observer
	Now       func() time.Time
}

// Controller is safe for concurrent use.
type Controller struct {
	loader    ModelLoader
	extractor Extractor
	source    face.AssetSource
	threshold float64
	observers []Observer
	now       func() time.Time
	logger    *zap.Logger

	busy    atomic.Bool
	dropped atomic.Int64

	mu          sync.RWMutex
	loaded      bool
	generation  uint64
	reference   *Reference
	lastResult  *Match
	lastFailure face.Failure
	lastError   string
	stats       stats
}

// New builds a controller in the Idle state.
func New(loader ModelLoader, extractor Extractor, opts Options, logger *zap.Logger) (*Controller, error) {
	if loader == nil || extractor == nil {
		return nil, errors.New("controller: loader and extractor are required")
	}
	threshold := opts.Threshold
	if math.IsNaN(threshold) || threshold < -1 || threshold > 1 {
		return nil, errors.New("controller: threshold must be within [-1, 1]")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		loader:    loader,
		extractor: extractor,
		source:    opts.Source,
		threshold: threshold,
		observers: opts.Observers,
		now:       now,
		logger:    logger.Named("match_controller"),
	}, nil
}

// Threshold returns the configured decision threshold.
func (c *Controller) Threshold() float64 {
	return c.threshold
}

// Load creates the model session and moves the controller out of Idle.
// A failure leaves it Idle; the error wraps face.ErrModelLoad.
func (c *Controller) Load(ctx context.Context, modelBytes []byte) error {
	opLogger := logging.WithOperation(c.logger, "controller.load", "")
	if err := c.loader.Load(ctx, modelBytes); err != nil {
		opLogger.Error("model load failed", zap.Error(err))
		return logging.NewOperationError("controller.load", "", err)
	}
	c.mu.Lock()
	c.loaded = true
	c.mu.Unlock()
	opLogger.Info("model loaded", zap.Int("bytes", len(modelBytes)))
	return nil
}

// LoadURI fetches the model from the asset source and loads it.
func (c *Controller) LoadURI(ctx context.Context, uri string) error {
	if c.source == nil {
		return ErrNoSource
	}
	modelBytes, err := c.source.Fetch(ctx, uri)
	if err != nil {
		return logging.NewOperationError("controller.load", "", errors.Join(face.ErrModelLoad, err))
	}
	return c.Load(ctx, modelBytes)
}

// CaptureReference discards any stored reference and embeds src as the new
// one. On failure the controller stays in AwaitingReference and the failure
// kind is recorded; use face.Classify on the returned error to tell a
// missing face from a processing failure.
func (c *Controller) CaptureReference(ctx context.Context, src []byte) (*Reference, error) {
	return c.capture(ctx, func(context.Context) ([]byte, error) { return src, nil })
}

// CaptureReferenceURI is CaptureReference over an asset URI. The previous
// reference is cleared before the fetch starts.
func (c *Controller) CaptureReferenceURI(ctx context.Context, uri string) (*Reference, error) {
	if c.source == nil {
		return nil, ErrNoSource
	}
	return c.capture(ctx, func(ctx context.Context) ([]byte, error) { return c.source.Fetch(ctx, uri) })
}

func (c *Controller) capture(ctx context.Context, load func(context.Context) ([]byte, error)) (*Reference, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "controller.capture_reference", requestID)

	c.mu.Lock()
	if !c.loaded {
		c.mu.Unlock()
		return nil, ErrNotLoaded
	}
	c.generation++
	gen := c.generation
	c.reference = nil
	c.lastResult = nil
	c.lastFailure = face.FailureNone
	c.lastError = ""
	c.mu.Unlock()

	var ex *pipeline.Extraction
	src, err := load(ctx)
	if err == nil {
		ex, err = c.extractor.Extract(ctx, src)
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		opLogger.Info("capture superseded, result discarded")
		return nil, ErrSuperseded
	}
	if err != nil {
		kind := face.Classify(err)
		c.lastFailure = kind
		c.lastError = err.Error()
		c.stats.captureFailed()
		c.mu.Unlock()

		opLogger.Warn("reference capture failed", zap.String("failure", string(kind)), zap.Error(err))
		c.publish(Event{Type: EventReferenceFailed, RequestID: requestID, State: StateAwaitingReference, Failure: kind, Error: err.Error()})
		return nil, logging.NewOperationError("controller.capture_reference", requestID, err)
	}
	ref := &Reference{
		ID:         requestID,
		Embedding:  ex.Embedding,
		Crop:       ex.Crop,
		Box:        ex.Box,
		CapturedAt: c.now().UTC(),
	}
	c.reference = ref
	c.stats.captured()
	c.mu.Unlock()

	opLogger.Info("reference captured",
		zap.Int("faces", ex.Faces),
		zap.Int("dim", len(ex.Embedding)),
		zap.Duration("elapsed", ex.Elapsed),
	)
	c.publish(Event{Type: EventReferenceCaptured, RequestID: requestID, State: StateReferenceReady, ReferenceID: ref.ID})
	return ref, nil
}

// MatchAgainst embeds src and scores it against the stored reference. While
// another match is in flight it returns ErrBusy at once; the only trace left
// is the dropped counter.
func (c *Controller) MatchAgainst(ctx context.Context, src []byte) (*Match, error) {
	if !c.acquire() {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)
	return c.matchHeld(ctx, func(context.Context) ([]byte, error) { return src, nil })
}

// MatchAgainstURI is MatchAgainst over an asset URI.
func (c *Controller) MatchAgainstURI(ctx context.Context, uri string) (*Match, error) {
	if c.source == nil {
		return nil, ErrNoSource
	}
	if !c.acquire() {
		return nil, ErrBusy
	}
	defer c.busy.Store(false)
	return c.matchHeld(ctx, func(ctx context.Context) ([]byte, error) { return c.source.Fetch(ctx, uri) })
}

// acquire takes the busy flag for a match. A rejected attempt is counted.
func (c *Controller) acquire() bool {
	if c.busy.CompareAndSwap(false, true) {
		return true
	}
	if n := c.dropped.Add(1); n%100 == 1 {
		c.logger.Debug("match dropped while busy", zap.Int64("dropped_total", n))
	}
	return false
}

// matchHeld runs a match. The caller owns the busy flag.
func (c *Controller) matchHeld(ctx context.Context, load func(context.Context) ([]byte, error)) (*Match, error) {
	c.mu.RLock()
	loaded, ref := c.loaded, c.reference
	c.mu.RUnlock()
	if !loaded {
		return nil, ErrNotLoaded
	}
	if ref == nil {
		return nil, ErrNotReady
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(c.logger, "controller.match", requestID)

	var ex *pipeline.Extraction
	result := decision.MatchResult{}
	src, err := load(ctx)
	if err == nil {
		ex, err = c.extractor.Extract(ctx, src)
	}
	if err == nil {
		result, err = decision.Compare(ref.Embedding, ex.Embedding, c.threshold)
	}

	c.mu.Lock()
	if c.reference != ref {
		c.stats.superseded()
		c.mu.Unlock()
		opLogger.Info("reference changed during match, result discarded")
		return nil, ErrSuperseded
	}
	if err != nil {
		kind := face.Classify(err)
		c.lastFailure = kind
		c.lastError = err.Error()
		c.stats.matchFailed()
		c.mu.Unlock()

		opLogger.Warn("match failed", zap.String("failure", string(kind)), zap.Error(err))
		c.publish(Event{Type: EventMatchFailed, RequestID: requestID, State: StateReferenceReady, ReferenceID: ref.ID, Failure: kind, Error: err.Error()})
		return nil, logging.NewOperationError("controller.match", requestID, err)
	}
	m := &Match{
		RequestID:   requestID,
		ReferenceID: ref.ID,
		Similarity:  result.Similarity,
		Verdict:     result.Verdict,
		Threshold:   result.Threshold,
		Box:         ex.Box,
		Faces:       ex.Faces,
		ElapsedMs:   float64(ex.Elapsed) / float64(time.Millisecond),
		At:          c.now().UTC(),
	}
	c.lastResult = m
	c.lastFailure = face.FailureNone
	c.lastError = ""
	c.stats.matched(m)
	c.mu.Unlock()

	opLogger.Info("match completed",
		zap.Float64("similarity", m.Similarity),
		zap.String("verdict", string(m.Verdict)),
	)
	c.publish(Event{Type: EventMatch, RequestID: requestID, State: StateReferenceReady, ReferenceID: ref.ID, Match: m})
	return m, nil
}

// Reset clears the reference and last result. An in-flight match or capture
// finishes but its result is discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.generation++
	c.reference = nil
	c.lastResult = nil
	c.lastFailure = face.FailureNone
	c.lastError = ""
	state := c.stateLocked()
	c.mu.Unlock()

	c.logger.Info("controller reset")
	c.publish(Event{Type: EventReset, State: state})
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stateLocked()
}

func (c *Controller) stateLocked() State {
	switch {
	case !c.loaded:
		return StateIdle
	case c.reference == nil:
		return StateAwaitingReference
	case c.busy.Load():
		return StateMatching
	default:
		return StateReferenceReady
	}
}

// Busy reports whether a match is in flight.
func (c *Controller) Busy() bool {
	return c.busy.Load()
}

// ReferenceCrop returns the normalized crop of the stored reference, or nil.
func (c *Controller) ReferenceCrop() *image.NRGBA {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.reference == nil {
		return nil
	}
	return c.reference.Crop
}
