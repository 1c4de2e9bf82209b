// Package embedding owns the loaded model session and turns normalized face
// tensors into embedding vectors.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/face"
)

// ErrAlreadyLoaded is returned by a second Load on the same engine.
var ErrAlreadyLoaded = errors.New("model session already loaded")

// Session is an opaque handle to a model loaded by a Runtime.
type Session interface {
	Close() error
}

// Runtime is the model execution backend.
type Runtime interface {
	Load(modelBytes []byte, inputNames, outputNames []string) (Session, error)
	Execute(ctx context.Context, session Session, inputs map[string]face.Tensor) (map[string][]float32, error)
}

// Config names the model's input and output tensors. Dim, when positive, is
// the expected embedding length.
type Config struct {
	InputName  string
	OutputName string
	Dim        int
}

// Engine runs one model session. The session is created once and shared
// read-only by every Run.
type Engine struct {
	runtime Runtime
	cfg     Config
	logger  *zap.Logger

	mu      sync.RWMutex
	session Session
}

// NewEngine validates cfg and returns an engine with no session loaded.
func NewEngine(runtime Runtime, cfg Config, logger *zap.Logger) (*Engine, error) {
	if runtime == nil {
		return nil, errors.New("embedding: runtime is required")
	}
	if cfg.InputName == "" || cfg.OutputName == "" {
		return nil, errors.New("embedding: input and output tensor names are required")
	}
	if cfg.Dim < 0 {
		return nil, fmt.Errorf("embedding: invalid dimension %d", cfg.Dim)
	}
	return &Engine{runtime: runtime, cfg: cfg, logger: logger.Named("embedding_engine")}, nil
}

// Load creates the session from model bytes.
func (e *Engine) Load(ctx context.Context, modelBytes []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		return ErrAlreadyLoaded
	}
	if len(modelBytes) == 0 {
		return fmt.Errorf("%w: empty model", face.ErrModelLoad)
	}

	start := time.Now()
	session, err := e.runtime.Load(modelBytes, []string{e.cfg.InputName}, []string{e.cfg.OutputName})
	if err != nil {
		e.logger.Error("model load failed", zap.Error(err), zap.Int("model_bytes", len(modelBytes)))
		return fmt.Errorf("%w: %v", face.ErrModelLoad, err)
	}
	e.session = session
	e.logger.Info("model loaded",
		zap.String("input", e.cfg.InputName),
		zap.String("output", e.cfg.OutputName),
		zap.Int("model_bytes", len(modelBytes)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Loaded reports whether a session is available.
func (e *Engine) Loaded() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.session != nil
}

// Run executes the model on tensor and returns a fresh copy of the output.
func (e *Engine) Run(ctx context.Context, tensor face.Tensor) (face.Embedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Held through Execute so Close and Load wait for in-flight runs.
	e.mu.RLock()
	defer e.mu.RUnlock()
	session := e.session
	if session == nil {
		return nil, fmt.Errorf("%w: no session loaded", face.ErrModelLoad)
	}
	if tensor.Len() != len(tensor.Data) || len(tensor.Data) == 0 {
		return nil, fmt.Errorf("%w: tensor shape %v does not match %d elements", face.ErrInference, tensor.Shape, len(tensor.Data))
	}

	outputs, err := e.runtime.Execute(ctx, session, map[string]face.Tensor{e.cfg.InputName: tensor})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", face.ErrInference, err)
	}
	out, ok := outputs[e.cfg.OutputName]
	if !ok {
		return nil, fmt.Errorf("%w: output %q missing", face.ErrInference, e.cfg.OutputName)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: output %q is empty", face.ErrInference, e.cfg.OutputName)
	}
	if e.cfg.Dim > 0 && len(out) != e.cfg.Dim {
		return nil, fmt.Errorf("%w: output has %d values, want %d", face.ErrInference, len(out), e.cfg.Dim)
	}
	return face.Embedding(out).Clone(), nil
}

// Close releases the session once in-flight runs have returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Close()
	e.session = nil
	return err
}
