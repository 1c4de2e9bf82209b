package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/example/face-verify/internal/face"
)

// ONNXRuntime executes models with ONNX Runtime. The shared library is
// initialized on first Load.
type ONNXRuntime struct {
	libraryPath string
	outputDim   int

	initOnce sync.Once
	initErr  error
}

// NewONNXRuntime returns a runtime that loads the onnxruntime shared library
// from libraryPath (empty uses the library's default lookup). outputDim is
// the length of the single [1, outputDim] output tensor.
func NewONNXRuntime(libraryPath string, outputDim int) (*ONNXRuntime, error) {
	if outputDim <= 0 {
		return nil, fmt.Errorf("onnx runtime: output dimension must be positive, got %d", outputDim)
	}
	return &ONNXRuntime{libraryPath: libraryPath, outputDim: outputDim}, nil
}

func (r *ONNXRuntime) init() error {
	r.initOnce.Do(func() {
		if ort.IsInitialized() {
			return
		}
		if r.libraryPath != "" {
			ort.SetSharedLibraryPath(r.libraryPath)
		}
		r.initErr = ort.InitializeEnvironment()
	})
	return r.initErr
}

type onnxSession struct {
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

func (s *onnxSession) Close() error {
	return s.session.Destroy()
}

// Load implements Runtime.
func (r *ONNXRuntime) Load(modelBytes []byte, inputNames, outputNames []string) (Session, error) {
	if err := r.init(); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(modelBytes, inputNames, outputNames, nil)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &onnxSession{session: session, inputs: inputNames, outputs: outputNames}, nil
}

// Execute implements Runtime.
func (r *ONNXRuntime) Execute(ctx context.Context, session Session, inputs map[string]face.Tensor) (map[string][]float32, error) {
	s, ok := session.(*onnxSession)
	if !ok {
		return nil, errors.New("session was not created by the onnx runtime")
	}

	in := make([]ort.Value, 0, len(s.inputs))
	defer func() {
		for _, v := range in {
			v.Destroy()
		}
	}()
	for _, name := range s.inputs {
		t, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("missing input %q", name)
		}
		shape := ort.NewShape(int64(t.Shape[0]), int64(t.Shape[1]), int64(t.Shape[2]), int64(t.Shape[3]))
		v, err := ort.NewTensor(shape, t.Data)
		if err != nil {
			return nil, fmt.Errorf("create input %q: %w", name, err)
		}
		in = append(in, v)
	}

	out := make([]*ort.Tensor[float32], 0, len(s.outputs))
	defer func() {
		for _, v := range out {
			v.Destroy()
		}
	}()
	values := make([]ort.Value, 0, len(s.outputs))
	for _, name := range s.outputs {
		v, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(r.outputDim)))
		if err != nil {
			return nil, fmt.Errorf("create output %q: %w", name, err)
		}
		out = append(out, v)
		values = append(values, v)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.session.Run(in, values); err != nil {
		return nil, err
	}

	result := make(map[string][]float32, len(s.outputs))
	for i, name := range s.outputs {
		data := out[i].GetData()
		vec := make([]float32, len(data))
		copy(vec, data)
		result[name] = vec
	}
	return result, nil
}

// Shutdown tears down the onnxruntime environment.
func (r *ONNXRuntime) Shutdown() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}
