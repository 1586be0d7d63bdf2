// Package model wraps the trained character classifier exported to ONNX.
package model

import (
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
)

// Config locates the model artifacts. Paths are resolved by the caller.
type Config struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath is the onnxruntime shared library; empty uses the
	// platform default lookup.
	LibraryPath string
	// Sessions is the number of sessions kept for concurrent inference.
	Sessions int
}

// session binds one ONNX session to its input and output buffers.
type session struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (s *session) destroy() {
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
	if s.session != nil {
		s.session.Destroy()
	}
}

// Server runs inference on a pool of sessions. A session's buffers are
// reused between runs, so each call borrows a session exclusively.
type Server struct {
	Metadata Metadata

	pool chan *session
	all  []*session

	mu     sync.RWMutex
	closed bool
}

// Open reads the metadata, initializes ONNX Runtime and creates the session
// pool. Any failure is reported as ErrModelLoad.
func Open(cfg Config) (*Server, error) {
	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: model artifact: %v", ErrModelLoad, err)
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("%w: failed to initialize ONNX environment: %v", ErrModelLoad, err)
		}
	}

	n := max(1, cfg.Sessions)
	s := &Server{
		Metadata: metadata,
		pool:     make(chan *session, n),
	}
	for i := 0; i < n; i++ {
		sess, err := newSession(cfg.ModelPath, metadata)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.all = append(s.all, sess)
		s.pool <- sess
	}
	return s, nil
}

func newSession(modelPath string, metadata Metadata) (*session, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create input tensor: %v", ErrModelLoad, err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create output tensor: %v", ErrModelLoad, err)
	}

	sess, err := ort.NewAdvancedSession(modelPath,
		[]string{metadata.InputName}, []string{metadata.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("%w: failed to create ONNX session: %v", ErrModelLoad, err)
	}

	return &session{
		session:      sess,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Classify runs one inference. It fails with ErrInference when t does not
// match the model input shape.
func (s *Server) Classify(t *tensor.Tensor) (tensor.Probabilities, error) {
	if err := s.check(t); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("%w: classifier closed", ErrInference)
	}

	sess := <-s.pool
	defer func() { s.pool <- sess }()

	copy(sess.inputTensor.GetData(), t.Data)
	if err := sess.session.Run(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}

	raw := sess.outputTensor.GetData()
	out := make(tensor.Probabilities, len(raw))
	copy(out, raw)
	if s.Metadata.Activation == ActivationSoftmax {
		out = tensor.Softmax(out)
	}
	return out, nil
}

func (s *Server) check(t *tensor.Tensor) error {
	if t == nil {
		return fmt.Errorf("%w: nil tensor", ErrInference)
	}
	if !t.SameShape(s.Metadata.InputShape) {
		return fmt.Errorf("%w: tensor shape %v, model expects %v", ErrInference, t.Shape, s.Metadata.InputShape)
	}
	if t.Layout != "" && t.Layout != s.Metadata.TensorLayout() {
		return fmt.Errorf("%w: tensor layout %s, model expects %s", ErrInference, t.Layout, s.Metadata.Layout)
	}
	if len(t.Data) != t.Elements() {
		return fmt.Errorf("%w: %d values for shape %v", ErrInference, len(t.Data), t.Shape)
	}
	return nil
}

// Close waits for in-flight inferences and releases every session and the
// ONNX environment.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for _, sess := range s.all {
		sess.destroy()
	}
	s.all = nil
	if ort.IsInitialized() {
		ort.DestroyEnvironment()
	}
}
