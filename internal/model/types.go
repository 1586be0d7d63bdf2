package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
)

var (
	// ErrModelLoad reports a missing, unreadable or inconsistent model
	// artifact or companion metadata file.
	ErrModelLoad = errors.New("model load failed")
	// ErrInference reports a tensor the model cannot accept.
	ErrInference = errors.New("inference failed")
)

// Classifier maps a normalized glyph to one score per label.
type Classifier interface {
	Classify(t *tensor.Tensor) (tensor.Probabilities, error)
}

// Func adapts a plain function to Classifier.
type Func func(t *tensor.Tensor) (tensor.Probabilities, error)

// Classify calls f.
func (f Func) Classify(t *tensor.Tensor) (tensor.Probabilities, error) {
	return f(t)
}

// Activation applied to the raw model output.
const (
	ActivationNone    = "none"
	ActivationSoftmax = "softmax"
)

// Metadata is the model_metadata.json companion written at export time.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	Layout      string   `json:"layout"`
	Classes     []string `json:"classes,omitempty"`
	ImageSize   int      `json:"image_size"`
	Channels    int      `json:"channels"`
	// Activation is "softmax" when the model emits logits.
	Activation string `json:"activation"`
}

// LoadMetadata reads and validates the metadata file at path.
func LoadMetadata(path string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(path)
	if err != nil {
		return meta, fmt.Errorf("%w: read metadata: %v", ErrModelLoad, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("%w: parse metadata: %v", ErrModelLoad, err)
	}
	if err := meta.normalize(); err != nil {
		return meta, fmt.Errorf("%w: %s: %v", ErrModelLoad, path, err)
	}
	return meta, nil
}

func (m *Metadata) normalize() error {
	if m.InputName == "" {
		m.InputName = "input"
	}
	if m.OutputName == "" {
		m.OutputName = "output"
	}
	if m.Activation == "" {
		m.Activation = ActivationNone
	}
	if m.Activation != ActivationNone && m.Activation != ActivationSoftmax {
		return fmt.Errorf("unknown activation %q", m.Activation)
	}

	layout, err := tensor.ParseLayout(m.Layout)
	if err != nil {
		return err
	}
	m.Layout = string(layout)

	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return fmt.Errorf("input shape %v: want 4 dimensions with batch 1", m.InputShape)
	}
	h, w, c := m.InputShape[1], m.InputShape[2], m.InputShape[3]
	if layout == tensor.NCHW {
		c, h, w = m.InputShape[1], m.InputShape[2], m.InputShape[3]
	}
	if h != w || h <= 0 {
		return fmt.Errorf("input shape %v: want a square image", m.InputShape)
	}
	if m.ImageSize == 0 {
		m.ImageSize = int(h)
	}
	if m.Channels == 0 {
		m.Channels = int(c)
	}
	if int64(m.ImageSize) != h || int64(m.Channels) != c {
		return fmt.Errorf("image_size %d / channels %d disagree with input shape %v", m.ImageSize, m.Channels, m.InputShape)
	}

	if len(m.OutputShape) == 0 || m.NumClasses() <= 0 {
		return fmt.Errorf("output shape %v: no classes", m.OutputShape)
	}
	if len(m.Classes) > 0 && len(m.Classes) != m.NumClasses() {
		return fmt.Errorf("%d classes listed, output shape %v", len(m.Classes), m.OutputShape)
	}
	return nil
}

// NumClasses is the size of the last output dimension.
func (m Metadata) NumClasses() int {
	if len(m.OutputShape) == 0 {
		return 0
	}
	return int(m.OutputShape[len(m.OutputShape)-1])
}

// TensorLayout is the parsed input layout.
func (m Metadata) TensorLayout() tensor.Layout {
	l, _ := tensor.ParseLayout(m.Layout)
	return l
}
