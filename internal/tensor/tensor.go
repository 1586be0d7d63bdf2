// Package tensor holds the numeric artifacts passed between the normalizer,
// the classifier and the verdict builder.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Layout is the dimension order of a 4D image tensor.
type Layout string

const (
	// NHWC is batch, height, width, channels (Keras default).
	NHWC Layout = "NHWC"
	// NCHW is batch, channels, height, width (PyTorch export default).
	NCHW Layout = "NCHW"
)

// ParseLayout accepts NHWC/NCHW in any case. An empty string means NHWC.
func ParseLayout(s string) (Layout, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(NHWC):
		return NHWC, nil
	case string(NCHW):
		return NCHW, nil
	}
	return "", fmt.Errorf("unknown tensor layout %q", s)
}

// Shape returns the batch-1 shape for a square image of the given size.
func (l Layout) Shape(size, channels int) []int64 {
	if l == NCHW {
		return []int64{1, int64(channels), int64(size), int64(size)}
	}
	return []int64{1, int64(size), int64(size), int64(channels)}
}

// Tensor is one normalized glyph ready for inference.
type Tensor struct {
	Shape  []int64
	Layout Layout
	Data   []float32
}

// Elements is the product of the shape dimensions.
func (t *Tensor) Elements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= int(d)
	}
	return n
}

// SameShape reports whether the tensor shape equals want dimension by dimension.
func (t *Tensor) SameShape(want []int64) bool {
	if len(t.Shape) != len(want) {
		return false
	}
	for i := range want {
		if t.Shape[i] != want[i] {
			return false
		}
	}
	return true
}

// Stats summarizes the tensor values for debug logging.
type Stats struct {
	Min  float64
	Max  float64
	Mean float64
}

// Stats computes min, max and mean over the tensor data.
func (t *Tensor) Stats() Stats {
	if len(t.Data) == 0 {
		return Stats{}
	}
	vals := make([]float64, len(t.Data))
	for i, v := range t.Data {
		vals[i] = float64(v)
	}
	return Stats{
		Min:  floats.Min(vals),
		Max:  floats.Max(vals),
		Mean: stat.Mean(vals, nil),
	}
}

// Probabilities holds one classifier score per label, in label index order.
type Probabilities []float32

// Softmax converts raw logits into a probability distribution.
func Softmax(logits []float32) Probabilities {
	if len(logits) == 0 {
		return Probabilities{}
	}
	vals := make([]float64, len(logits))
	for i, v := range logits {
		vals[i] = float64(v)
	}
	lse := floats.LogSumExp(vals)
	out := make(Probabilities, len(logits))
	for i, v := range vals {
		out[i] = float32(math.Exp(v - lse))
	}
	return out
}
