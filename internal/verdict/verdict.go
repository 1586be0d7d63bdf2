// Package verdict turns classifier scores into the result shown to a learner.
package verdict

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/Brownie44l1/kana-recognizer/internal/labels"
	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
)

// Status classifies a verdict.
type Status string

const (
	// Expected label supplied and recognized.
	StatusExcellent  Status = "excellent"
	StatusGood       Status = "good"
	StatusAcceptable Status = "acceptable"
	// Expected label supplied and not recognized.
	StatusClose         Status = "close"
	StatusNotRecognized Status = "not_recognized"
	// No expected label.
	StatusHigh   Status = "high"
	StatusMedium Status = "medium"
	StatusLow    Status = "low"

	StatusError Status = "error"
)

// DefaultTopK is the number of candidates returned when none is requested.
const DefaultTopK = 3

// Candidate is one ranked guess.
type Candidate struct {
	Label          string  `json:"label"`
	SecondaryLabel string  `json:"secondary_label"`
	ClassID        string  `json:"class_id,omitempty"`
	Confidence     float32 `json:"confidence"`
}

// Verdict is the outcome of one recognition call.
type Verdict struct {
	Success        bool        `json:"success"`
	TopLabel       string      `json:"top_label"`
	SecondaryLabel string      `json:"secondary_label"`
	ClassID        string      `json:"class_id,omitempty"`
	Confidence     float32     `json:"confidence"`
	IsCorrect      *bool       `json:"is_correct"`
	Message        string      `json:"message"`
	Status         Status      `json:"status"`
	Candidates     []Candidate `json:"candidates"`

	// Err is the cause of a failed verdict.
	Err error `json:"-"`
}

// Policy holds the confidence tier boundaries. Each boundary is exclusive:
// a confidence must be strictly greater to reach the tier.
type Policy struct {
	Excellent float32
	Good      float32
	Close     float32
	High      float32
	Medium    float32
}

// DefaultPolicy mirrors the feedback tiers used in the drawing exercises.
var DefaultPolicy = Policy{
	Excellent: 0.95,
	Good:      0.85,
	Close:     0.7,
	High:      0.85,
	Medium:    0.7,
}

var messages = map[Status]string{
	StatusExcellent:     "Perfect! Excellent drawing!",
	StatusGood:          "Very good! Character recognized correctly.",
	StatusAcceptable:    "Correct character, but could be clearer.",
	StatusClose:         "Close, but not quite right. Try again!",
	StatusNotRecognized: "Not recognized. Try drawing more clearly.",
	StatusHigh:          "Recognized with high confidence.",
	StatusMedium:        "Recognized, but the drawing is a little unclear.",
	StatusLow:           "Low confidence. Try drawing the character more clearly.",
}

// Message returns the feedback text for a status.
func Message(s Status) string {
	return messages[s]
}

// Build ranks probs with DefaultPolicy. See Policy.Build.
func Build(probs tensor.Probabilities, reg *labels.Registry, expected string, topK int) (Verdict, error) {
	return DefaultPolicy.Build(probs, reg, expected, topK)
}

// Build ranks probs, resolves the top-K labels and grades the result. An
// empty expected label means correctness is unknown. It fails only when
// probs and reg disagree in size.
func (p Policy) Build(probs tensor.Probabilities, reg *labels.Registry, expected string, topK int) (Verdict, error) {
	if len(probs) == 0 {
		return Verdict{}, fmt.Errorf("%w: empty probability vector", labels.ErrIndexOutOfRange)
	}
	if len(probs) != reg.Size() {
		return Verdict{}, fmt.Errorf("%w: %d scores for %d labels", labels.ErrIndexOutOfRange, len(probs), reg.Size())
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	ranked := rank(probs)
	ranked = ranked[:min(topK, len(ranked))]

	candidates := make([]Candidate, len(ranked))
	for i, idx := range ranked {
		entry, err := reg.Get(idx)
		if err != nil {
			return Verdict{}, err
		}
		candidates[i] = Candidate{
			Label:          entry.Primary,
			SecondaryLabel: secondary(entry),
			ClassID:        entry.ClassID,
			Confidence:     clamp(probs[idx]),
		}
	}

	top := candidates[0]
	v := Verdict{
		Success:        true,
		TopLabel:       top.Label,
		SecondaryLabel: top.SecondaryLabel,
		ClassID:        top.ClassID,
		Confidence:     top.Confidence,
		Candidates:     candidates,
	}
	if expected != "" {
		correct := labels.Canonical(expected) == top.Label
		v.IsCorrect = &correct
	}
	v.Status = p.status(v.Confidence, v.IsCorrect)
	v.Message = Message(v.Status)
	return v, nil
}

func (p Policy) status(confidence float32, correct *bool) Status {
	switch {
	case correct == nil:
		switch {
		case confidence > p.High:
			return StatusHigh
		case confidence > p.Medium:
			return StatusMedium
		}
		return StatusLow
	case *correct:
		switch {
		case confidence > p.Excellent:
			return StatusExcellent
		case confidence > p.Good:
			return StatusGood
		}
		return StatusAcceptable
	}
	if confidence > p.Close {
		return StatusClose
	}
	return StatusNotRecognized
}

// Failure is the negative verdict returned in place of an error.
func Failure(err error) Verdict {
	return Verdict{
		Success:    false,
		Status:     StatusError,
		Message:    err.Error(),
		Candidates: []Candidate{},
		Err:        err,
	}
}

// rank orders indices by descending score; equal scores keep index order and
// NaN sorts last.
func rank(probs tensor.Probabilities) []int {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		pa, pb := float64(probs[a]), float64(probs[b])
		switch {
		case math.IsNaN(pa) && math.IsNaN(pb):
			return 0
		case math.IsNaN(pa):
			return 1
		case math.IsNaN(pb):
			return -1
		}
		return cmp.Compare(pb, pa)
	})
	return idx
}

// secondary falls back to the primary label, so a missing transliteration
// shows the character itself.
func secondary(e labels.Entry) string {
	if e.Secondary != "" {
		return e.Secondary
	}
	return e.Primary
}

func clamp(v float32) float32 {
	switch {
	case math.IsNaN(float64(v)) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
