// Package recognizer is the single entry point for handwriting recognition.
// It owns the lazily loaded classifier and label table and turns every
// failure into a negative verdict.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/kana-recognizer/internal/labels"
	"github.com/Brownie44l1/kana-recognizer/internal/model"
	"github.com/Brownie44l1/kana-recognizer/internal/preprocess"
	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
	"github.com/Brownie44l1/kana-recognizer/internal/verdict"
)

// ErrUnavailable is carried by every verdict once loading has failed.
var ErrUnavailable = errors.New("recognizer unavailable")

// Components is everything a recognition needs after loading.
type Components struct {
	Classifier model.Classifier
	Labels     *labels.Registry
	Normalizer *preprocess.Normalizer
	// Close releases the classifier, if it holds resources.
	Close func()
}

// Loader builds the components. It is called at most once per Service.
type Loader func(ctx context.Context) (*Components, error)

// Phase of the lazy initialization.
type Phase string

const (
	PhaseNotLoaded   Phase = "not_loaded"
	PhaseReady       Phase = "ready"
	PhaseUnavailable Phase = "unavailable"
)

// State reports the initialization outcome.
type State struct {
	Phase  Phase  `json:"phase"`
	Reason string `json:"reason,omitempty"`
	Labels int    `json:"labels,omitempty"`
}

type loaded struct {
	c   *Components
	err error
}

// Service recognizes drawings. It is safe for concurrent use; the first
// call (or Warm) loads the components and every later call shares them.
type Service struct {
	load   Loader
	logger zerolog.Logger
	policy verdict.Policy
	topK   int

	once   sync.Once
	result atomic.Pointer[loaded]
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger used when the request context carries none.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithPolicy replaces the confidence tiers.
func WithPolicy(p verdict.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithTopK sets the number of candidates per verdict.
func WithTopK(k int) Option {
	return func(s *Service) { s.topK = k }
}

// New returns a Service that loads its components with load on first use.
func New(load Loader, opts ...Option) *Service {
	s := &Service{
		load:   load,
		logger: zerolog.Nop(),
		policy: verdict.DefaultPolicy,
		topK:   verdict.DefaultTopK,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Warm loads the components now instead of on the first request.
func (s *Service) Warm(ctx context.Context) error {
	_, err := s.components(ctx)
	return err
}

// State reports whether the components are loaded. It never triggers
// loading.
func (s *Service) State() State {
	r := s.result.Load()
	switch {
	case r == nil:
		return State{Phase: PhaseNotLoaded}
	case r.err != nil:
		return State{Phase: PhaseUnavailable, Reason: r.err.Error()}
	}
	return State{Phase: PhaseReady, Labels: r.c.Labels.Size()}
}

// Labels returns the loaded label table, loading it if needed.
func (s *Service) Labels(ctx context.Context) (*labels.Registry, error) {
	c, err := s.components(ctx)
	if err != nil {
		return nil, err
	}
	return c.Labels, nil
}

// Input returns the shape and layout RecognizeTensor expects.
func (s *Service) Input(ctx context.Context) ([]int64, tensor.Layout, error) {
	c, err := s.components(ctx)
	if err != nil {
		return nil, "", err
	}
	return c.Normalizer.Shape(), c.Normalizer.Options().Layout, nil
}

// Glyph returns the normalized drawing the classifier would see.
func (s *Service) Glyph(ctx context.Context, src preprocess.Source) (*image.Gray, error) {
	c, err := s.components(ctx)
	if err != nil {
		return nil, err
	}
	img, err := src.Image()
	if err != nil {
		return nil, err
	}
	return c.Normalizer.Glyph(img), nil
}

// Recognize normalizes src, classifies it and grades the result against
// expected. An empty expected label means correctness is not judged.
func (s *Service) Recognize(ctx context.Context, src preprocess.Source, expected string) (v verdict.Verdict) {
	c, err := s.components(ctx)
	if err != nil {
		return verdict.Failure(err)
	}
	defer s.recoverVerdict(ctx, &v)

	if src == nil {
		return verdict.Failure(fmt.Errorf("%w: no image", preprocess.ErrImageDecode))
	}
	t, err := c.Normalizer.Normalize(src)
	if err != nil {
		s.log(ctx).Debug().Err(err).Msg("normalize drawing")
		return verdict.Failure(err)
	}
	if l := s.log(ctx); l.GetLevel() <= zerolog.DebugLevel {
		st := t.Stats()
		l.Debug().
			Ints64("shape", t.Shape).
			Float64("min", st.Min).
			Float64("max", st.Max).
			Float64("mean", st.Mean).
			Msg("normalized drawing")
	}
	return s.classify(ctx, c, t, expected)
}

// RecognizeTensor grades an already normalized tensor.
func (s *Service) RecognizeTensor(ctx context.Context, t *tensor.Tensor, expected string) (v verdict.Verdict) {
	c, err := s.components(ctx)
	if err != nil {
		return verdict.Failure(err)
	}
	defer s.recoverVerdict(ctx, &v)
	return s.classify(ctx, c, t, expected)
}

// Close releases the loaded components. Later calls report unavailable.
func (s *Service) Close() {
	s.once.Do(func() {})
	r := s.result.Swap(&loaded{err: fmt.Errorf("%w: closed", ErrUnavailable)})
	if r != nil && r.c != nil && r.c.Close != nil {
		r.c.Close()
	}
}

func (s *Service) classify(ctx context.Context, c *Components, t *tensor.Tensor, expected string) verdict.Verdict {
	probs, err := c.Classifier.Classify(t)
	if err != nil {
		if errors.Is(err, model.ErrInference) {
			s.log(ctx).Error().Err(err).Msg("classifier rejected tensor")
		} else {
			s.log(ctx).Warn().Err(err).Msg("classify")
		}
		return verdict.Failure(err)
	}

	v, err := s.policy.Build(probs, c.Labels, expected, s.topK)
	if err != nil {
		s.log(ctx).Error().Err(err).Int("scores", len(probs)).Int("labels", c.Labels.Size()).Msg("build verdict")
		return verdict.Failure(err)
	}

	s.log(ctx).Debug().
		Str("top_label", v.TopLabel).
		Float32("confidence", v.Confidence).
		Str("status", string(v.Status)).
		Msg("recognized")
	return v
}

func (s *Service) components(ctx context.Context) (*Components, error) {
	s.once.Do(func() {
		c, err := s.safeLoad(ctx)
		if err == nil && (c == nil || c.Classifier == nil || c.Labels == nil || c.Normalizer == nil) {
			err = errors.New("loader returned incomplete components")
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrUnavailable, err)
			s.log(ctx).Error().Err(err).Msg("load recognizer; recognition disabled")
			s.result.Store(&loaded{err: err})
			return
		}
		s.log(ctx).Info().Int("labels", c.Labels.Size()).Ints64("input_shape", c.Normalizer.Shape()).Msg("recognizer ready")
		s.result.Store(&loaded{c: c})
	})
	r := s.result.Load()
	return r.c, r.err
}

func (s *Service) safeLoad(ctx context.Context) (c *Components, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("loader panic: %v", p)
		}
	}()
	return s.load(ctx)
}

func (s *Service) recoverVerdict(ctx context.Context, v *verdict.Verdict) {
	if p := recover(); p != nil {
		err := fmt.Errorf("recognition panic: %v", p)
		s.log(ctx).Error().Err(err).Msg("recovered")
		*v = verdict.Failure(err)
	}
}

// log prefers the request-scoped logger attached to ctx.
func (s *Service) log(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.logger
}
