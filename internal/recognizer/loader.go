package recognizer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Brownie44l1/kana-recognizer/internal/labels"
	"github.com/Brownie44l1/kana-recognizer/internal/model"
	"github.com/Brownie44l1/kana-recognizer/internal/preprocess"
)

// FileConfig locates the artifacts read by FileLoader.
type FileConfig struct {
	Model model.Config

	LabelsPath   string
	LabelOptions labels.LoadOptions
	// SecondaryPath is an optional JSON map of primary to secondary labels.
	SecondaryPath string

	// Preprocess tunes normalization. Size, channels and layout always come
	// from the model metadata.
	Preprocess preprocess.Options
}

// FileLoader loads the label table and the ONNX classifier from disk.
func FileLoader(cfg FileConfig) Loader {
	return func(ctx context.Context) (*Components, error) {
		reg, err := labels.LoadFile(cfg.LabelsPath, cfg.LabelOptions)
		if err != nil {
			return nil, err
		}
		if cfg.SecondaryPath != "" {
			m, err := labels.LoadSecondaryFile(cfg.SecondaryPath)
			if err != nil {
				return nil, err
			}
			reg = reg.WithSecondary(m)
		}

		server, err := model.Open(cfg.Model)
		if err != nil {
			return nil, err
		}
		meta := server.Metadata
		if reg.Size() != meta.NumClasses() {
			server.Close()
			return nil, fmt.Errorf("%w: %d labels in %s, model has %d outputs",
				labels.ErrIndexOutOfRange, reg.Size(), cfg.LabelsPath, meta.NumClasses())
		}

		opts := cfg.Preprocess
		opts.Size = meta.ImageSize
		opts.Channels = meta.Channels
		opts.Layout = meta.TensorLayout()
		normalizer, err := preprocess.NewNormalizer(opts)
		if err != nil {
			server.Close()
			return nil, fmt.Errorf("%w: %v", model.ErrModelLoad, err)
		}

		zerolog.Ctx(ctx).Debug().
			Str("model", cfg.Model.ModelPath).
			Str("labels", cfg.LabelsPath).
			Str("layout", meta.Layout).
			Str("activation", meta.Activation).
			Msg("artifacts loaded")

		return &Components{
			Classifier: server,
			Labels:     reg,
			Normalizer: normalizer,
			Close:      server.Close,
		}, nil
	}
}
