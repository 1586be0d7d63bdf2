// Package config loads the server configuration from config.json and the
// environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/up-zero/gotool/convertutil"

	"github.com/Brownie44l1/kana-recognizer/internal/labels"
	"github.com/Brownie44l1/kana-recognizer/internal/model"
	"github.com/Brownie44l1/kana-recognizer/internal/preprocess"
	"github.com/Brownie44l1/kana-recognizer/internal/recognizer"
)

const defaultConfigFile = "config.json"

// ModelConfig locates the ONNX classifier.
type ModelConfig struct {
	ModelPath    string `json:"model_path"`
	MetadataPath string `json:"metadata_path"`
	LibraryPath  string `json:"library_path"`
	Sessions     int    `json:"sessions"`
}

// LabelsConfig locates the label table.
type LabelsConfig struct {
	Path          string `json:"path"`
	IndexColumn   bool   `json:"index_column"`
	SecondaryPath string `json:"secondary_path"`
}

// PreprocessConfig tunes drawing normalization. Zero values take the
// normalizer defaults, so a threshold cannot be set to 0; use 1 to count
// every non-black pixel. A negative margin disables the margin.
type PreprocessConfig struct {
	BrightThreshold     uint8   `json:"bright_threshold"`
	ForegroundThreshold uint8   `json:"foreground_threshold"`
	Margin              int     `json:"margin"`
	MedianRadius        float64 `json:"median_radius"`
	ContrastPercent     float64 `json:"contrast_percent"`
}

// Config aggregates runtime settings.
type Config struct {
	Port      string `json:"port"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	Model      ModelConfig      `json:"model"`
	Labels     LabelsConfig     `json:"labels"`
	Preprocess PreprocessConfig `json:"preprocess"`

	TopK           int   `json:"top_k"`
	MaxUploadBytes int64 `json:"max_upload_bytes"`
}

// LoadConfig reads path (config.json when empty), applies environment
// overrides and fills defaults. A missing file yields the defaults.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		path = defaultConfigFile
	}
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"PORT":            &c.Port,
		"LOG_LEVEL":       &c.LogLevel,
		"LOG_FORMAT":      &c.LogFormat,
		"MODEL_PATH":      &c.Model.ModelPath,
		"METADATA_PATH":   &c.Model.MetadataPath,
		"ONNXRUNTIME_LIB": &c.Model.LibraryPath,
		"LABELS_PATH":     &c.Labels.Path,
		"SECONDARY_PATH":  &c.Labels.SecondaryPath,
	}
	for key, dst := range str {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	if v, ok := lookup("ONNX_SESSIONS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ONNX_SESSIONS: %w", err)
		}
		c.Model.Sessions = n
	}
	return nil
}

// ApplyDefaults populates zero values.
func (c *Config) ApplyDefaults() {
	if c.Port == "" {
		c.Port = "8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Model.ModelPath == "" {
		c.Model.ModelPath = "models/model.onnx"
	}
	if c.Model.MetadataPath == "" {
		c.Model.MetadataPath = "models/model_metadata.json"
	}
	if c.Model.Sessions <= 0 {
		c.Model.Sessions = 2
	}
	if c.Labels.Path == "" {
		c.Labels.Path = "models/labels.txt"
	}
	if c.TopK <= 0 {
		c.TopK = 3
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 10 << 20
	}
}

// Recognizer converts the settings into the file loader configuration.
func (c Config) Recognizer() (recognizer.FileConfig, error) {
	fc := recognizer.FileConfig{
		LabelsPath:    c.Labels.Path,
		LabelOptions:  labels.LoadOptions{IndexColumn: c.Labels.IndexColumn},
		SecondaryPath: c.Labels.SecondaryPath,
	}
	var mc model.Config
	if err := convertutil.CopyProperties(c.Model, &mc); err != nil {
		return fc, fmt.Errorf("model config: %w", err)
	}
	var po preprocess.Options
	if err := convertutil.CopyProperties(c.Preprocess, &po); err != nil {
		return fc, fmt.Errorf("preprocess config: %w", err)
	}
	fc.Model = mc
	fc.Preprocess = po
	return fc, nil
}
