package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, key := range []string{"PORT", "LOG_LEVEL", "LOG_FORMAT", "MODEL_PATH", "METADATA_PATH",
		"ONNXRUNTIME_LIB", "LABELS_PATH", "SECONDARY_PATH", "ONNX_SESSIONS"} {
		t.Setenv(key, "")
	}
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "config.json"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "models/model.onnx", cfg.Model.ModelPath)
	assert.Equal(t, "models/model_metadata.json", cfg.Model.MetadataPath)
	assert.Equal(t, "models/labels.txt", cfg.Labels.Path)
	assert.Equal(t, 2, cfg.Model.Sessions)
	assert.Equal(t, 3, cfg.TopK)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"port": "9000",
		"log_format": "json",
		"model": {"model_path": "/srv/kanji.onnx", "sessions": 4},
		"labels": {"path": "/srv/kanji_labels.txt", "index_column": true},
		"preprocess": {"margin": 8, "contrast_percent": 100},
		"top_k": 5
	}`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/srv/kanji.onnx", cfg.Model.ModelPath)
	assert.Equal(t, 4, cfg.Model.Sessions)
	assert.True(t, cfg.Labels.IndexColumn)
	assert.Equal(t, 8, cfg.Preprocess.Margin)
	assert.Equal(t, 5, cfg.TopK)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": 9000`), 0o644))
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port": "9000", "model": {"model_path": "a.onnx"}}`), 0o644))

	t.Setenv("PORT", "7000")
	t.Setenv("MODEL_PATH", "/models/hiragana.onnx")
	t.Setenv("LABELS_PATH", "/models/hiragana_labels.txt")
	t.Setenv("ONNXRUNTIME_LIB", "/usr/lib/libonnxruntime.so")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("ONNX_SESSIONS", "8")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.Port)
	assert.Equal(t, "/models/hiragana.onnx", cfg.Model.ModelPath)
	assert.Equal(t, "/models/hiragana_labels.txt", cfg.Labels.Path)
	assert.Equal(t, "/usr/lib/libonnxruntime.so", cfg.Model.LibraryPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.Model.Sessions)
}

func TestApplyEnvBadNumber(t *testing.T) {
	var cfg Config
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		if key == "ONNX_SESSIONS" {
			return "many", true
		}
		return "", false
	})
	require.Error(t, err)
}

func TestRecognizer(t *testing.T) {
	cfg := Config{
		Model:      ModelConfig{ModelPath: "m.onnx", MetadataPath: "m.json", LibraryPath: "lib.so", Sessions: 3},
		Labels:     LabelsConfig{Path: "labels.txt", IndexColumn: true, SecondaryPath: "romaji.json"},
		Preprocess: PreprocessConfig{BrightThreshold: 210, ForegroundThreshold: 1, Margin: 6, ContrastPercent: 100},
	}
	fc, err := cfg.Recognizer()
	require.NoError(t, err)

	assert.Equal(t, "m.onnx", fc.Model.ModelPath)
	assert.Equal(t, "m.json", fc.Model.MetadataPath)
	assert.Equal(t, "lib.so", fc.Model.LibraryPath)
	assert.Equal(t, 3, fc.Model.Sessions)
	assert.Equal(t, "labels.txt", fc.LabelsPath)
	assert.True(t, fc.LabelOptions.IndexColumn)
	assert.Equal(t, "romaji.json", fc.SecondaryPath)
	assert.Equal(t, uint8(210), fc.Preprocess.BrightThreshold)
	assert.Equal(t, uint8(1), fc.Preprocess.ForegroundThreshold)
	assert.Equal(t, 6, fc.Preprocess.Margin)
	assert.Equal(t, 100.0, fc.Preprocess.ContrastPercent)
}

func TestRecognizerZeroThresholdsTakeDefaults(t *testing.T) {
	fc, err := Config{Preprocess: PreprocessConfig{Margin: -1}}.Recognizer()
	require.NoError(t, err)

	opts := fc.Preprocess
	opts.ApplyDefaults()
	assert.Equal(t, uint8(200), opts.BrightThreshold)
	assert.Equal(t, uint8(25), opts.ForegroundThreshold)
	assert.Equal(t, -1, opts.Margin)
}
