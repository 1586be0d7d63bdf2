// Command recognize classifies handwriting images from disk and prints one
// verdict per file as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog/log"
	"github.com/up-zero/gotool/imageutil"

	"github.com/Brownie44l1/kana-recognizer/internal/config"
	"github.com/Brownie44l1/kana-recognizer/internal/logging"
	"github.com/Brownie44l1/kana-recognizer/internal/preprocess"
	"github.com/Brownie44l1/kana-recognizer/internal/recognizer"
	"github.com/Brownie44l1/kana-recognizer/internal/verdict"
)

type result struct {
	File string `json:"file"`
	verdict.Verdict
}

func main() {
	configPath := flag.String("config", "", "path to config.json")
	expected := flag.String("expected", "", "character the drawing should show")
	glyphDir := flag.String("glyph-dir", "", "write each normalized glyph as PNG into this directory")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] image...\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	logger, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatal().Err(err).Msg("configure logging")
	}
	log.Logger = logger

	files, err := cfg.Recognizer()
	if err != nil {
		log.Fatal().Err(err).Msg("resolve recognizer config")
	}
	svc := recognizer.New(recognizer.FileLoader(files),
		recognizer.WithLogger(logger),
		recognizer.WithTopK(cfg.TopK))
	defer svc.Close()

	ctx := context.Background()
	if err := svc.Warm(ctx); err != nil {
		log.Fatal().Err(err).Msg("load recognizer")
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	failed := false
	for _, path := range flag.Args() {
		img, err := imageutil.Open(path)
		if err != nil {
			log.Error().Err(err).Str("file", path).Msg("open image")
			failed = true
			continue
		}
		src := preprocess.Bitmap{Img: img}

		v := svc.Recognize(ctx, src, *expected)
		failed = failed || !v.Success
		if err := enc.Encode(result{File: path, Verdict: v}); err != nil {
			log.Fatal().Err(err).Msg("write result")
		}

		if *glyphDir != "" {
			if err := saveGlyph(ctx, svc, src, *glyphDir, path); err != nil {
				log.Warn().Err(err).Str("file", path).Msg("save glyph")
			}
		}
	}
	if failed {
		os.Exit(1)
	}
}

func saveGlyph(ctx context.Context, svc *recognizer.Service, src preprocess.Source, dir, path string) error {
	glyph, err := svc.Glyph(ctx, src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)) + "_glyph.png"
	return imaging.Save(glyph, filepath.Join(dir, name))
}
