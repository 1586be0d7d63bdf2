package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/kana-recognizer/internal/config"
	"github.com/Brownie44l1/kana-recognizer/internal/handlers"
	"github.com/Brownie44l1/kana-recognizer/internal/logging"
	"github.com/Brownie44l1/kana-recognizer/internal/recognizer"
)

func main() {
	configPath := flag.String("config", "", "path to config.json")
	flag.Parse()

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

	// The server keeps running without a model; recognition requests then
	// answer 503 and /health reports the reason.
	ctx := logger.WithContext(context.Background())
	if err := svc.Warm(ctx); err != nil {
		log.Error().Err(err).
			Str("model", files.Model.ModelPath).
			Str("labels", files.LabelsPath).
			Msg("recognizer unavailable, serving degraded")
	}

	gin.SetMode(gin.ReleaseMode)
	h := handlers.NewHandler(svc, handlers.WithMaxUpload(cfg.MaxUploadBytes))
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(h, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("server starting")
		log.Info().Msg("endpoints: GET /health, GET /labels, POST /predict, POST /predict/image, POST /predict/base64")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("run server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdown); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}
