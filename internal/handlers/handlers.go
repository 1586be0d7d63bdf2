// Package handlers exposes the recognizer over HTTP.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Brownie44l1/kana-recognizer/internal/labels"
	"github.com/Brownie44l1/kana-recognizer/internal/preprocess"
	"github.com/Brownie44l1/kana-recognizer/internal/recognizer"
	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
	"github.com/Brownie44l1/kana-recognizer/internal/verdict"
)

// Recognizer is the part of recognizer.Service the handlers use.
type Recognizer interface {
	Recognize(ctx context.Context, src preprocess.Source, expected string) verdict.Verdict
	RecognizeTensor(ctx context.Context, t *tensor.Tensor, expected string) verdict.Verdict
	Input(ctx context.Context) ([]int64, tensor.Layout, error)
	Labels(ctx context.Context) (*labels.Registry, error)
	State() recognizer.State
}

// PredictionRequest carries an already normalized tensor.
type PredictionRequest struct {
	Image    []float32 `json:"image"`
	Expected string    `json:"expected"`
}

// Base64Request carries a canvas export such as "data:image/png;base64,...".
type Base64Request struct {
	Image       string `json:"image" binding:"required"`
	Expected    string `json:"expected"`
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
}

// Handler serves recognition requests.
type Handler struct {
	recognizer Recognizer
	progress   ProgressRecorder
	maxUpload  int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithProgress records learned characters with p.
func WithProgress(p ProgressRecorder) Option {
	return func(h *Handler) { h.progress = p }
}

// WithMaxUpload limits image uploads to n bytes.
func WithMaxUpload(n int64) Option {
	return func(h *Handler) { h.maxUpload = n }
}

// NewHandler returns a Handler that logs progress and accepts 10MB uploads
// unless configured otherwise.
func NewHandler(r Recognizer, opts ...Option) *Handler {
	h := &Handler{
		recognizer: r,
		progress:   LogRecorder{},
		maxUpload:  10 << 20,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/labels", h.Labels)
	r.POST("/predict", h.Predict)
	r.POST("/predict/image", h.PredictFromImage)
	r.POST("/predict/base64", h.PredictBase64)
}

// Health reports liveness and the recognizer state; it never loads the model.
func (h *Handler) Health(c *gin.Context) {
	state := h.recognizer.State()
	status := "healthy"
	if state.Phase == recognizer.PhaseUnavailable {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "recognizer": state})
}

// Labels lists the characters the model knows.
func (h *Handler) Labels(c *gin.Context) {
	reg, err := h.recognizer.Labels(c.Request.Context())
	if err != nil {
		h.respond(c, verdict.Failure(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"labels": reg.Entries()})
}

// Predict classifies a raw tensor in the model input layout.
func (h *Handler) Predict(c *gin.Context) {
	var req PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid JSON: %v", err)
		return
	}

	ctx := c.Request.Context()
	shape, layout, err := h.recognizer.Input(ctx)
	if err != nil {
		h.respond(c, verdict.Failure(err))
		return
	}
	t := &tensor.Tensor{Shape: shape, Layout: layout, Data: req.Image}
	if want := t.Elements(); len(req.Image) != want {
		h.badRequest(c, "expected %d values, got %d", want, len(req.Image))
		return
	}

	h.respond(c, h.recognizer.RecognizeTensor(ctx, t, req.Expected))
}

// PredictFromImage classifies a multipart upload in the "image" field. The
// optional "expected", "user_id" and "character_id" form fields grade the
// drawing and record progress.
func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	file, err := c.FormFile("image")
	if err != nil {
		h.badRequest(c, "no image file provided, use 'image' as the form field name")
		return
	}
	f, err := file.Open()
	if err != nil {
		h.badRequest(c, "failed to open uploaded file")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		h.badRequest(c, "failed to read image")
		return
	}
	zerolog.Ctx(c.Request.Context()).Debug().
		Str("filename", file.Filename).
		Int64("size", file.Size).
		Msg("received upload")

	v := h.recognizer.Recognize(c.Request.Context(), preprocess.Bytes(data), c.PostForm("expected"))
	h.record(c, v, c.PostForm("user_id"), c.PostForm("character_id"))
	h.respond(c, v)
}

// PredictBase64 classifies a base64 canvas export.
func (h *Handler) PredictBase64(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload)

	var req Base64Request
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request: %v", err)
		return
	}

	v := h.recognizer.Recognize(c.Request.Context(), preprocess.Base64(req.Image), req.Expected)
	h.record(c, v, req.UserID, req.CharacterID)
	h.respond(c, v)
}

// record marks the character learned when the drawing was graded correct.
func (h *Handler) record(c *gin.Context, v verdict.Verdict, userID, characterID string) {
	if v.IsCorrect == nil || !*v.IsCorrect || userID == "" || characterID == "" {
		return
	}
	ctx := c.Request.Context()
	if err := h.progress.MarkLearned(ctx, userID, characterID); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).
			Str("user_id", userID).
			Str("character_id", characterID).
			Msg("record progress")
	}
}

func (h *Handler) respond(c *gin.Context, v verdict.Verdict) {
	c.JSON(statusCode(v), v)
}

func (h *Handler) badRequest(c *gin.Context, format string, args ...any) {
	err := fmt.Errorf(format, args...)
	zerolog.Ctx(c.Request.Context()).Debug().Err(err).Msg("bad request")
	c.JSON(http.StatusBadRequest, verdict.Failure(err))
}

// statusCode maps a verdict to an HTTP status. Recognition failures other
// than bad input and an unavailable recognizer are reported in the body.
func statusCode(v verdict.Verdict) int {
	switch {
	case v.Success:
		return http.StatusOK
	case errors.Is(v.Err, preprocess.ErrImageDecode):
		return http.StatusBadRequest
	case errors.Is(v.Err, recognizer.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}
