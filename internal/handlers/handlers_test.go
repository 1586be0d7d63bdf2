package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/kana-recognizer/internal/labels"
	"github.com/Brownie44l1/kana-recognizer/internal/model"
	"github.com/Brownie44l1/kana-recognizer/internal/preprocess"
	"github.com/Brownie44l1/kana-recognizer/internal/recognizer"
	"github.com/Brownie44l1/kana-recognizer/internal/tensor"
	"github.com/Brownie44l1/kana-recognizer/internal/verdict"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type progressCall struct{ user, character string }

type fakeProgress struct {
	mu    sync.Mutex
	calls []progressCall
}

func (f *fakeProgress) MarkLearned(_ context.Context, userID, characterID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, progressCall{userID, characterID})
	return nil
}

func kanaService(t *testing.T, scores tensor.Probabilities) *recognizer.Service {
	t.Helper()
	normalizer, err := preprocess.NewNormalizer(preprocess.DefaultOptions())
	require.NoError(t, err)
	return recognizer.New(func(context.Context) (*recognizer.Components, error) {
		return &recognizer.Components{
			Classifier: model.Func(func(*tensor.Tensor) (tensor.Probabilities, error) { return scores, nil }),
			Labels: labels.FromEntries([]labels.Entry{
				{Primary: "あ", Secondary: "a"},
				{Primary: "い", Secondary: "i"},
				{Primary: "う", Secondary: "u"},
			}),
			Normalizer: normalizer,
		}, nil
	})
}

func brokenService() *recognizer.Service {
	return recognizer.New(func(context.Context) (*recognizer.Components, error) {
		return nil, errors.New("model.onnx: no such file")
	})
}

func router(svc Recognizer, opts ...Option) *gin.Engine {
	return NewRouter(NewHandler(svc, opts...), zerolog.Nop())
}

func drawingPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 48, 48))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	for y := 10; y < 38; y++ {
		for x := 22; x < 26; x++ {
			img.SetGray(x, y, color.Gray{})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if image != nil {
		part, err := w.CreateFormFile("image", "drawing.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(t *testing.T, path string, v any) *http.Request {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeVerdict(t *testing.T, w *httptest.ResponseRecorder) verdict.Verdict {
	t.Helper()
	var v verdict.Verdict
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestPredictFromImage(t *testing.T) {
	progress := &fakeProgress{}
	r := router(kanaService(t, tensor.Probabilities{0.05, 0.9, 0.05}), WithProgress(progress))

	w := serve(r, multipartRequest(t, drawingPNG(t), map[string]string{
		"expected": "い", "user_id": "u1", "character_id": "hiragana-i",
	}))
	require.Equal(t, http.StatusOK, w.Code)

	v := decodeVerdict(t, w)
	assert.True(t, v.Success)
	assert.Equal(t, "い", v.TopLabel)
	assert.Equal(t, verdict.StatusGood, v.Status)
	require.NotNil(t, v.IsCorrect)
	assert.True(t, *v.IsCorrect)
	assert.Equal(t, []progressCall{{"u1", "hiragana-i"}}, progress.calls)
}

func TestPredictFromImageErrors(t *testing.T) {
	r := router(kanaService(t, tensor.Probabilities{0.05, 0.9, 0.05}))

	tests := []struct {
		name  string
		image []byte
	}{
		{name: "missing field"},
		{name: "not an image", image: []byte("not an image")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(r, multipartRequest(t, tt.image, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			v := decodeVerdict(t, w)
			assert.False(t, v.Success)
			assert.Equal(t, verdict.StatusError, v.Status)
			assert.NotEmpty(t, v.Message)
		})
	}
}

func TestPredictFromImageTooLarge(t *testing.T) {
	r := router(kanaService(t, tensor.Probabilities{0.05, 0.9, 0.05}), WithMaxUpload(64))
	w := serve(r, multipartRequest(t, drawingPNG(t), nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPredictBase64(t *testing.T) {
	progress := &fakeProgress{}
	r := router(kanaService(t, tensor.Probabilities{0.05, 0.9, 0.05}), WithProgress(progress))
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(drawingPNG(t))

	tests := []struct {
		name     string
		req      Base64Request
		code     int
		status   verdict.Status
		recorded bool
	}{
		{name: "correct", req: Base64Request{Image: dataURL, Expected: "い", UserID: "u1", CharacterID: "c1"}, code: http.StatusOK, status: verdict.StatusGood, recorded: true},
		{name: "incorrect", req: Base64Request{Image: dataURL, Expected: "あ", UserID: "u1", CharacterID: "c1"}, code: http.StatusOK, status: verdict.StatusClose},
		{name: "no expected", req: Base64Request{Image: dataURL, UserID: "u1", CharacterID: "c1"}, code: http.StatusOK, status: verdict.StatusHigh},
		{name: "correct without ids", req: Base64Request{Image: dataURL, Expected: "い"}, code: http.StatusOK, status: verdict.StatusGood},
		{name: "garbage", req: Base64Request{Image: "data:image/png;base64,bm90IGFuIGltYWdl"}, code: http.StatusBadRequest, status: verdict.StatusError},
		{name: "missing image", req: Base64Request{Expected: "い"}, code: http.StatusBadRequest, status: verdict.StatusError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			progress.calls = nil
			w := serve(r, jsonRequest(t, "/predict/base64", tt.req))
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.status, decodeVerdict(t, w).Status)
			assert.Equal(t, tt.recorded, len(progress.calls) == 1)
		})
	}
}

func TestPredictTensor(t *testing.T) {
	r := router(kanaService(t, tensor.Probabilities{0.01, 0.01, 0.98}))

	w := serve(r, jsonRequest(t, "/predict", PredictionRequest{Image: make([]float32, 28*28), Expected: "う"}))
	require.Equal(t, http.StatusOK, w.Code)
	v := decodeVerdict(t, w)
	assert.Equal(t, "う", v.TopLabel)
	assert.Equal(t, verdict.StatusExcellent, v.Status)

	w = serve(r, jsonRequest(t, "/predict", PredictionRequest{Image: make([]float32, 10)}))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeVerdict(t, w).Message, "expected 784 values, got 10")

	req := httptest.NewRequest(http.MethodPost, "/predict", bytes.NewBufferString("{"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, serve(r, req).Code)
}

func TestUnavailable(t *testing.T) {
	r := router(brokenService())

	requests := []*http.Request{
		multipartRequest(t, drawingPNG(t), nil),
		jsonRequest(t, "/predict/base64", Base64Request{Image: base64.StdEncoding.EncodeToString(drawingPNG(t))}),
		jsonRequest(t, "/predict", PredictionRequest{Image: make([]float32, 784)}),
		httptest.NewRequest(http.MethodGet, "/labels", nil),
	}
	for _, req := range requests {
		w := serve(r, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, req.URL.Path)
		v := decodeVerdict(t, w)
		assert.False(t, v.Success)
		assert.Contains(t, v.Message, "recognizer unavailable")
	}

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status     string           `json:"status"`
		Recognizer recognizer.State `json:"recognizer"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, recognizer.PhaseUnavailable, body.Recognizer.Phase)
}

func TestHealth(t *testing.T) {
	svc := kanaService(t, tensor.Probabilities{1, 0, 0})
	r := router(svc)

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy","recognizer":{"phase":"not_loaded"}}`, w.Body.String())

	require.NoError(t, svc.Warm(context.Background()))
	w = serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy","recognizer":{"phase":"ready","labels":3}}`, w.Body.String())
}

func TestLabels(t *testing.T) {
	r := router(kanaService(t, tensor.Probabilities{1, 0, 0}))
	w := serve(r, httptest.NewRequest(http.MethodGet, "/labels", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Labels []labels.Entry `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Labels, 3)
	assert.Equal(t, "う", body.Labels[2].Primary)
	assert.Equal(t, "u", body.Labels[2].Secondary)
}

func TestRequestID(t *testing.T) {
	r := router(kanaService(t, tensor.Probabilities{1, 0, 0}))

	w := serve(r, httptest.NewRequest(http.MethodGet, "/health", nil))
	_, err := uuid.Parse(w.Header().Get(RequestIDHeader))
	require.NoError(t, err)

	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, id)
	w = serve(r, req)
	assert.Equal(t, id, w.Header().Get(RequestIDHeader))
}

func TestRequestLoggerAttachesID(t *testing.T) {
	var buf bytes.Buffer
	progress := &fakeProgress{}
	h := NewHandler(kanaService(t, tensor.Probabilities{0.05, 0.9, 0.05}), WithProgress(progress))
	r := NewRouter(h, zerolog.New(&buf))

	req := jsonRequest(t, "/predict/base64", Base64Request{
		Image: base64.StdEncoding.EncodeToString(drawingPNG(t)),
	})
	id := uuid.NewString()
	req.Header.Set(RequestIDHeader, id)
	serve(r, req)

	var entry map[string]any
	require.NoError(t, json.NewDecoder(&buf).Decode(&entry))
	assert.Equal(t, id, entry["request_id"])
}

func TestCORSPreflight(t *testing.T) {
	r := router(kanaService(t, tensor.Probabilities{1, 0, 0}))
	w := serve(r, httptest.NewRequest(http.MethodOptions, "/predict/image", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
