package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/foodfocus/internal/inference"
)

type fakePredictor struct {
	got []byte
}

func (f *fakePredictor) Predict(_ context.Context, image []byte) inference.FoodResponse {
	f.got = image
	if string(image) == "broken" {
		msg := "failed to decode image: unknown format"
		return inference.FoodResponse{Error: &msg}
	}
	return inference.FoodResponse{
		FoodName:        "pizza",
		Calories:        285,
		Protein:         12,
		Carbs:           36,
		Fat:             10,
		MatchConfidence: 0.91,
	}
}

func (f *fakePredictor) Labels() []string { return []string{"pizza", "salad"} }

func setupRouter(p Predictor, maxUpload int64) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewHandler(p, maxUpload).Register(r)
	return r
}

func uploadRequest(t *testing.T, field string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile(field, "meal.jpg")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/recognize", &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	r := setupRouter(&fakePredictor{}, 1<<20)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "healthy", out["status"])
	assert.Equal(t, float64(2), out["labels"])
}

func TestRecognize(t *testing.T) {
	p := &fakePredictor{}
	r := setupRouter(p, 1<<20)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "image", []byte("jpeg bytes")))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "jpeg bytes", string(p.got))
	out := decode(t, w)
	assert.Equal(t, "pizza", out["food_name"])
	assert.Equal(t, 285.0, out["calories"])
	assert.Equal(t, 36.0, out["carbs"])
	assert.Equal(t, 0.91, out["match_confidence"])
	assert.Contains(t, out, "error")
	assert.Nil(t, out["error"])
}

func TestRecognizeUndecodableImage(t *testing.T) {
	r := setupRouter(&fakePredictor{}, 1<<20)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "image", []byte("broken")))

	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "failed to decode image: unknown format", out["error"])
	assert.Equal(t, 0.0, out["calories"])
	assert.Equal(t, 0.0, out["match_confidence"])
}

func TestRecognizeMissingField(t *testing.T) {
	r := setupRouter(&fakePredictor{}, 1<<20)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "file", []byte("jpeg bytes")))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode(t, w)["error"], "'image'")
}

func TestRecognizeTooLarge(t *testing.T) {
	p := &fakePredictor{}
	r := setupRouter(p, 16)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(t, "image", bytes.Repeat([]byte("x"), 64)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Nil(t, p.got)
}
