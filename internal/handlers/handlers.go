package handlers

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Brownie44l1/foodfocus/internal/inference"
)

// Predictor is the inference service seen by the HTTP layer.
type Predictor interface {
	Predict(ctx context.Context, image []byte) inference.FoodResponse
	Labels() []string
}

type Handler struct {
	predictor      Predictor
	maxUploadBytes int64
}

func NewHandler(predictor Predictor, maxUploadBytes int64) *Handler {
	return &Handler{
		predictor:      predictor,
		maxUploadBytes: maxUploadBytes,
	}
}

// Register mounts the handler's routes on r.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.POST("/api/recognize", h.Recognize)
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"labels": len(h.predictor.Labels()),
	})
}

func errorResponse(msg string) inference.FoodResponse {
	return inference.FoodResponse{Error: &msg}
}

// Recognize predicts the food in the multipart field "image". Images that
// cannot be decoded still get a 200 with the error field set.
func (h *Handler) Recognize(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+1<<20)

	header, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("No image file provided. Use 'image' as the form field name"))
		return
	}
	if header.Size > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge,
			errorResponse(fmt.Sprintf("image too large (max %d bytes)", h.maxUploadBytes)))
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("failed to open uploaded file"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("failed to read image"))
		return
	}

	log.Printf("[Server] Received %s (%d bytes)", header.Filename, len(data))

	result := h.predictor.Predict(c.Request.Context(), data)
	if result.Error != nil {
		log.Printf("[Server] Recognition failed for %s: %s", header.Filename, *result.Error)
	}
	c.JSON(http.StatusOK, result)
}
