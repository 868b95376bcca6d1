// Package inference serves single-image predictions from an exported model.
package inference

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path"

	"github.com/Brownie44l1/foodfocus/internal/fetch"
	"github.com/Brownie44l1/foodfocus/internal/model"
	"github.com/Brownie44l1/foodfocus/internal/nutrition"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
	"github.com/Brownie44l1/foodfocus/internal/store"
	"github.com/Brownie44l1/foodfocus/internal/tensor"
)

// FoodResponse is the result of one prediction. On failure Error is set and
// every numeric field is zero.
type FoodResponse struct {
	FoodName        string  `json:"food_name"`
	Calories        float64 `json:"calories"`
	Protein         float64 `json:"protein"`
	Carbs           float64 `json:"carbs"`
	Fat             float64 `json:"fat"`
	MatchConfidence float64 `json:"match_confidence"`
	Error           *string `json:"error"`
}

func failure(err error) FoodResponse {
	msg := err.Error()
	return FoodResponse{Error: &msg}
}

// Service wraps a trained model and the image processor it was trained with.
// Predict is safe for concurrent use.
type Service struct {
	model     *model.MultiTaskModel
	processor *preprocess.ImageProcessor
	metadata  model.ArtifactMetadata

	graphPath string
}

func NewService(m *model.MultiTaskModel, processor *preprocess.ImageProcessor) *Service {
	return &Service{model: m, processor: processor}
}

// Load reads the artifact at key from st. For an ONNX backbone the graph
// stored next to the artifact is copied to a temporary file and opened with
// the ONNX Runtime library at onnxLib.
func Load(ctx context.Context, st store.Store, key, onnxLib string) (*Service, error) {
	data, err := st.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact: %w", err)
	}
	artifact, err := model.ReadArtifact(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	var graphPath string
	if artifact.Backbone.Kind == model.KindONNX {
		graphKey := path.Join(path.Dir(key), artifact.Backbone.File)
		graphPath, err = stageGraph(ctx, st, graphKey)
		if err != nil {
			return nil, err
		}
	}

	svc, err := build(artifact, graphPath, onnxLib)
	if err != nil {
		if graphPath != "" {
			os.Remove(graphPath)
		}
		return nil, err
	}
	svc.graphPath = graphPath

	log.Printf("[Inference] Loaded %s backbone with %d labels from %s",
		artifact.Backbone.Kind, len(artifact.Labels), key)
	return svc, nil
}

func build(artifact *model.Artifact, graphPath, onnxLib string) (*Service, error) {
	processor, err := preprocess.NewImageProcessor(artifact.ImageProcessor)
	if err != nil {
		return nil, fmt.Errorf("invalid image processor: %w", err)
	}
	backbone, err := artifact.Backbone.Build(graphPath, onnxLib)
	if err != nil {
		return nil, fmt.Errorf("failed to build backbone: %w", err)
	}
	m, err := model.FromArtifact(artifact, backbone)
	if err != nil {
		if c, ok := backbone.(*model.ONNXBackbone); ok {
			c.Close()
		}
		return nil, err
	}
	svc := NewService(m, processor)
	svc.metadata = artifact.Metadata
	return svc, nil
}

func stageGraph(ctx context.Context, st store.Store, key string) (string, error) {
	graph, err := st.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to read backbone graph: %w", err)
	}
	f, err := os.CreateTemp("", "foodfocus-*.onnx")
	if err != nil {
		return "", fmt.Errorf("failed to stage backbone graph: %w", err)
	}
	if _, err := f.Write(graph); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage backbone graph: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to stage backbone graph: %w", err)
	}
	return f.Name(), nil
}

// Labels returns the food names the model can predict, by class id.
func (s *Service) Labels() []string { return s.model.Vocabulary().Labels() }

// Metadata describes the loaded artifact. It is zero for a service built
// with NewService.
func (s *Service) Metadata() model.ArtifactMetadata { return s.metadata }

// Predict decodes one uploaded image and returns the top food and its
// nutrition estimate. Errors are reported in the response.
func (s *Service) Predict(ctx context.Context, image []byte) FoodResponse {
	img, err := fetch.Decode(image)
	if err != nil {
		return failure(err)
	}

	size := s.processor.Size()
	pixels := tensor.Empty(s.processor.Channels(), size, size)
	if err := pixels.Append(s.processor.Process(img)); err != nil {
		return failure(err)
	}

	preds, err := s.model.Predict(ctx, pixels)
	if err != nil {
		log.Printf("[Inference] Prediction failed: %v", err)
		return failure(fmt.Errorf("prediction failed: %w", err))
	}
	p := preds[0]
	return FoodResponse{
		FoodName:        p.Label,
		Calories:        p.Nutrition[nutrition.Calories],
		Protein:         p.Nutrition[nutrition.Protein],
		Carbs:           p.Nutrition[nutrition.Carbohydrates],
		Fat:             p.Nutrition[nutrition.Fat],
		MatchConfidence: p.Confidence,
	}
}

// Close releases the ONNX session and the staged graph file, if any.
func (s *Service) Close() {
	if b, ok := s.model.Backbone().(*model.ONNXBackbone); ok {
		b.Close()
	}
	if s.graphPath != "" {
		os.Remove(s.graphPath)
		s.graphPath = ""
	}
}
