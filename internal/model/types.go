package model

import (
	"time"

	"github.com/Brownie44l1/foodfocus/internal/preprocess"
)

// Artifact is the persisted form of a trained model: weights, the label
// vocabulary and everything needed to rebuild the backbone and the pixel
// transform at inference time. Checkpoints use the same layout.
type Artifact struct {
	Metadata       ArtifactMetadata           `json:"metadata"`
	Labels         []string                   `json:"id2label"`
	Backbone       BackboneSpec               `json:"backbone"`
	ImageProcessor preprocess.ProcessorConfig `json:"image_processor"`
	Heads          HeadSpec                   `json:"heads"`
	Weights        []WeightTensor             `json:"weights"`
	TrainingState  *TrainingState             `json:"training_state,omitempty"`
}

type ArtifactMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
}

// BackboneSpec records which backbone produced the pooled features.
type BackboneSpec struct {
	Kind       string `json:"kind"`
	HiddenSize int    `json:"hidden_size"`

	// patchpool
	Channels int `json:"channels,omitempty"`
	Grid     int `json:"grid,omitempty"`

	// onnx; File is the graph's key next to the artifact.
	File       string `json:"file,omitempty"`
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`
}

type HeadSpec struct {
	NutritionHidden  int      `json:"nutrition_hidden"`
	NutritionFields  []string `json:"nutrition_fields"`
	RegressionWeight float64  `json:"regression_weight"`
}

// WeightTensor is one named parameter.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// TrainingState is present on checkpoints.
type TrainingState struct {
	Epoch        float64 `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float64 `json:"learning_rate"`
	EvalLoss     float64 `json:"eval_loss"`
	BestEvalLoss float64 `json:"best_eval_loss"`
	TotalSteps   int     `json:"total_steps"`
}
