package model

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/nutrition"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
)

const (
	ArtifactVersion   = "1.0.0"
	ArtifactFramework = "foodfocus"

	// BackboneFile is the key of an ONNX backbone graph next to model.json.
	BackboneFile = "backbone.onnx"
	ModelFile    = "model.json"
)

// Artifact snapshots the model with the processor config it was trained
// with. The weights are copies; later training does not change them.
func (m *MultiTaskModel) Artifact(proc preprocess.ProcessorConfig) *Artifact {
	return &Artifact{
		Metadata: ArtifactMetadata{
			Version:   ArtifactVersion,
			Framework: ArtifactFramework,
			CreatedAt: time.Now().UTC(),
		},
		Labels:         m.vocab.Labels(),
		Backbone:       describeBackbone(m.backbone),
		ImageProcessor: proc,
		Heads: HeadSpec{
			NutritionHidden:  m.cfg.NutritionHidden,
			NutritionFields:  nutrition.Names(),
			RegressionWeight: m.cfg.RegressionWeight,
		},
		Weights: m.StateDict(),
	}
}

func describeBackbone(b Backbone) BackboneSpec {
	spec := BackboneSpec{Kind: b.Kind(), HiddenSize: b.HiddenSize()}
	switch bb := b.(type) {
	case *PatchPoolBackbone:
		spec.Channels = bb.Channels()
		spec.Grid = bb.Grid()
	case *ONNXBackbone:
		cfg := bb.Config()
		spec.File = BackboneFile
		spec.InputName = cfg.InputName
		spec.OutputName = cfg.OutputName
	}
	return spec
}

// Build creates an untrained backbone of the recorded kind. onnxPath is
// where the artifact's graph file was placed locally and libPath the ONNX
// Runtime shared library; both are ignored for other kinds.
func (s BackboneSpec) Build(onnxPath, libPath string) (Backbone, error) {
	switch s.Kind {
	case KindPatchPool:
		return NewPatchPoolBackbone(s.Channels, s.Grid, s.HiddenSize, 0)
	case KindONNX:
		return NewONNXBackbone(ONNXConfig{
			ModelPath:         onnxPath,
			SharedLibraryPath: libPath,
			InputName:         s.InputName,
			OutputName:        s.OutputName,
			HiddenSize:        s.HiddenSize,
		})
	default:
		return nil, fmt.Errorf("unknown backbone kind %q", s.Kind)
	}
}

// FromArtifact rebuilds a model around backbone and loads the artifact's
// weights into it. The backbone must match the artifact's backbone spec.
func FromArtifact(a *Artifact, backbone Backbone) (*MultiTaskModel, error) {
	if backbone.Kind() != a.Backbone.Kind || backbone.HiddenSize() != a.Backbone.HiddenSize {
		return nil, fmt.Errorf("backbone %s/%d does not match artifact %s/%d",
			backbone.Kind(), backbone.HiddenSize(), a.Backbone.Kind, a.Backbone.HiddenSize)
	}
	vocab, err := dataset.VocabularyFromLabels(a.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to restore vocabulary: %w", err)
	}
	m, err := NewMultiTaskModel(backbone, vocab, Config{
		NutritionHidden:  a.Heads.NutritionHidden,
		RegressionWeight: a.Heads.RegressionWeight,
	})
	if err != nil {
		return nil, err
	}
	if err := m.LoadStateDict(a.Weights); err != nil {
		return nil, fmt.Errorf("failed to load weights: %w", err)
	}
	return m, nil
}

// WriteArtifact encodes a as indented JSON.
func WriteArtifact(w io.Writer, a *Artifact) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(a); err != nil {
		return fmt.Errorf("failed to encode artifact: %w", err)
	}
	return nil
}

func ReadArtifact(r io.Reader) (*Artifact, error) {
	var a Artifact
	if err := json.NewDecoder(r).Decode(&a); err != nil {
		return nil, fmt.Errorf("failed to decode artifact: %w", err)
	}
	if len(a.Labels) == 0 {
		return nil, fmt.Errorf("artifact has no labels")
	}
	return &a, nil
}
