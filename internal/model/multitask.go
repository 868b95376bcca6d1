package model

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/nutrition"
	"github.com/Brownie44l1/foodfocus/internal/preprocess"
	"github.com/Brownie44l1/foodfocus/internal/tensor"
)

// DefaultNutritionHidden is the width of the regression head's hidden layer.
const DefaultNutritionHidden = 256

type Config struct {
	NutritionHidden  int     `yaml:"nutrition_hidden"`
	RegressionWeight float64 `yaml:"regression_weight"`
	Seed             uint64  `yaml:"seed"`
}

func DefaultConfig() Config {
	return Config{
		NutritionHidden:  DefaultNutritionHidden,
		RegressionWeight: DefaultRegressionWeight,
		Seed:             42,
	}
}

// MultiTaskModel puts a classification head and a nutrition regression
// head on top of a shared backbone.
type MultiTaskModel struct {
	cfg      Config
	backbone Backbone
	vocab    *dataset.Vocabulary

	classifier *Dense
	nutrHidden *Dense
	nutrOut    *Dense
}

// Output holds the head outputs of one forward pass. The loss fields are
// only set by ForwardWithTargets.
type Output struct {
	Logits    *mat.Dense
	Nutrition *mat.Dense

	HasLoss   bool
	Loss      float64
	ClassLoss float64
	RegLoss   float64

	pixels        *tensor.Pixels
	pooled        *mat.Dense
	hiddenPre     *mat.Dense
	hidden        *mat.Dense
	gradLogits    *mat.Dense
	gradNutrition *mat.Dense
}

// Rows is the number of samples in the output.
func (o *Output) Rows() int {
	r, _ := o.Logits.Dims()
	return r
}

// NutritionRow returns the predicted vector for sample i.
func (o *Output) NutritionRow(i int) nutrition.Vector {
	var v nutrition.Vector
	copy(v[:], o.Nutrition.RawRowView(i))
	return v
}

// NewMultiTaskModel creates freshly initialized heads sized for the
// vocabulary and the backbone's hidden size.
func NewMultiTaskModel(backbone Backbone, vocab *dataset.Vocabulary, cfg Config) (*MultiTaskModel, error) {
	if backbone == nil {
		return nil, errors.New("model: backbone is required")
	}
	if vocab == nil || vocab.Size() == 0 {
		return nil, errors.New("model: vocabulary is empty")
	}
	if cfg.NutritionHidden <= 0 {
		cfg.NutritionHidden = DefaultNutritionHidden
	}
	if cfg.RegressionWeight < 0 {
		return nil, fmt.Errorf("model: regression weight must not be negative, got %v", cfg.RegressionWeight)
	}

	hidden := backbone.HiddenSize()
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1))
	return &MultiTaskModel{
		cfg:        cfg,
		backbone:   backbone,
		vocab:      vocab,
		classifier: NewDense("classifier", hidden, vocab.Size(), rng),
		nutrHidden: NewDense("nutrition.0", hidden, cfg.NutritionHidden, rng),
		nutrOut:    NewDense("nutrition.2", cfg.NutritionHidden, nutrition.NumFields, rng),
	}, nil
}

func (m *MultiTaskModel) Config() Config                  { return m.cfg }
func (m *MultiTaskModel) Backbone() Backbone              { return m.backbone }
func (m *MultiTaskModel) Vocabulary() *dataset.Vocabulary { return m.vocab }

// Forward runs the backbone and both heads.
func (m *MultiTaskModel) Forward(ctx context.Context, pixels *tensor.Pixels) (*Output, error) {
	pooled, err := m.backbone.Extract(ctx, pixels)
	if err != nil {
		return nil, fmt.Errorf("backbone forward: %w", err)
	}
	rows, cols := pooled.Dims()
	if rows != pixels.N || cols != m.backbone.HiddenSize() {
		return nil, fmt.Errorf("backbone returned %dx%d for %d images of hidden size %d",
			rows, cols, pixels.N, m.backbone.HiddenSize())
	}

	pre := m.nutrHidden.Forward(pooled)
	hidden := relu(pre)
	return &Output{
		Logits:    m.classifier.Forward(pooled),
		Nutrition: m.nutrOut.Forward(hidden),
		pixels:    pixels,
		pooled:    pooled,
		hiddenPre: pre,
		hidden:    hidden,
	}, nil
}

// ForwardWithTargets runs Forward and computes the combined loss against
// the batch labels and nutrition targets.
func (m *MultiTaskModel) ForwardWithTargets(ctx context.Context, batch *preprocess.Batch) (*Output, error) {
	if batch.Empty() {
		return nil, errors.New("model: empty batch")
	}
	out, err := m.Forward(ctx, batch.Pixels)
	if err != nil {
		return nil, err
	}

	clsLoss, gradLogits, err := CrossEntropy(out.Logits, batch.Labels)
	if err != nil {
		return nil, err
	}
	regLoss, gradNutr, err := MSE(out.Nutrition, batch.Targets)
	if err != nil {
		return nil, err
	}

	out.HasLoss = true
	out.ClassLoss = clsLoss
	out.RegLoss = regLoss
	out.Loss = CombineLoss(clsLoss, regLoss, m.cfg.RegressionWeight)

	// d(cls + a*reg)/d(nutrition) = a * d(reg)/d(nutrition)
	gradNutr.Scale(m.cfg.RegressionWeight, gradNutr)
	out.gradLogits = gradLogits
	out.gradNutrition = gradNutr
	return out, nil
}

// Backward accumulates the gradients of out.Loss into every parameter.
// The backbone only receives a gradient when it is trainable.
func (m *MultiTaskModel) Backward(ctx context.Context, out *Output) error {
	if out == nil || !out.HasLoss {
		return errors.New("model: backward needs an output from ForwardWithTargets")
	}

	gradPooled := m.classifier.Backward(out.pooled, out.gradLogits)
	gradHidden := m.nutrOut.Backward(out.hidden, out.gradNutrition)
	gradPre := reluBackward(out.hiddenPre, gradHidden)
	gradPooled.Add(gradPooled, m.nutrHidden.Backward(out.pooled, gradPre))

	if tb, ok := m.backbone.(TrainableBackbone); ok {
		if err := tb.Backward(ctx, out.pixels, out.pooled, gradPooled); err != nil {
			return fmt.Errorf("backbone backward: %w", err)
		}
	}
	return nil
}

// Params lists the trainable parameters, backbone first.
func (m *MultiTaskModel) Params() []*Param {
	var params []*Param
	if tb, ok := m.backbone.(TrainableBackbone); ok {
		params = append(params, tb.Params()...)
	}
	params = append(params, m.classifier.Params()...)
	params = append(params, m.nutrHidden.Params()...)
	params = append(params, m.nutrOut.Params()...)
	return params
}

func (m *MultiTaskModel) ZeroGrad() {
	for _, p := range m.Params() {
		p.ZeroGrad()
	}
}

// StateDict returns a copy of every trainable parameter.
func (m *MultiTaskModel) StateDict() []WeightTensor {
	params := m.Params()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float64(nil), p.Value...),
		})
	}
	return weights
}

// LoadStateDict copies weights into the matching parameters. Every
// parameter must be present with the same shape, and no extra names are
// accepted.
func (m *MultiTaskModel) LoadStateDict(weights []WeightTensor) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		if _, dup := byName[w.Name]; dup {
			return fmt.Errorf("duplicate weight %s", w.Name)
		}
		byName[w.Name] = w
	}

	params := m.Params()
	if len(byName) != len(params) {
		return fmt.Errorf("weight count mismatch: %d weights, %d parameters", len(byName), len(params))
	}
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("missing weight %s", p.Name)
		}
		if !slices.Equal(p.Shape, w.Shape) || len(w.Data) != len(p.Value) {
			return fmt.Errorf("shape mismatch for weight %s: parameter %v vs weight %v (%d values)",
				p.Name, p.Shape, w.Shape, len(w.Data))
		}
	}
	for _, p := range params {
		copy(p.Value, byName[p.Name].Data)
	}
	return nil
}

// Prediction is the top class and nutrition estimate for one image.
type Prediction struct {
	Label      string
	ClassID    int
	Confidence float64
	Nutrition  nutrition.Vector
}

// Predict runs a forward pass and decodes the top class of every sample.
func (m *MultiTaskModel) Predict(ctx context.Context, pixels *tensor.Pixels) ([]Prediction, error) {
	out, err := m.Forward(ctx, pixels)
	if err != nil {
		return nil, err
	}
	preds := make([]Prediction, out.Rows())
	for i := range preds {
		probs := Softmax(out.Logits.RawRowView(i))
		best := 0
		for j, p := range probs {
			if p > probs[best] {
				best = j
			}
		}
		label, _ := m.vocab.Label(best)
		preds[i] = Prediction{
			Label:      label,
			ClassID:    best,
			Confidence: probs[best],
			Nutrition:  out.NutritionRow(i),
		}
	}
	return preds, nil
}
