package training

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/Brownie44l1/foodfocus/internal/model"
)

// AdamWConfig holds configuration for the AdamW optimizer
type AdamWConfig struct {
	Beta1       float64 // Momentum decay (typically 0.9)
	Beta2       float64 // Variance decay (typically 0.999)
	Epsilon     float64
	WeightDecay float64 // Decoupled; applied only to params with Decay set
}

// DefaultAdamWConfig returns default AdamW optimizer configuration
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: 0.01,
	}
}

// AdamW is Adam with decoupled weight decay. Moment buffers are created
// lazily per parameter.
type AdamW struct {
	cfg      AdamWConfig
	steps    int
	momentum map[*model.Param][]float64
	variance map[*model.Param][]float64
}

func NewAdamW(cfg AdamWConfig) *AdamW {
	return &AdamW{
		cfg:      cfg,
		momentum: make(map[*model.Param][]float64),
		variance: make(map[*model.Param][]float64),
	}
}

// StepCount is the number of updates applied so far.
func (o *AdamW) StepCount() int { return o.steps }

// Step applies one update with learning rate lr using each parameter's
// accumulated gradient.
func (o *AdamW) Step(params []*model.Param, lr float64) {
	o.steps++
	b1, b2 := o.cfg.Beta1, o.cfg.Beta2
	correction1 := 1 - math.Pow(b1, float64(o.steps))
	correction2 := 1 - math.Pow(b2, float64(o.steps))

	for _, p := range params {
		m, ok := o.momentum[p]
		if !ok {
			m = make([]float64, len(p.Value))
			o.momentum[p] = m
		}
		v, ok := o.variance[p]
		if !ok {
			v = make([]float64, len(p.Value))
			o.variance[p] = v
		}

		if p.Decay && o.cfg.WeightDecay > 0 {
			floats.Scale(1-lr*o.cfg.WeightDecay, p.Value)
		}
		for i, g := range p.Grad {
			m[i] = b1*m[i] + (1-b1)*g
			v[i] = b2*v[i] + (1-b2)*g*g
			mHat := m[i] / correction1
			vHat := v[i] / correction2
			p.Value[i] -= lr * mHat / (math.Sqrt(vHat) + o.cfg.Epsilon)
		}
	}
}

// ClipGradNorm rescales all gradients so their global L2 norm is at most
// maxNorm and returns the norm before clipping. maxNorm <= 0 disables it.
func ClipGradNorm(params []*model.Param, maxNorm float64) float64 {
	var sq float64
	for _, p := range params {
		n := floats.Norm(p.Grad, 2)
		sq += n * n
	}
	total := math.Sqrt(sq)
	if maxNorm <= 0 {
		return total
	}
	if coef := maxNorm / (total + 1e-6); coef < 1 {
		for _, p := range params {
			floats.Scale(coef, p.Grad)
		}
	}
	return total
}
