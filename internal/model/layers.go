package model

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Param is one trainable tensor with its accumulated gradient. Value and
// Grad are row-major and always the same length.
type Param struct {
	Name  string
	Shape []int
	Value []float64
	Grad  []float64
	// Decay marks parameters subject to weight decay; biases are excluded.
	Decay bool
}

func newParam(name string, shape []int, decay bool) *Param {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Param{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Value: make([]float64, n),
		Grad:  make([]float64, n),
		Decay: decay,
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Param) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Dense is a fully connected layer computing x·W + b for a batch of rows.
type Dense struct {
	In, Out int
	W       *Param
	B       *Param
}

// NewDense creates a layer with weights and bias drawn from
// U(-1/sqrt(in), 1/sqrt(in)).
func NewDense(name string, in, out int, rng *rand.Rand) *Dense {
	d := &Dense{
		In:  in,
		Out: out,
		W:   newParam(name+".weight", []int{in, out}, true),
		B:   newParam(name+".bias", []int{out}, false),
	}
	bound := 1 / math.Sqrt(float64(in))
	for i := range d.W.Value {
		d.W.Value[i] = (rng.Float64()*2 - 1) * bound
	}
	for i := range d.B.Value {
		d.B.Value[i] = (rng.Float64()*2 - 1) * bound
	}
	return d
}

func (d *Dense) weights() *mat.Dense { return mat.NewDense(d.In, d.Out, d.W.Value) }

// Params returns the weight and the bias.
func (d *Dense) Params() []*Param { return []*Param{d.W, d.B} }

// Forward maps x [rows x In] to [rows x Out].
func (d *Dense) Forward(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	out := mat.NewDense(rows, d.Out, nil)
	out.Mul(x, d.weights())
	for i := 0; i < rows; i++ {
		floats.Add(out.RawRowView(i), d.B.Value)
	}
	return out
}

// Backward accumulates the gradients for the input x that produced
// gradOut and returns the gradient with respect to x.
func (d *Dense) Backward(x, gradOut *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()

	var gw mat.Dense
	gw.Mul(x.T(), gradOut)
	acc := mat.NewDense(d.In, d.Out, d.W.Grad)
	acc.Add(acc, &gw)

	for i := 0; i < rows; i++ {
		floats.Add(d.B.Grad, gradOut.RawRowView(i))
	}

	gradIn := mat.NewDense(rows, d.In, nil)
	gradIn.Mul(gradOut, d.weights().T())
	return gradIn
}

func relu(x *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(_, _ int, v float64) float64 { return math.Max(0, v) }, x)
	return &out
}

// reluBackward masks grad where the pre-activation was not positive.
func reluBackward(pre, grad *mat.Dense) *mat.Dense {
	var out mat.Dense
	out.Apply(func(i, j int, g float64) float64 {
		if pre.At(i, j) > 0 {
			return g
		}
		return 0
	}, grad)
	return &out
}
