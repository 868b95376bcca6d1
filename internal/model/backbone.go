package model

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/Brownie44l1/foodfocus/internal/tensor"
)

// Backbone is the pretrained image network. It is opaque to the rest of
// the model: pixels in, one pooled representation per image out.
type Backbone interface {
	Kind() string
	HiddenSize() int
	Extract(ctx context.Context, pixels *tensor.Pixels) (*mat.Dense, error)
}

// TrainableBackbone is a backbone whose parameters are fine-tuned together
// with the heads. Backward receives the pixels and pooled output of the
// forward pass and the gradient of the loss with respect to pooled.
type TrainableBackbone interface {
	Backbone
	Params() []*Param
	Backward(ctx context.Context, pixels *tensor.Pixels, pooled, gradPooled *mat.Dense) error
}

const KindPatchPool = "patchpool"

// PatchPoolBackbone average-pools each channel over a Grid x Grid layout
// and projects the pooled cells through a dense layer with tanh. It runs on
// the CPU with no external runtime and is fully trainable.
type PatchPoolBackbone struct {
	channels int
	grid     int
	proj     *Dense
}

// NewPatchPoolBackbone creates a backbone for images with the given channel
// count. seed fixes the initial projection.
func NewPatchPoolBackbone(channels, grid, hidden int, seed uint64) (*PatchPoolBackbone, error) {
	if channels <= 0 || grid <= 0 || hidden <= 0 {
		return nil, fmt.Errorf("patchpool: channels, grid and hidden must be positive (got %d, %d, %d)", channels, grid, hidden)
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &PatchPoolBackbone{
		channels: channels,
		grid:     grid,
		proj:     NewDense("backbone.proj", channels*grid*grid, hidden, rng),
	}, nil
}

func (b *PatchPoolBackbone) Kind() string     { return KindPatchPool }
func (b *PatchPoolBackbone) HiddenSize() int  { return b.proj.Out }
func (b *PatchPoolBackbone) Grid() int        { return b.grid }
func (b *PatchPoolBackbone) Channels() int    { return b.channels }
func (b *PatchPoolBackbone) Params() []*Param { return b.proj.Params() }

func (b *PatchPoolBackbone) Extract(_ context.Context, pixels *tensor.Pixels) (*mat.Dense, error) {
	features, err := b.features(pixels)
	if err != nil {
		return nil, err
	}
	pooled := b.proj.Forward(features)
	pooled.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, pooled)
	return pooled, nil
}

func (b *PatchPoolBackbone) Backward(_ context.Context, pixels *tensor.Pixels, pooled, gradPooled *mat.Dense) error {
	features, err := b.features(pixels)
	if err != nil {
		return err
	}
	var gradPre mat.Dense
	gradPre.Apply(func(i, j int, g float64) float64 {
		y := pooled.At(i, j)
		return g * (1 - y*y)
	}, gradPooled)
	b.proj.Backward(features, &gradPre)
	return nil
}

// features returns the per-cell channel means, [N x C*Grid*Grid].
func (b *PatchPoolBackbone) features(p *tensor.Pixels) (*mat.Dense, error) {
	if p.N == 0 {
		return nil, fmt.Errorf("patchpool: empty batch")
	}
	if p.C != b.channels {
		return nil, fmt.Errorf("patchpool: got %d channels, want %d", p.C, b.channels)
	}
	if p.H <= 0 || p.W <= 0 {
		return nil, fmt.Errorf("patchpool: invalid image size %dx%d", p.H, p.W)
	}

	g := b.grid
	out := mat.NewDense(p.N, p.C*g*g, nil)
	for n := 0; n < p.N; n++ {
		sample := p.Sample(n)
		row := out.RawRowView(n)
		for c := 0; c < p.C; c++ {
			plane := sample[c*p.H*p.W : (c+1)*p.H*p.W]
			for cy := 0; cy < g; cy++ {
				y0, y1 := cellBounds(cy, g, p.H)
				for cx := 0; cx < g; cx++ {
					x0, x1 := cellBounds(cx, g, p.W)
					var sum float64
					for y := y0; y < y1; y++ {
						for x := x0; x < x1; x++ {
							sum += float64(plane[y*p.W+x])
						}
					}
					row[(c*g+cy)*g+cx] = sum / float64((y1-y0)*(x1-x0))
				}
			}
		}
	}
	return out, nil
}

// cellBounds splits n pixels into g cells; every cell covers at least one
// pixel even when n < g.
func cellBounds(i, g, n int) (int, int) {
	lo := i * n / g
	hi := (i + 1) * n / g
	if lo >= n {
		lo = n - 1
	}
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}
