// Package tensor holds the dense image batch passed from preprocessing to
// the model.
package tensor

import "fmt"

// Pixels is a batch of images in NCHW layout.
type Pixels struct {
	N, C, H, W int
	Data       []float32
}

// NewPixels allocates a zeroed batch.
func NewPixels(n, c, h, w int) *Pixels {
	return &Pixels{N: n, C: c, H: h, W: w, Data: make([]float32, n*c*h*w)}
}

// Empty returns a batch with no samples for images of the given geometry.
func Empty(c, h, w int) *Pixels {
	return &Pixels{C: c, H: h, W: w}
}

// SampleSize is the number of values in one image.
func (p *Pixels) SampleSize() int { return p.C * p.H * p.W }

// Shape returns [N, C, H, W].
func (p *Pixels) Shape() []int { return []int{p.N, p.C, p.H, p.W} }

// Sample returns the CHW slice of sample i. It aliases Data.
func (p *Pixels) Sample(i int) []float32 {
	size := p.SampleSize()
	return p.Data[i*size : (i+1)*size]
}

// Append adds one CHW image to the end of the batch.
func (p *Pixels) Append(chw []float32) error {
	if len(chw) != p.SampleSize() {
		return fmt.Errorf("sample has %d values, want %d (%dx%dx%d)", len(chw), p.SampleSize(), p.C, p.H, p.W)
	}
	p.Data = append(p.Data, chw...)
	p.N++
	return nil
}

// Slice returns samples [from, to) as a new batch sharing Data.
func (p *Pixels) Slice(from, to int) *Pixels {
	size := p.SampleSize()
	return &Pixels{N: to - from, C: p.C, H: p.H, W: p.W, Data: p.Data[from*size : to*size]}
}
