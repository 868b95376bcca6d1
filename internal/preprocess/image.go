// Package preprocess assembles aligned training batches from raw dataset
// records: image fetch, nutrition parsing and the backbone's pixel transform.
package preprocess

import (
	"fmt"
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// ProcessorConfig mirrors the companion transform of the pretrained
// backbone: resize to Size x Size, rescale to [0, 1], then normalize each
// channel with Mean and Std.
type ProcessorConfig struct {
	Size int        `json:"size" yaml:"size"`
	Mean [3]float64 `json:"mean" yaml:"mean"`
	Std  [3]float64 `json:"std" yaml:"std"`
}

// DefaultProcessorConfig matches the ViT base patch16/224 feature extractor.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		Size: 224,
		Mean: [3]float64{0.5, 0.5, 0.5},
		Std:  [3]float64{0.5, 0.5, 0.5},
	}
}

// ImageProcessor converts decoded images to normalized CHW float32 data.
// It holds no mutable state and is safe for concurrent use.
type ImageProcessor struct {
	cfg ProcessorConfig
}

// NewImageProcessor validates cfg and creates a processor.
func NewImageProcessor(cfg ProcessorConfig) (*ImageProcessor, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("image size must be positive, got %d", cfg.Size)
	}
	for c, s := range cfg.Std {
		if s <= 0 {
			return nil, fmt.Errorf("std for channel %d must be positive, got %f", c, s)
		}
	}
	return &ImageProcessor{cfg: cfg}, nil
}

// Config returns the processor settings.
func (p *ImageProcessor) Config() ProcessorConfig { return p.cfg }

// Channels is always 3; alpha is dropped.
func (p *ImageProcessor) Channels() int { return 3 }

// Size is the output height and width.
func (p *ImageProcessor) Size() int { return p.cfg.Size }

// dropAlpha returns img with every pixel made opaque. The straight color
// channels are kept as they are, so transparent pixels keep their color
// instead of turning black.
func dropAlpha(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	b := img.Bounds()
	out := image.NewNRGBA64(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBA64Model.Convert(img.At(x, y)).(color.NRGBA64)
			c.A = 0xffff
			out.SetNRGBA64(x, y, c)
		}
	}
	return out
}

// Process resizes img and returns its normalized CHW pixel values.
func (p *ImageProcessor) Process(img image.Image) []float32 {
	size := p.cfg.Size
	resized := resize.Resize(uint(size), uint(size), dropAlpha(img), resize.Bilinear)

	bounds := resized.Bounds()
	plane := size * size
	data := make([]float32, 3*plane)

	var scale, shift [3]float32
	for c := 0; c < 3; c++ {
		scale[c] = float32(1.0 / (65535.0 * p.cfg.Std[c]))
		shift[c] = float32(p.cfg.Mean[c] / p.cfg.Std[c])
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			px := color.NRGBA64Model.Convert(resized.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.NRGBA64)

			idx := y*size + x
			data[idx] = float32(px.R)*scale[0] - shift[0]
			data[plane+idx] = float32(px.G)*scale[1] - shift[1]
			data[2*plane+idx] = float32(px.B)*scale[2] - shift[2]
		}
	}
	return data
}
