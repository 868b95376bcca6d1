package preprocess

import (
	"context"
	"fmt"
	"image"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/nutrition"
	"github.com/Brownie44l1/foodfocus/internal/tensor"
)

const DefaultWorkers = 8

// ImageSource resolves an image reference. fetch.Fetcher implements it.
type ImageSource interface {
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// Batch is the aligned output of one preprocessing pass. Position i of
// Pixels, Labels, Targets and Indices all describe the same sample.
type Batch struct {
	Pixels  *tensor.Pixels
	Labels  []int
	Targets []nutrition.Vector
	// Indices holds each surviving sample's position in the input records.
	Indices []int
}

// Len is the number of surviving samples.
func (b *Batch) Len() int { return len(b.Labels) }

// Empty reports whether every sample was dropped.
func (b *Batch) Empty() bool { return b.Len() == 0 }

// Slice returns samples [from, to) as a new batch sharing storage.
func (b *Batch) Slice(from, to int) *Batch {
	return &Batch{
		Pixels:  b.Pixels.Slice(from, to),
		Labels:  b.Labels[from:to],
		Targets: b.Targets[from:to],
		Indices: b.Indices[from:to],
	}
}

// Preprocessor turns dataset records into aligned batches.
type Preprocessor struct {
	images    ImageSource
	processor *ImageProcessor
	vocab     *dataset.Vocabulary
	workers   int
}

// NewPreprocessor wires the fetcher, the pixel transform and the label
// vocabulary. workers bounds the number of concurrent fetches.
func NewPreprocessor(images ImageSource, processor *ImageProcessor, vocab *dataset.Vocabulary, workers int) *Preprocessor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Preprocessor{
		images:    images,
		processor: processor,
		vocab:     vocab,
		workers:   workers,
	}
}

// Processor returns the pixel transform used for every sample.
func (p *Preprocessor) Processor() *ImageProcessor { return p.processor }

type sample struct {
	ok     bool
	pixels []float32
	label  int
	target nutrition.Vector
}

// Process fetches, parses and transforms records concurrently. A record
// whose image cannot be fetched or whose nutrition text cannot be parsed is
// logged and dropped; the others are appended in input order to every
// output array. If nothing survives the result is an empty batch.
//
// A category name missing from the vocabulary is a configuration error and
// is returned.
func (p *Preprocessor) Process(ctx context.Context, records []dataset.Record) (*Batch, error) {
	for i, rec := range records {
		if _, ok := p.vocab.ID(rec.Name); !ok {
			return nil, fmt.Errorf("record %d: category %q is not in the vocabulary", i, rec.Name)
		}
	}

	samples := make([]sample, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i := range records {
		g.Go(func() error {
			samples[i] = p.processOne(gctx, i, records[i])
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := p.processor.Size()
	batch := &Batch{Pixels: tensor.Empty(p.processor.Channels(), size, size)}
	for i, s := range samples {
		if !s.ok {
			continue
		}
		if err := batch.Pixels.Append(s.pixels); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		batch.Labels = append(batch.Labels, s.label)
		batch.Targets = append(batch.Targets, s.target)
		batch.Indices = append(batch.Indices, i)
	}

	if dropped := len(records) - batch.Len(); dropped > 0 {
		log.Printf("[Preprocessor] Kept %d of %d samples (%d dropped)", batch.Len(), len(records), dropped)
	}
	return batch, nil
}

func (p *Preprocessor) processOne(ctx context.Context, idx int, rec dataset.Record) sample {
	target, err := nutrition.Parse(rec.Nutrition)
	if err != nil {
		log.Printf("[Preprocessor] Dropping sample %d (%s): nutrition: %v", idx, rec.Name, err)
		return sample{}
	}

	img, err := p.images.Fetch(ctx, rec.ImageURL)
	if err != nil {
		log.Printf("[Preprocessor] Dropping sample %d (%s): failed to fetch %s: %v", idx, rec.Name, rec.ImageURL, err)
		return sample{}
	}

	label, _ := p.vocab.ID(rec.Name)
	return sample{
		ok:     true,
		pixels: p.processor.Process(img),
		label:  label,
		target: target,
	}
}
