package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/foodfocus/internal/dataset"
	"github.com/Brownie44l1/foodfocus/internal/fetch"
	"github.com/Brownie44l1/foodfocus/internal/nutrition"
)

func solid(w, h int, c color.Color) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

type stubImages struct {
	images map[string]image.Image
	calls  atomic.Int64
	active atomic.Int64
	peak   atomic.Int64
}

func (s *stubImages) Fetch(_ context.Context, url string) (image.Image, error) {
	s.calls.Add(1)
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if img, ok := s.images[url]; ok {
		return img, nil
	}
	return nil, errors.New("unreachable")
}

func testProcessor(t *testing.T, size int) *ImageProcessor {
	t.Helper()
	p, err := NewImageProcessor(ProcessorConfig{Size: size, Mean: [3]float64{0.5, 0.5, 0.5}, Std: [3]float64{0.5, 0.5, 0.5}})
	require.NoError(t, err)
	return p
}

func TestImageProcessorNormalizes(t *testing.T) {
	p := testProcessor(t, 4)
	data := p.Process(solid(10, 7, color.RGBA{R: 255, G: 0, B: 51, A: 255}))
	require.Len(t, data, 3*4*4)

	for i := 0; i < 16; i++ {
		assert.InDelta(t, 1.0, data[i], 1e-5)
		assert.InDelta(t, -1.0, data[16+i], 1e-5)
		assert.InDelta(t, 51.0/255*2-1, data[32+i], 1e-5)
	}
}

func TestImageProcessorIgnoresAlpha(t *testing.T) {
	p := testProcessor(t, 4)
	for _, alpha := range []uint8{0, 128} {
		img := image.NewNRGBA(image.Rect(0, 0, 6, 6))
		for y := 0; y < 6; y++ {
			for x := 0; x < 6; x++ {
				img.SetNRGBA(x, y, color.NRGBA{R: 255, G: 0, B: 51, A: alpha})
			}
		}

		data := p.Process(img)
		require.Len(t, data, 3*4*4)
		for i := 0; i < 16; i++ {
			assert.InDelta(t, 1.0, data[i], 1e-5, "alpha %d", alpha)
			assert.InDelta(t, -1.0, data[16+i], 1e-5, "alpha %d", alpha)
			assert.InDelta(t, 51.0/255*2-1, data[32+i], 1e-5, "alpha %d", alpha)
		}
	}
}

func TestImageProcessorValidation(t *testing.T) {
	_, err := NewImageProcessor(ProcessorConfig{Size: 0, Std: [3]float64{1, 1, 1}})
	assert.Error(t, err)
	_, err = NewImageProcessor(ProcessorConfig{Size: 8, Std: [3]float64{1, 0, 1}})
	assert.Error(t, err)

	p, err := NewImageProcessor(DefaultProcessorConfig())
	require.NoError(t, err)
	assert.Equal(t, 224, p.Size())
	assert.Equal(t, 3, p.Channels())
}

func makeRecords(n int) ([]dataset.Record, *dataset.Vocabulary, *stubImages) {
	names := []string{"pizza", "ramen", "salad"}
	stub := &stubImages{images: map[string]image.Image{}}
	records := make([]dataset.Record, n)
	for i := range records {
		url := fmt.Sprintf("http://img/%d.png", i)
		stub.images[url] = solid(5, 5, color.Gray{Y: uint8(i * 10)})
		records[i] = dataset.Record{
			ImageURL:  url,
			Name:      names[i%len(names)],
			Nutrition: fmt.Sprintf("{'Calories': '%d kcal', 'Protein': '%d g'}", 100+i, i),
		}
	}
	vocab, _ := dataset.NewVocabulary(names)
	return records, vocab, stub
}

func assertAligned(t *testing.T, b *Batch) {
	t.Helper()
	assert.Equal(t, b.Pixels.N, len(b.Labels))
	assert.Equal(t, b.Pixels.N, len(b.Targets))
	assert.Equal(t, b.Pixels.N, len(b.Indices))
	assert.Len(t, b.Pixels.Data, b.Pixels.N*b.Pixels.SampleSize())
}

func TestProcessAllSucceed(t *testing.T) {
	records, vocab, stub := makeRecords(6)
	pre := NewPreprocessor(stub, testProcessor(t, 2), vocab, 3)

	batch, err := pre.Process(context.Background(), records)
	require.NoError(t, err)
	assertAligned(t, batch)
	assert.Equal(t, 6, batch.Len())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, batch.Indices)

	for i, idx := range batch.Indices {
		want, _ := vocab.ID(records[idx].Name)
		assert.Equal(t, want, batch.Labels[i])
		assert.Equal(t, float64(100+idx), batch.Targets[i][nutrition.Calories])
		assert.Equal(t, float64(idx), batch.Targets[i][nutrition.Protein])
	}
	assert.LessOrEqual(t, stub.peak.Load(), int64(3))
}

func TestProcessDropsFailedSamplesInLockstep(t *testing.T) {
	records, vocab, stub := makeRecords(8)
	delete(stub.images, records[2].ImageURL)
	records[5].Nutrition = "{'Calories': 'lots'}"
	records[6].Nutrition = "print('hi')"

	pre := NewPreprocessor(stub, testProcessor(t, 2), vocab, 4)
	batch, err := pre.Process(context.Background(), records)
	require.NoError(t, err)
	assertAligned(t, batch)
	assert.Equal(t, []int{0, 1, 3, 4, 7}, batch.Indices)

	for i, idx := range batch.Indices {
		want, _ := vocab.ID(records[idx].Name)
		assert.Equal(t, want, batch.Labels[i])
		assert.Equal(t, float64(100+idx), batch.Targets[i][nutrition.Calories])
	}

	// Records that fail parsing never reach the network.
	assert.Equal(t, int64(6), stub.calls.Load())
}

func TestProcessAllFailYieldsEmptyBatch(t *testing.T) {
	records, vocab, _ := makeRecords(4)
	pre := NewPreprocessor(&stubImages{}, testProcessor(t, 3), vocab, 2)

	batch, err := pre.Process(context.Background(), records)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.True(t, batch.Empty())
	assertAligned(t, batch)
	assert.Equal(t, []int{0, 3, 3, 3}, batch.Pixels.Shape())
}

func TestProcessUnknownCategoryIsFatal(t *testing.T) {
	records, vocab, stub := makeRecords(3)
	records[1].Name = "burger"
	pre := NewPreprocessor(stub, testProcessor(t, 2), vocab, 2)

	_, err := pre.Process(context.Background(), records)
	assert.ErrorContains(t, err, "burger")
	assert.Equal(t, int64(0), stub.calls.Load())
}

func TestProcessCanceledContext(t *testing.T) {
	records, vocab, stub := makeRecords(3)
	pre := NewPreprocessor(stub, testProcessor(t, 2), vocab, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := pre.Process(ctx, records)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessUnreachableURLOverHTTP(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(12, 9, color.RGBA{R: 10, G: 200, B: 30, A: 255})))
	payload := buf.Bytes()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone.png" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	names := []string{"pizza", "ramen"}
	vocab, err := dataset.NewVocabulary(names)
	require.NoError(t, err)

	records := make([]dataset.Record, 16)
	for i := range records {
		records[i] = dataset.Record{
			ImageURL:  fmt.Sprintf("%s/%d.png", srv.URL, i),
			Name:      names[i%2],
			Nutrition: "{'Calories': '250 kcal', 'Protein': '10 g'}",
		}
	}
	records[9].ImageURL = srv.URL + "/gone.png"

	pre := NewPreprocessor(fetch.New(fetch.Options{}), testProcessor(t, 8), vocab, 4)
	batch, err := pre.Process(context.Background(), records)
	require.NoError(t, err)
	assertAligned(t, batch)
	assert.Equal(t, 15, batch.Len())
	assert.NotContains(t, batch.Indices, 9)
	assert.Equal(t, nutrition.Vector{250, 10, 0, 0, 0}, batch.Targets[0])
}

func TestBatchSlice(t *testing.T) {
	records, vocab, stub := makeRecords(5)
	pre := NewPreprocessor(stub, testProcessor(t, 2), vocab, 2)
	batch, err := pre.Process(context.Background(), records)
	require.NoError(t, err)

	part := batch.Slice(1, 3)
	assertAligned(t, part)
	assert.Equal(t, 2, part.Len())
	assert.Equal(t, []int{1, 2}, part.Indices)
}
