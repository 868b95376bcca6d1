// Package fetch downloads and decodes the remote images referenced by the
// dataset.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log"
	"net/http"
	"time"

	_ "golang.org/x/image/webp"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 20 << 20

	// MaxPixels bounds the dimensions a header may declare before the
	// pixel data is decoded.
	MaxPixels = 50_000_000
)

var (
	// ErrStatus is returned for any non-2xx response.
	ErrStatus = errors.New("fetch: unexpected status")
	// ErrTooLarge is returned when the body exceeds the configured limit.
	ErrTooLarge = errors.New("fetch: image too large")
	// ErrEmptyImage is returned for images with no pixels.
	ErrEmptyImage = errors.New("fetch: image has no pixels")
)

// Options configures a Fetcher. Zero values select the defaults.
type Options struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	Cache     Cache
}

// Fetcher resolves an image URL to a decoded image. Every failure is
// returned as an error; the caller decides whether to drop the sample.
type Fetcher struct {
	client    *http.Client
	maxBytes  int64
	userAgent string
	cache     Cache
}

// New creates a Fetcher. The timeout bounds the whole request including
// the body read.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "foodfocus/1.0"
	}
	return &Fetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		maxBytes:  opts.MaxBytes,
		userAgent: opts.UserAgent,
		cache:     opts.Cache,
	}
}

// Fetch downloads url, or reads it from the cache, and decodes it.
func (f *Fetcher) Fetch(ctx context.Context, url string) (image.Image, error) {
	data, err := f.Bytes(ctx, url)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Bytes returns the raw payload at url.
func (f *Fetcher) Bytes(ctx context.Context, url string) ([]byte, error) {
	if f.cache != nil {
		data, ok, err := f.cache.Get(ctx, url)
		if err != nil {
			log.Printf("[Fetcher] Cache read failed for %s: %v", url, err)
		} else if ok {
			return data, nil
		}
	}

	data, err := f.download(ctx, url)
	if err != nil {
		return nil, err
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, url, data); err != nil {
			log.Printf("[Fetcher] Cache write failed for %s: %v", url, err)
		}
	}
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	return data, nil
}

// Decode decodes a JPEG, PNG, GIF or WebP payload. The header is checked
// first so empty images and images over MaxPixels are rejected before the
// pixel data is allocated.
func Decode(data []byte) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("failed to decode image: %v", r)
		}
	}()

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("failed to decode image: %w (%dx%d)", ErrEmptyImage, cfg.Width, cfg.Height)
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, fmt.Errorf("failed to decode image: %w: %dx%d pixels", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if img.Bounds().Empty() {
		return nil, fmt.Errorf("failed to decode image: %w", ErrEmptyImage)
	}
	return img, nil
}
