package fetch

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newImageServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	pngData := encodePNG(t, 8, 6, color.RGBA{R: 200, G: 100, B: 50, A: 255})
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.png", func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngData)
	})
	mux.HandleFunc("/garbage", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not an image</html>"))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchDecodesImage(t *testing.T) {
	srv := newImageServer(t, nil)
	img, err := New(Options{}).Fetch(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 6, img.Bounds().Dy())
}

func TestFetchFailures(t *testing.T) {
	srv := newImageServer(t, nil)
	f := New(Options{Timeout: 100 * time.Millisecond, MaxBytes: 1 << 20})

	_, err := f.Fetch(context.Background(), srv.URL+"/missing.png")
	assert.ErrorIs(t, err, ErrStatus)

	_, err = f.Fetch(context.Background(), srv.URL+"/garbage")
	assert.ErrorContains(t, err, "decode")

	_, err = f.Fetch(context.Background(), srv.URL+"/slow")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "http://127.0.0.1:1/unreachable.jpg")
	assert.Error(t, err)

	_, err = f.Fetch(context.Background(), "://bad url")
	assert.Error(t, err)
}

func TestFetchTooLarge(t *testing.T) {
	srv := newImageServer(t, nil)
	_, err := New(Options{MaxBytes: 16}).Fetch(context.Background(), srv.URL+"/ok.png")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestFetchUsesCache(t *testing.T) {
	var hits atomic.Int64
	srv := newImageServer(t, &hits)
	cache := NewMemoryCache(10, 0)
	f := New(Options{Cache: cache})

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), srv.URL+"/ok.png")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), hits.Load())

	stats := cache.Stats()
	assert.Equal(t, 1, stats.Items)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Contains(t, stats.String(), "66.7% hit rate")
}

func TestMemoryCacheEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, 0)
	require.NoError(t, c.Set(ctx, "a", []byte("1")))
	require.NoError(t, c.Set(ctx, "b", []byte("2")))
	_, ok, _ := c.Get(ctx, "a")
	require.True(t, ok)
	require.NoError(t, c.Set(ctx, "c", []byte("3")))

	_, ok, _ = c.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok, _ = c.Get(ctx, "a")
	assert.True(t, ok)
	_, ok, _ = c.Get(ctx, "c")
	assert.True(t, ok)
}

func TestMemoryCacheByteLimit(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(0, 10)
	require.NoError(t, c.Set(ctx, "a", make([]byte, 6)))
	require.NoError(t, c.Set(ctx, "b", make([]byte, 6)))
	assert.Equal(t, 1, c.Stats().Items)
	assert.Equal(t, int64(6), c.Stats().Bytes)

	// A single oversized entry is still kept.
	require.NoError(t, c.Set(ctx, "big", make([]byte, 50)))
	assert.Equal(t, 1, c.Stats().Items)

	require.NoError(t, c.Set(ctx, "big", make([]byte, 4)))
	assert.Equal(t, int64(4), c.Stats().Bytes)
}

func TestRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	c := NewRedisCache(client, "", time.Minute)

	_, ok, err := c.Get(ctx, "http://x/1.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "http://x/1.jpg", []byte("payload")))
	data, ok, err := c.Get(ctx, "http://x/1.jpg")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("payload"), data)
	assert.True(t, mr.Exists("foodfocus:img:http://x/1.jpg"))
	assert.Equal(t, time.Minute, mr.TTL("foodfocus:img:http://x/1.jpg"))
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "not-a-url")
	assert.Error(t, err)
}

func TestRedisCacheFailureDoesNotBreakFetch(t *testing.T) {
	srv := newImageServer(t, nil)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	f := New(Options{Cache: NewRedisCache(client, "t:", 0)})
	_, err := f.Fetch(context.Background(), srv.URL+"/ok.png")
	assert.NoError(t, err)
}

func TestDecodeRejectsEmptyImage(t *testing.T) {
	var buf bytes.Buffer
	empty := image.NewPaletted(image.Rect(0, 0, 0, 0), color.Palette{color.Black, color.White})
	require.NoError(t, gif.Encode(&buf, empty, nil))

	img, err := Decode(buf.Bytes())
	assert.Error(t, err)
	assert.Nil(t, img)
}

// withDimensions rewrites the IHDR width and height of a PNG and fixes up
// the chunk checksum.
func withDimensions(data []byte, w, h uint32) []byte {
	out := append([]byte(nil), data...)
	binary.BigEndian.PutUint32(out[16:20], w)
	binary.BigEndian.PutUint32(out[20:24], h)
	binary.BigEndian.PutUint32(out[29:33], crc32.ChecksumIEEE(out[12:29]))
	return out
}

func TestDecodeRejectsOversizedHeader(t *testing.T) {
	small := encodePNG(t, 2, 2, color.White)

	_, err := Decode(withDimensions(small, 100_000, 100_000))
	assert.ErrorIs(t, err, ErrTooLarge)

	img, err := Decode(withDimensions(small, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
}
