package source

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dreamSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 40 40"><circle cx="20" cy="20" r="18" fill="#3050f0"/></svg>`

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.data[key]
	return d, ok, nil
}

func (c *memCache) Put(ctx context.Context, key string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for i := 0; i < 8; i++ {
		img.Set(i, 3, color.RGBA{R: 255, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newSpriteServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	art := pngBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/art/25.png", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(art)
	})
	mux.HandleFunc("/dream/25.svg", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/svg+xml")
		_, _ = w.Write([]byte(dreamSVG))
	})
	mux.HandleFunc("/junk/25.png", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("<html>not found</html>"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestVariantURL(t *testing.T) {
	v := Variant{Name: "art", URLTemplate: "https://example.test/{id}/{id}.png"}
	assert.Equal(t, "https://example.test/7/7.png", v.URL("7"))

	defaults := DefaultVariants()
	require.Len(t, defaults, 4)
	assert.Equal(t, SpriteBase+"/other/official-artwork/151.png", defaults[0].URL("151"))
	assert.Equal(t, SpriteBase+"/other/dream-world/151.svg", defaults[3].URL("151"))
}

func TestFetchPNG(t *testing.T) {
	var hits atomic.Int32
	srv := newSpriteServer(t, &hits)

	f := NewHTTPFetcher(srv.Client())
	img, err := f.Fetch(context.Background(), "25", Variant{Name: "art", URLTemplate: srv.URL + "/art/{id}.png"})
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
}

func TestFetchSVG(t *testing.T) {
	var hits atomic.Int32
	srv := newSpriteServer(t, &hits)

	f := NewHTTPFetcher(srv.Client())
	img, err := f.Fetch(context.Background(), "25", Variant{Name: "dream", URLTemplate: srv.URL + "/dream/{id}.svg"})
	require.NoError(t, err)
	assert.False(t, img.Bounds().Empty())
}

func TestFetchFailures(t *testing.T) {
	var hits atomic.Int32
	srv := newSpriteServer(t, &hits)
	f := NewHTTPFetcher(srv.Client())

	tests := []struct {
		name     string
		template string
	}{
		{"missing", srv.URL + "/art/{id}.jpg"},
		{"undecodable", srv.URL + "/junk/{id}.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), "25", Variant{Name: tt.name, URLTemplate: tt.template})
			assert.ErrorIs(t, err, ErrFetch)
		})
	}
}

func TestFetchTooLarge(t *testing.T) {
	var hits atomic.Int32
	srv := newSpriteServer(t, &hits)

	f := NewHTTPFetcher(srv.Client(), WithMaxBytes(16))
	_, err := f.Fetch(context.Background(), "25", Variant{Name: "art", URLTemplate: srv.URL + "/art/{id}.png"})
	assert.ErrorIs(t, err, ErrFetch)
}

func TestFetchUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := newSpriteServer(t, &hits)
	cache := &memCache{data: map[string][]byte{}}

	f := NewHTTPFetcher(srv.Client(), WithCache(cache))
	variant := Variant{Name: "art", URLTemplate: srv.URL + "/art/{id}.png"}

	_, err := f.Fetch(context.Background(), "25", variant)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), "25", variant)
	require.NoError(t, err)

	assert.Equal(t, int32(1), hits.Load())
	assert.Contains(t, cache.data, variant.URL("25"))
}

func TestFetchHonoursContext(t *testing.T) {
	var hits atomic.Int32
	srv := newSpriteServer(t, &hits)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewHTTPFetcher(srv.Client())
	_, err := f.Fetch(ctx, "25", Variant{Name: "art", URLTemplate: srv.URL + "/art/{id}.png"})
	assert.ErrorIs(t, err, ErrFetch)
	assert.ErrorIs(t, err, context.Canceled)
}
