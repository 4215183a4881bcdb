package source

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ken/pokescan/pkg/raster"
)

// DefaultMaxBytes caps a single reference download
const DefaultMaxBytes = 8 << 20

// HTTPFetcher downloads reference images over HTTP, optionally through a
// byte cache.
type HTTPFetcher struct {
	client   *http.Client
	cache    Cache
	maxBytes int64
	logger   *slog.Logger
}

// Option configures an HTTPFetcher
type Option func(*HTTPFetcher)

// WithCache serves repeat downloads from cache
func WithCache(c Cache) Option {
	return func(f *HTTPFetcher) { f.cache = c }
}

// WithMaxBytes overrides DefaultMaxBytes
func WithMaxBytes(n int64) Option {
	return func(f *HTTPFetcher) { f.maxBytes = n }
}

// WithLogger sets the fetcher logger
func WithLogger(l *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = l }
}

// NewHTTPFetcher creates a fetcher. A nil client gets a 30s timeout client.
func NewHTTPFetcher(client *http.Client, opts ...Option) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	f := &HTTPFetcher{
		client:   client,
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads and decodes the variant image for label
func (f *HTTPFetcher) Fetch(ctx context.Context, label string, variant Variant) (image.Image, error) {
	url := variant.URL(label)

	data, err := f.load(ctx, url)
	if err != nil {
		return nil, err
	}

	img, format, err := raster.DecodeAny(data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", ErrFetch, url, err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("%w: %s decoded to an empty image", ErrFetch, url)
	}

	f.logger.Debug("reference fetched", "label", label, "variant", variant.Name, "format", format)
	return img, nil
}

// load returns the raw bytes for url, from cache when possible
func (f *HTTPFetcher) load(ctx context.Context, url string) ([]byte, error) {
	if f.cache != nil {
		data, ok, err := f.cache.Get(ctx, url)
		if err != nil {
			f.logger.Warn("reference cache read failed", "url", url, "error", err)
		} else if ok {
			return data, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrFetch, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d", ErrFetch, url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrFetch, url, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrFetch, url, f.maxBytes)
	}

	if f.cache != nil {
		if err := f.cache.Put(ctx, url, data); err != nil {
			f.logger.Warn("reference cache write failed", "url", url, "error", err)
		}
	}
	return data, nil
}
