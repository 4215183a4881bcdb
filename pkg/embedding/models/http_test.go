package models

import (
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFeatureServer(t *testing.T, healthy bool, embedding []float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(healthResponse{Model: "mobilenet-v2", Dimension: len(embedding)})
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "image/png" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(embedResponse{Error: "bad request"})
			return
		}
		if _, err := png.Decode(r.Body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(embedResponse{Error: err.Error()})
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: embedding})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPModelEmbed(t *testing.T) {
	srv := newFeatureServer(t, true, []float64{0.1, 0.2, 0.3})

	cfg := NewModelConfig("remote")
	cfg.Endpoint = srv.URL + "/"
	m, err := NewHTTPModel(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "mobilenet-v2", m.Name())
	assert.Equal(t, 3, m.Dimension())

	vec, err := m.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 4, 4)))
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestHTTPModelUnhealthy(t *testing.T) {
	srv := newFeatureServer(t, false, nil)

	cfg := NewModelConfig("remote")
	cfg.Endpoint = srv.URL
	_, err := NewHTTPModel(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestHTTPModelRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPModel(context.Background(), NewModelConfig("remote"), nil)
	assert.Error(t, err)
}

func TestHTTPModelEmptyVector(t *testing.T) {
	srv := newFeatureServer(t, true, []float64{})

	cfg := NewModelConfig("remote")
	cfg.Endpoint = srv.URL
	m, err := NewHTTPModel(context.Background(), cfg, nil)
	require.NoError(t, err)

	_, err = m.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.Error(t, err)
}

func TestHTTPModelRejectsOversizedReply(t *testing.T) {
	srv := newFeatureServer(t, true, make([]float64, 64))

	cfg := NewModelConfig("remote")
	cfg.Endpoint = srv.URL
	m, err := NewHTTPModel(context.Background(), cfg, nil)
	require.NoError(t, err)
	m.maxResponse = 32

	_, err = m.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 2, 2)))
	assert.ErrorContains(t, err, "exceeds 32 bytes")
}

func TestHandcraftedDimension(t *testing.T) {
	m := NewHandcraftedModel()
	vec, err := m.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 16, 16)))
	require.NoError(t, err)
	assert.Len(t, vec, m.Dimension())
}

func TestHandcraftedHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHandcraftedModel().Embed(ctx, image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.ErrorIs(t, err, context.Canceled)
}
