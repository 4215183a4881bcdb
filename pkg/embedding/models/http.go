package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"strings"
	"sync"
)

// MaxResponseBytes caps a reply of the feature-extraction service
const MaxResponseBytes = 4 << 20

// HTTPModel implements EmbeddingModel against a feature-extraction service.
// The service receives a PNG raster at POST {endpoint}/embed and replies
// with {"embedding": [...]}. GET {endpoint}/health reports the model name
// and output dimension.
type HTTPModel struct {
	config      *ModelConfig
	client      *http.Client
	modelName   string
	maxResponse int64
	mu          sync.RWMutex
	dimension   int
}

type healthResponse struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

type embedResponse struct {
	Embedding []float64 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// NewHTTPModel creates a client and checks the service's health endpoint.
// If client is nil, a default http.Client with the configured timeout is used.
func NewHTTPModel(ctx context.Context, config *ModelConfig, client *http.Client) (*HTTPModel, error) {
	if config == nil || config.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint is not configured")
	}
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	m := &HTTPModel{
		config:      config,
		client:      client,
		modelName:   config.ModelName,
		maxResponse: MaxResponseBytes,
	}
	if err := m.checkHealth(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *HTTPModel) url(path string) string {
	return strings.TrimRight(m.config.Endpoint, "/") + path
}

func (m *HTTPModel) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url("/health"), nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("embedding service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("embedding service unhealthy: status %d", resp.StatusCode)
	}

	var health healthResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, m.maxResponse)).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	m.mu.Lock()
	m.dimension = health.Dimension
	if health.Model != "" {
		m.modelName = health.Model
	}
	m.mu.Unlock()
	return nil
}

// Embed sends the raster to the service and returns its feature vector
func (m *HTTPModel) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, img); err != nil {
		return nil, fmt.Errorf("failed to encode raster: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url("/embed"), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, m.maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(data)) > m.maxResponse {
		return nil, fmt.Errorf("embedding response exceeds %d bytes", m.maxResponse)
	}

	var out embedResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, out.Error)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}

	m.mu.Lock()
	if m.dimension == 0 {
		m.dimension = len(out.Embedding)
	}
	dim := m.dimension
	m.mu.Unlock()

	if len(out.Embedding) != dim {
		return nil, fmt.Errorf("embedding dimension %d, expected %d", len(out.Embedding), dim)
	}

	vec := make([]float32, len(out.Embedding))
	for i, v := range out.Embedding {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimension returns the dimension reported by the service
func (m *HTTPModel) Dimension() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dimension
}

// Name returns the name of the model
func (m *HTTPModel) Name() string {
	return m.modelName
}

// Close releases idle connections held by the client
func (m *HTTPModel) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
