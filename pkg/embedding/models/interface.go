package models

import (
	"context"
	"image"
	"time"
)

// EmbeddingModel defines the interface for all image embedding models
type EmbeddingModel interface {
	// Embed converts a raster into a feature vector. It must be
	// deterministic for a fixed input.
	Embed(ctx context.Context, img image.Image) ([]float32, error)

	// Dimension returns the dimension of the vectors produced by this model,
	// or 0 if it is not known until the first embedding
	Dimension() int

	// Name returns the name of the model
	Name() string

	// Close releases resources used by the model
	Close() error
}

// ModelConfig holds configuration for embedding models
type ModelConfig struct {
	ModelName string
	Endpoint  string
	Timeout   time.Duration
}

// NewModelConfig creates a new model configuration with default values
func NewModelConfig(modelName string) *ModelConfig {
	return &ModelConfig{
		ModelName: modelName,
		Timeout:   30 * time.Second,
	}
}
