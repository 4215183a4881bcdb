package embedding

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/ken/pokescan/pkg/core/vector"
	"github.com/ken/pokescan/pkg/embedding/models"
)

// ErrRasterSize is returned when a raster does not match the model's input size
var ErrRasterSize = errors.New("raster does not match the embedding input size")

// Embedder turns fixed-size rasters into unit-length embeddings
type Embedder struct {
	model models.EmbeddingModel
	size  int
}

// NewEmbedder wraps model, accepting only size x size rasters
func NewEmbedder(model models.EmbeddingModel, size int) *Embedder {
	return &Embedder{model: model, size: size}
}

// Embed runs the model on img and normalizes the result to unit length
func (e *Embedder) Embed(ctx context.Context, img image.Image) (*vector.Vector, error) {
	b := img.Bounds()
	if b.Dx() != e.size || b.Dy() != e.size {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrRasterSize, b.Dx(), b.Dy(), e.size, e.size)
	}

	values, err := e.model.Embed(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("failed to embed raster: %w", err)
	}

	v := vector.NewVector("", values)
	if dim := e.model.Dimension(); dim > 0 && v.Dimension != dim {
		return nil, fmt.Errorf("model %s returned %d values, expected %d: %w",
			e.model.Name(), v.Dimension, dim, vector.ErrInvalidDimension)
	}
	if err := v.Normalize(); err != nil {
		return nil, fmt.Errorf("model %s: %w", e.model.Name(), err)
	}
	return v, nil
}

// ModelName returns the name of the wrapped model
func (e *Embedder) ModelName() string {
	return e.model.Name()
}
