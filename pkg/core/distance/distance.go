package distance

import (
	"fmt"
	"math"

	"github.com/ken/pokescan/pkg/core/vector"
)

// MetricType represents the type of distance metric
type MetricType string

const (
	// Euclidean distance metric
	Euclidean MetricType = "euclidean"

	// Cosine distance metric (1 - cosine similarity)
	Cosine MetricType = "cosine"

	// DotProduct distance metric (1 - dot product, for unit vectors)
	DotProduct MetricType = "dotproduct"
)

// Metric is an interface for distance calculations. Distances are never
// negative and identical vectors are at distance 0, so callers may treat
// distances near zero as exact matches. On unit vectors all provided
// metrics order neighbors identically.
type Metric interface {
	// Distance calculates the distance between two vectors
	Distance(a, b *vector.Vector) (float32, error)

	// Name returns the name of the metric
	Name() MetricType
}

// GetMetric returns a distance metric implementation by name
func GetMetric(metric MetricType) (Metric, error) {
	switch metric {
	case Euclidean:
		return &EuclideanDistance{}, nil
	case Cosine, "":
		return &CosineDistance{}, nil
	case DotProduct:
		return &DotProductDistance{}, nil
	default:
		return nil, fmt.Errorf("unknown distance metric %q", metric)
	}
}

// EuclideanDistance implements the Euclidean (L2) distance metric
type EuclideanDistance struct{}

func (d *EuclideanDistance) Distance(a, b *vector.Vector) (float32, error) {
	if a.Dimension != b.Dimension {
		return 0, vector.ErrInvalidDimension
	}

	var sum float64
	for i := 0; i < a.Dimension; i++ {
		diff := float64(a.Values[i]) - float64(b.Values[i])
		sum += diff * diff
	}

	return float32(math.Sqrt(sum)), nil
}

func (d *EuclideanDistance) Name() MetricType {
	return Euclidean
}

// CosineDistance implements the Cosine distance metric
type CosineDistance struct{}

func (d *CosineDistance) Distance(a, b *vector.Vector) (float32, error) {
	if a.Dimension != b.Dimension {
		return 0, vector.ErrInvalidDimension
	}

	var dotProduct, normA, normB float64
	for i := 0; i < a.Dimension; i++ {
		x, y := float64(a.Values[i]), float64(b.Values[i])
		dotProduct += x * y
		normA += x * x
		normB += y * y
	}

	// Handle zero vectors
	if normA == 0 || normB == 0 {
		return 1.0, nil
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))

	// Clamp to [-1, 1] to handle floating-point errors
	if similarity > 1.0 {
		similarity = 1.0
	} else if similarity < -1.0 {
		similarity = -1.0
	}

	return float32(1.0 - similarity), nil
}

func (d *CosineDistance) Name() MetricType {
	return Cosine
}

// DotProductDistance is 1 - a.b. On unit embeddings it equals the cosine
// distance without recomputing norms.
type DotProductDistance struct{}

func (d *DotProductDistance) Distance(a, b *vector.Vector) (float32, error) {
	dot, err := vector.Dot(a, b)
	if err != nil {
		return 0, err
	}

	// Rounding can push identical unit vectors just below zero
	return float32(max(0, 1-dot)), nil
}

func (d *DotProductDistance) Name() MetricType {
	return DotProduct
}
