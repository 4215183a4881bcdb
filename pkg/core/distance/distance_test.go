package distance

import (
	"testing"

	"github.com/ken/pokescan/pkg/core/vector"
)

func TestEuclideanDistance(t *testing.T) {
	a := vector.NewVector("a", []float32{1.0, 2.0, 3.0})
	b := vector.NewVector("b", []float32{4.0, 5.0, 6.0})

	metric := &EuclideanDistance{}

	// Expected distance: sqrt((4-1)^2 + (5-2)^2 + (6-3)^2) = sqrt(27) = 5.196
	expected := float32(5.196)

	dist, err := metric.Distance(a, b)
	if err != nil {
		t.Fatalf("Failed to calculate distance: %v", err)
	}

	if dist < expected-0.01 || dist > expected+0.01 {
		t.Errorf("Expected distance to be %f, got %f", expected, dist)
	}
}

func TestCosineDistance(t *testing.T) {
	a := vector.NewVector("a", []float32{1.0, 0.0, 0.0})
	b := vector.NewVector("b", []float32{0.0, 1.0, 0.0})
	c := vector.NewVector("c", []float32{1.0, 1.0, 0.0})

	metric := &CosineDistance{}

	// Orthogonal vectors should have distance 1.0
	dist, err := metric.Distance(a, b)
	if err != nil {
		t.Fatalf("Failed to calculate distance: %v", err)
	}
	if dist < 0.99 || dist > 1.01 {
		t.Errorf("Expected distance between orthogonal vectors to be 1.0, got %f", dist)
	}

	// 45-degree angle should have distance 1 - cos(45°) ≈ 0.293
	expected := float32(0.293)
	dist, err = metric.Distance(a, c)
	if err != nil {
		t.Fatalf("Failed to calculate distance: %v", err)
	}
	if dist < expected-0.01 || dist > expected+0.01 {
		t.Errorf("Expected distance to be %f, got %f", expected, dist)
	}

	// Identical vectors have distance 0
	dist, err = metric.Distance(a, a)
	if err != nil {
		t.Fatalf("Failed to calculate distance: %v", err)
	}
	if dist > 1e-6 {
		t.Errorf("Expected distance 0 for identical vectors, got %g", dist)
	}
}

func TestDimensionMismatch(t *testing.T) {
	a := vector.NewVector("a", []float32{1.0, 0.0})
	b := vector.NewVector("b", []float32{1.0, 0.0, 0.0})

	for _, name := range []MetricType{Euclidean, Cosine, DotProduct} {
		metric, err := GetMetric(name)
		if err != nil {
			t.Fatalf("GetMetric(%s) failed: %v", name, err)
		}
		if _, err := metric.Distance(a, b); err != vector.ErrInvalidDimension {
			t.Errorf("%s: expected ErrInvalidDimension, got %v", name, err)
		}
	}
}

func TestMetricsAgreeOnUnitVectors(t *testing.T) {
	query, _ := vector.NewVector("q", []float32{1, 2, 2}).Normalized()
	near, _ := vector.NewVector("n", []float32{1, 2, 3}).Normalized()
	far, _ := vector.NewVector("f", []float32{-3, 1, 0}).Normalized()

	for _, name := range []MetricType{Euclidean, Cosine, DotProduct} {
		metric, _ := GetMetric(name)
		dNear, _ := metric.Distance(query, near)
		dFar, _ := metric.Distance(query, far)
		if dNear >= dFar {
			t.Errorf("%s: expected near (%f) < far (%f)", name, dNear, dFar)
		}
	}
}

func TestIdenticalUnitVectorsAreAtZero(t *testing.T) {
	v, _ := vector.NewVector("v", []float32{0.3, -0.2, 0.9, 0.1}).Normalized()

	for _, name := range []MetricType{Euclidean, Cosine, DotProduct} {
		metric, _ := GetMetric(name)
		dist, err := metric.Distance(v, v)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if dist < 0 || dist > 1e-6 {
			t.Errorf("%s: expected distance 0 for identical vectors, got %g", name, dist)
		}
	}
}

func TestDotProductDistance(t *testing.T) {
	a := vector.NewVector("a", []float32{1, 0})
	b := vector.NewVector("b", []float32{0, 1})
	c := vector.NewVector("c", []float32{-1, 0})

	metric := &DotProductDistance{}
	if dist, _ := metric.Distance(a, b); dist < 0.99 || dist > 1.01 {
		t.Errorf("Expected orthogonal distance 1, got %f", dist)
	}
	if dist, _ := metric.Distance(a, c); dist < 1.99 || dist > 2.01 {
		t.Errorf("Expected opposite distance 2, got %f", dist)
	}
}

func TestGetMetric(t *testing.T) {
	metric, err := GetMetric("")
	if err != nil || metric.Name() != Cosine {
		t.Errorf("Expected empty name to default to cosine, got %v, %v", metric, err)
	}

	if _, err := GetMetric("manhattan"); err == nil {
		t.Error("Expected error for unknown metric")
	}
}
