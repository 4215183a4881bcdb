package vector

import (
	"errors"
	"math"
)

var (
	// ErrInvalidDimension is returned when vector dimensions don't match
	ErrInvalidDimension = errors.New("invalid vector dimension")

	// ErrZeroVector is returned when a vector with zero magnitude is normalized
	ErrZeroVector = errors.New("cannot normalize a zero vector")
)

// UnitTolerance is the allowed deviation of a unit vector's L2 norm from 1.
const UnitTolerance = 1e-6

// Vector represents an embedding in n-dimensional space
type Vector struct {
	ID        string    // Optional identifier, empty for query vectors
	Values    []float32 // Vector components
	Dimension int       // Number of dimensions
}

// NewVector creates a new vector with the specified ID and values
func NewVector(id string, values []float32) *Vector {
	return &Vector{
		ID:        id,
		Values:    values,
		Dimension: len(values),
	}
}

// Copy creates a deep copy of the vector
func (v *Vector) Copy() *Vector {
	valuesCopy := make([]float32, v.Dimension)
	copy(valuesCopy, v.Values)
	return &Vector{
		ID:        v.ID,
		Values:    valuesCopy,
		Dimension: v.Dimension,
	}
}

// Norm returns the L2 norm of the vector, accumulated in float64
func (v *Vector) Norm() float64 {
	var sum float64
	for _, val := range v.Values {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}

// Normalize converts the vector to a unit vector (same direction, length 1).
// Zero vectors have no direction and are rejected.
func (v *Vector) Normalize() error {
	magnitude := v.Norm()
	if magnitude == 0 || math.IsNaN(magnitude) || math.IsInf(magnitude, 0) {
		return ErrZeroVector
	}

	for i := range v.Values {
		v.Values[i] = float32(float64(v.Values[i]) / magnitude)
	}
	return nil
}

// Normalized returns a unit-length copy of the vector
func (v *Vector) Normalized() (*Vector, error) {
	out := v.Copy()
	if err := out.Normalize(); err != nil {
		return nil, err
	}
	return out, nil
}

// IsUnit reports whether the vector's L2 norm is within tol of 1
func (v *Vector) IsUnit(tol float64) bool {
	return math.Abs(v.Norm()-1) <= tol
}

// Dot returns the inner product of two vectors of equal dimension
func Dot(a, b *Vector) (float64, error) {
	if a.Dimension != b.Dimension {
		return 0, ErrInvalidDimension
	}

	var sum float64
	for i := 0; i < a.Dimension; i++ {
		sum += float64(a.Values[i]) * float64(b.Values[i])
	}
	return sum, nil
}
