package index

import (
	"errors"
	"sort"

	"github.com/ken/pokescan/pkg/core/vector"
)

var (
	// ErrInvalidK is returned when k is less than 1
	ErrInvalidK = errors.New("k must be greater than 0")

	// ErrNotUnit is returned when an exemplar embedding is not unit length
	ErrNotUnit = errors.New("embedding is not unit length")

	// ErrEmptyLabel is returned when an exemplar has no label
	ErrEmptyLabel = errors.New("exemplar label is empty")
)

// Exemplar is one (label, embedding) pair stored for similarity lookup
type Exemplar struct {
	Label  string
	Vector *vector.Vector
}

// SearchResult represents a single neighbor of a query
type SearchResult struct {
	Label    string         // Label of the matched exemplar
	Seq      int            // Insertion sequence number of the exemplar
	Vector   *vector.Vector // Copy of the stored embedding
	Distance float32        // Distance from query vector
}

// SearchResults is a slice of SearchResult
type SearchResults []SearchResult

// Store is an append-only multiset of exemplars with k-nearest-neighbor
// queries. Duplicate exemplars are allowed.
type Store interface {
	// Name returns the name of the store implementation
	Name() string

	// Insert appends one exemplar; the embedding must be unit length
	Insert(label string, vec *vector.Vector) error

	// InsertBatch appends all exemplars or none of them
	InsertBatch(exemplars []Exemplar) error

	// Clear drops every exemplar and resets derived state
	Clear()

	// Search returns up to k exemplars closest to query, nearest first.
	// An empty store yields an empty result.
	Search(query *vector.Vector, k int) (SearchResults, error)

	// Size returns the number of exemplars in the store
	Size() int

	// Labels returns the distinct labels in first-inserted order
	Labels() []string

	// CountByLabel returns the number of exemplars per label
	CountByLabel() map[string]int
}

// Sort orders results by distance (ascending), breaking ties by insertion order
func (r SearchResults) Sort() {
	sort.SliceStable(r, func(i, j int) bool {
		if r[i].Distance != r[j].Distance {
			return r[i].Distance < r[j].Distance
		}
		return r[i].Seq < r[j].Seq
	})
}

// Validate checks an exemplar before it is admitted to a store
func (e Exemplar) Validate() error {
	if e.Label == "" {
		return ErrEmptyLabel
	}
	if e.Vector == nil || e.Vector.Dimension == 0 {
		return vector.ErrInvalidDimension
	}
	if !e.Vector.IsUnit(vector.UnitTolerance) {
		return ErrNotUnit
	}
	return nil
}
