package flat

import (
	"errors"
	"sync"

	"github.com/ken/pokescan/pkg/core/distance"
	"github.com/ken/pokescan/pkg/core/vector"
	"github.com/ken/pokescan/pkg/index"
)

// ErrMetricRequired is returned when a distance metric is required but not set
var ErrMetricRequired = errors.New("distance metric is required")

type entry struct {
	label string
	vec   *vector.Vector
	seq   int
}

// FlatIndex implements an exact brute-force exemplar store
type FlatIndex struct {
	entries   []entry         // Exemplars in insertion order
	dimension int             // Dimension fixed by the first insert, 0 when empty
	nextSeq   int             // Sequence number for the next exemplar
	metric    distance.Metric // Distance metric to use
	mu        sync.RWMutex    // Mutex for thread safety
}

var _ index.Store = (*FlatIndex)(nil)

// NewFlatIndex creates a new flat index with the specified distance metric
func NewFlatIndex(metric distance.Metric) *FlatIndex {
	return &FlatIndex{metric: metric}
}

// Name returns the name of the index
func (idx *FlatIndex) Name() string {
	return "flat"
}

// Insert appends a single exemplar
func (idx *FlatIndex) Insert(label string, vec *vector.Vector) error {
	return idx.InsertBatch([]index.Exemplar{{Label: label, Vector: vec}})
}

// InsertBatch validates every exemplar first and then appends them under
// one lock, so a failure leaves the index untouched.
func (idx *FlatIndex) InsertBatch(exemplars []index.Exemplar) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	dim := idx.dimension
	for _, ex := range exemplars {
		if err := ex.Validate(); err != nil {
			return err
		}
		if dim == 0 {
			dim = ex.Vector.Dimension
		}
		if ex.Vector.Dimension != dim {
			return vector.ErrInvalidDimension
		}
	}

	for _, ex := range exemplars {
		idx.entries = append(idx.entries, entry{
			label: ex.Label,
			vec:   ex.Vector.Copy(), // Store a copy of the vector
			seq:   idx.nextSeq,
		})
		idx.nextSeq++
	}
	idx.dimension = dim

	return nil
}

// Clear removes all exemplars and resets the sequence counter
func (idx *FlatIndex) Clear() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.entries = nil
	idx.dimension = 0
	idx.nextSeq = 0
}

// Search performs an exact k-nearest neighbor search
func (idx *FlatIndex) Search(query *vector.Vector, k int) (index.SearchResults, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	// Check if k is valid
	if k < 1 {
		return nil, index.ErrInvalidK
	}

	// Nothing stored yet
	if len(idx.entries) == 0 {
		return index.SearchResults{}, nil
	}

	if idx.metric == nil {
		return nil, ErrMetricRequired
	}
	if query.Dimension != idx.dimension {
		return nil, vector.ErrInvalidDimension
	}

	// Calculate distances to all exemplars
	results := make(index.SearchResults, 0, len(idx.entries))
	for _, e := range idx.entries {
		dist, err := idx.metric.Distance(query, e.vec)
		if err != nil {
			return nil, err
		}
		results = append(results, index.SearchResult{
			Label:    e.label,
			Seq:      e.seq,
			Vector:   e.vec,
			Distance: dist,
		})
	}

	results.Sort()

	// Return top k results
	if k > len(results) {
		k = len(results)
	}
	top := results[:k]
	for i := range top {
		top[i].Vector = top[i].Vector.Copy() // Return a copy to prevent modification
	}
	return top, nil
}

// Size returns the number of exemplars in the index
func (idx *FlatIndex) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	return len(idx.entries)
}

// Labels returns the distinct labels in the order they were first inserted
func (idx *FlatIndex) Labels() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	seen := make(map[string]bool)
	labels := make([]string, 0)
	for _, e := range idx.entries {
		if !seen[e.label] {
			seen[e.label] = true
			labels = append(labels, e.label)
		}
	}
	return labels
}

// CountByLabel returns how many exemplars each label holds
func (idx *FlatIndex) CountByLabel() map[string]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	counts := make(map[string]int)
	for _, e := range idx.entries {
		counts[e.label]++
	}
	return counts
}
