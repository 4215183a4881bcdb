// Package classify identifies the label of a query image by k-nearest-
// neighbor voting over several views of it.
package classify

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/ken/pokescan/pkg/core/vector"
	"github.com/ken/pokescan/pkg/index"
	"github.com/ken/pokescan/pkg/view"
)

const (
	// DefaultK is the default neighbor count per view
	DefaultK = 15

	// DefaultThreshold is the default minimum top confidence for a Confident decision
	DefaultThreshold = 0.55

	// ExactDistance is the largest distance still treated as an exact match
	ExactDistance = 1e-6

	// MaxCandidates is the length of the shortlist of an Ambiguous decision
	MaxCandidates = 3
)

var (
	// ErrIndexEmpty is returned when predicting against an empty store
	ErrIndexEmpty = errors.New("index is empty, build it first")

	// ErrInvalidK is returned when k is less than 1
	ErrInvalidK = index.ErrInvalidK

	// ErrInvalidThreshold is returned for a threshold outside [0, 1]
	ErrInvalidThreshold = errors.New("threshold must be within [0, 1]")
)

// Recipe is the fixed set of query views, in evaluation order
var Recipe = []view.Spec{
	{Kind: view.KindContain},
	{Kind: view.KindCover, Zoom: 1.1, Jitter: 0.03},
	{Kind: view.KindCover, Zoom: 1.25, Jitter: 0.05},
}

// Kind is the outcome of a prediction
type Kind string

const (
	Confident    Kind = "confident"
	Ambiguous    Kind = "ambiguous"
	Unidentified Kind = "unidentified"
)

// Weighting converts a view's neighbors into a per-label vote
type Weighting string

const (
	// WeightCount votes with the fraction of neighbors carrying each label
	WeightCount Weighting = "count"

	// WeightInverseDistance weights each neighbor by 1/distance
	WeightInverseDistance Weighting = "inverse-distance"
)

// ParseWeighting parses a weighting name; "" maps to WeightInverseDistance
func ParseWeighting(s string) (Weighting, error) {
	switch w := Weighting(s); w {
	case "":
		return WeightInverseDistance, nil
	case WeightCount, WeightInverseDistance:
		return w, nil
	default:
		return "", fmt.Errorf("unknown weighting %q", s)
	}
}

// Candidate is a label with its normalized confidence
type Candidate struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Decision is the result of a prediction.
// Label and Confidence are set for Confident, Candidates for Ambiguous.
// Ranked always holds the full ranking.
type Decision struct {
	Kind       Kind        `json:"kind"`
	Label      string      `json:"label,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
	Ranked     []Candidate `json:"ranked"`
}

// Top returns the best ranked candidate, if any
func (d Decision) Top() (Candidate, bool) {
	if len(d.Ranked) == 0 {
		return Candidate{}, false
	}
	return d.Ranked[0], true
}

// Embedder turns a view into a unit-length embedding
type Embedder interface {
	Embed(ctx context.Context, img image.Image) (*vector.Vector, error)
}

// Classifier runs the multi-view vote against a store
type Classifier struct {
	Embedder  Embedder
	Synth     *view.Synthesizer
	Store     index.Store
	Weighting Weighting

	// MaxDistance drops neighbors farther than this; zero keeps all
	MaxDistance float32

	Logger *slog.Logger
}

// NewClassifier creates a classifier with inverse-distance weighting
func NewClassifier(embedder Embedder, synth *view.Synthesizer, store index.Store) *Classifier {
	return &Classifier{
		Embedder:  embedder,
		Synth:     synth,
		Store:     store,
		Weighting: WeightInverseDistance,
		Logger:    slog.Default(),
	}
}

// Predict classifies img
func (c *Classifier) Predict(ctx context.Context, img image.Image, k int, threshold float64) (Decision, error) {
	if err := checkParams(k, threshold); err != nil {
		return Decision{}, err
	}
	if c.Store.Size() == 0 {
		return Decision{}, ErrIndexEmpty
	}

	// Render sequentially so a seeded synthesizer draws jitter in recipe order
	views := make([]image.Image, len(Recipe))
	for i, spec := range Recipe {
		v, err := c.Synth.Render(img, spec)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to render %s view: %w", spec, err)
		}
		views[i] = v
	}

	queries := make([]*vector.Vector, len(views))
	g, gctx := errgroup.WithContext(ctx)
	for i, v := range views {
		g.Go(func() error {
			q, err := c.Embedder.Embed(gctx, v)
			if err != nil {
				return fmt.Errorf("failed to embed %s view: %w", Recipe[i], err)
			}
			queries[i] = q
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Decision{}, err
	}

	return c.PredictEmbeddings(queries, k, threshold)
}

// PredictEmbeddings runs the vote for already embedded query views
func (c *Classifier) PredictEmbeddings(queries []*vector.Vector, k int, threshold float64) (Decision, error) {
	if err := checkParams(k, threshold); err != nil {
		return Decision{}, err
	}
	if c.Store.Size() == 0 {
		return Decision{}, ErrIndexEmpty
	}

	neighbors := make([]index.SearchResults, len(queries))
	exact := false
	for i, q := range queries {
		results, err := c.Store.Search(q, k)
		if err != nil {
			return Decision{}, fmt.Errorf("failed to search view %d: %w", i, err)
		}
		results = c.withinReach(results)
		neighbors[i] = results
		if len(results) > 0 && results[0].Distance <= ExactDistance {
			exact = true
		}
	}

	// An exact neighbor outweighs any neighbor at positive distance, so
	// once one exists only exact neighbors vote
	tally := newTally()
	for _, results := range neighbors {
		if exact {
			results = exactOnly(results)
		}
		c.vote(tally, results)
	}

	ranked := tally.rank()
	decision := decide(ranked, threshold)
	c.logger().Debug("prediction", "kind", decision.Kind, "labels", len(ranked), "exact", exact)
	return decision, nil
}

func checkParams(k int, threshold float64) error {
	if k < 1 {
		return ErrInvalidK
	}
	if math.IsNaN(threshold) || threshold < 0 || threshold > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, threshold)
	}
	return nil
}

func (c *Classifier) withinReach(results index.SearchResults) index.SearchResults {
	if c.MaxDistance <= 0 {
		return results
	}
	kept := results[:0:0]
	for _, r := range results {
		if r.Distance <= c.MaxDistance {
			kept = append(kept, r)
		}
	}
	return kept
}

func exactOnly(results index.SearchResults) index.SearchResults {
	var kept index.SearchResults
	for _, r := range results {
		if r.Distance <= ExactDistance {
			kept = append(kept, r)
		}
	}
	return kept
}

// vote adds one view's neighbors to the tally. The view's vote sums to one.
func (c *Classifier) vote(t *tally, results index.SearchResults) {
	if len(results) == 0 {
		return
	}

	weights := make([]float64, len(results))
	var total float64
	for i, r := range results {
		w := 1.0
		if c.Weighting != WeightCount && r.Distance > ExactDistance {
			w = 1 / float64(r.Distance)
		}
		weights[i] = w
		total += w
	}
	for i, r := range results {
		t.add(r.Label, weights[i]/total)
	}
}

// tally accumulates votes and remembers the order labels first appear in
type tally struct {
	votes map[string]float64
	order []string
}

func newTally() *tally {
	return &tally{votes: make(map[string]float64)}
}

func (t *tally) add(label string, w float64) {
	if _, ok := t.votes[label]; !ok {
		t.order = append(t.order, label)
	}
	t.votes[label] += w
}

// rank normalizes the tally to sum to one and sorts it, best first
func (t *tally) rank() []Candidate {
	var total float64
	for _, label := range t.order {
		total += t.votes[label]
	}
	if total == 0 {
		return nil
	}

	ranked := make([]Candidate, 0, len(t.order))
	for _, label := range t.order {
		ranked = append(ranked, Candidate{Label: label, Confidence: t.votes[label] / total})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked
}

func decide(ranked []Candidate, threshold float64) Decision {
	if len(ranked) == 0 {
		return Decision{Kind: Unidentified}
	}

	top := ranked[0]
	if top.Confidence >= threshold {
		return Decision{Kind: Confident, Label: top.Label, Confidence: top.Confidence, Ranked: ranked}
	}

	n := min(MaxCandidates, len(ranked))
	candidates := make([]Candidate, n)
	copy(candidates, ranked[:n])
	return Decision{Kind: Ambiguous, Candidates: candidates, Ranked: ranked}
}

func (c *Classifier) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}
