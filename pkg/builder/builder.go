// Package builder populates an exemplar store from reference artwork.
package builder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ken/pokescan/pkg/core/vector"
	"github.com/ken/pokescan/pkg/index"
	"github.com/ken/pokescan/pkg/source"
	"github.com/ken/pokescan/pkg/view"
)

const (
	// DefaultAugmentations is the number of augmented views per source image
	DefaultAugmentations = 3

	// DefaultFetchConcurrency bounds in-flight reference downloads
	DefaultFetchConcurrency = 32

	// DefaultLookahead is how many labels may be fetched but not yet
	// embedded. It bounds the decoded images held in memory.
	DefaultLookahead = 16

	// CoverZoom is the zoom of the single cover view built per source
	CoverZoom = 1.15
)

// ErrEmptyClass is returned under PolicyFail when a label has no usable source
var ErrEmptyClass = errors.New("no reference image could be loaded for label")

// EmptyClassPolicy decides what happens to a label with zero usable sources
type EmptyClassPolicy string

const (
	// PolicySkip drops the label and keeps building
	PolicySkip EmptyClassPolicy = "skip"

	// PolicyWarn drops the label and logs a warning
	PolicyWarn EmptyClassPolicy = "warn"

	// PolicyFail aborts the build
	PolicyFail EmptyClassPolicy = "fail"
)

// ParsePolicy parses a policy name; "" maps to PolicySkip
func ParsePolicy(s string) (EmptyClassPolicy, error) {
	switch p := EmptyClassPolicy(s); p {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyWarn, PolicyFail:
		return p, nil
	default:
		return "", fmt.Errorf("unknown empty class policy %q", s)
	}
}

// Embedder turns a view into a unit-length embedding
type Embedder interface {
	Embed(ctx context.Context, img image.Image) (*vector.Vector, error)
}

// ProgressFunc observes the build. built counts finished labels, skipped
// ones included, and only ever grows.
type ProgressFunc func(built, total int)

// Report summarizes a build
type Report struct {
	Labels    int      `json:"labels"`
	Completed int      `json:"completed"`
	Exemplars int      `json:"exemplars"`
	Skipped   []string `json:"skipped,omitempty"`
}

// Builder fetches reference images, synthesizes views and stores their
// embeddings, one label at a time.
type Builder struct {
	Fetcher          source.Fetcher
	Variants         []source.Variant
	Embedder         Embedder
	Synth            *view.Synthesizer
	Store            index.Store
	Augmentations    int
	FetchConcurrency int
	Lookahead        int
	EmptyClassPolicy EmptyClassPolicy
	Logger           *slog.Logger
}

// NewBuilder creates a builder with the default variants and tuning
func NewBuilder(fetcher source.Fetcher, embedder Embedder, synth *view.Synthesizer, store index.Store) *Builder {
	return &Builder{
		Fetcher:          fetcher,
		Variants:         source.DefaultVariants(),
		Embedder:         embedder,
		Synth:            synth,
		Store:            store,
		Augmentations:    DefaultAugmentations,
		FetchConcurrency: DefaultFetchConcurrency,
		Lookahead:        DefaultLookahead,
		EmptyClassPolicy: PolicySkip,
		Logger:           slog.Default(),
	}
}

// Labels returns the labels first..last as decimal strings
func Labels(first, last int) []string {
	if last < first {
		return nil
	}
	labels := make([]string, 0, last-first+1)
	for id := first; id <= last; id++ {
		labels = append(labels, strconv.Itoa(id))
	}
	return labels
}

// slot receives the fetched sources of one label
type slot struct {
	done    chan struct{}
	sources []image.Image
}

// Build adds exemplars for labels to the store. Each label's exemplars are
// inserted together, so an interrupted build leaves only whole labels.
// The store is never cleared here: building twice appends duplicates.
func (b *Builder) Build(ctx context.Context, labels []string, progress ProgressFunc) (Report, error) {
	report := Report{Labels: len(labels)}
	if err := b.validate(); err != nil {
		return report, err
	}
	logger := b.logger()

	ctx, cancel := context.WithCancel(ctx)
	slots, consumed, wait := b.prefetch(ctx, labels)
	defer func() {
		cancel()
		wait()
	}()

	logger.Info("index build started", "labels", len(labels), "variants", len(b.Variants),
		"augmentations", b.Augmentations)

	for i, label := range labels {
		select {
		case <-slots[i].done:
		case <-ctx.Done():
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		sources := make([]image.Image, 0, len(slots[i].sources))
		for _, src := range slots[i].sources {
			if src != nil {
				sources = append(sources, src)
			}
		}
		slots[i] = nil

		exemplars, err := b.exemplars(ctx, label, sources)
		if err != nil {
			return report, err
		}
		consumed()

		if len(exemplars) == 0 {
			report.Skipped = append(report.Skipped, label)
			switch b.EmptyClassPolicy {
			case PolicyFail:
				return report, fmt.Errorf("%w: %s", ErrEmptyClass, label)
			case PolicyWarn:
				logger.Warn("label skipped, no reference image loaded", "label", label)
			default:
				logger.Debug("label skipped, no reference image loaded", "label", label)
			}
		} else {
			if err := b.Store.InsertBatch(exemplars); err != nil {
				return report, fmt.Errorf("failed to store exemplars for %s: %w", label, err)
			}
			report.Exemplars += len(exemplars)
		}

		report.Completed++
		if progress != nil {
			progress(report.Completed, report.Labels)
		}
	}

	logger.Info("index build finished", "completed", report.Completed,
		"exemplars", report.Exemplars, "skipped", len(report.Skipped))
	return report, nil
}

// prefetch downloads the labels' sources with bounded concurrency, in
// label order, ahead of the embedding loop. At most lookahead labels are
// fetched and not yet consumed; the loop calls consumed once per label it
// is done with. wait blocks until all fetches have returned.
func (b *Builder) prefetch(ctx context.Context, labels []string) ([]*slot, func(), func()) {
	slots := make([]*slot, len(labels))
	for i := range slots {
		slots[i] = &slot{done: make(chan struct{}), sources: make([]image.Image, len(b.Variants))}
	}
	window := make(chan struct{}, b.lookahead())

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency())

	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for i, label := range labels {
			select {
			case window <- struct{}{}:
			case <-gctx.Done():
				return
			}
			s := slots[i]
			var wg sync.WaitGroup
			for j, variant := range b.Variants {
				if gctx.Err() != nil {
					break
				}
				wg.Add(1)
				g.Go(func() error {
					defer wg.Done()
					img, err := b.Fetcher.Fetch(gctx, label, variant)
					if err != nil {
						// A failed source is dropped, the label may still have others
						b.logger().Debug("reference source failed", "label", label,
							"variant", variant.Name, "error", err)
						return nil
					}
					s.sources[j] = img
					return nil
				})
			}
			go func() {
				wg.Wait()
				close(s.done)
			}()
		}
	}()

	consumed := func() { <-window }
	return slots, consumed, func() {
		<-dispatched
		_ = g.Wait()
	}
}

// exemplars synthesizes and embeds every view of every source of label
func (b *Builder) exemplars(ctx context.Context, label string, sources []image.Image) ([]index.Exemplar, error) {
	var out []index.Exemplar
	for _, src := range sources {
		views, err := b.views(src)
		if err != nil {
			b.logger().Debug("reference source unusable", "label", label, "error", err)
			continue
		}
		for _, v := range views {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := b.Embedder.Embed(ctx, v)
			if err != nil {
				return nil, fmt.Errorf("failed to embed view of %s: %w", label, err)
			}
			out = append(out, index.Exemplar{Label: label, Vector: vec})
		}
	}
	return out, nil
}

// views renders contain, cover and the augmented views of src
func (b *Builder) views(src image.Image) ([]image.Image, error) {
	views := make([]image.Image, 0, 2+b.Augmentations)

	contain, err := b.Synth.Contain(src)
	if err != nil {
		return nil, err
	}
	cover, err := b.Synth.Cover(src, CoverZoom, 0)
	if err != nil {
		return nil, err
	}
	views = append(views, contain, cover)

	for i := 0; i < b.Augmentations; i++ {
		aug, err := b.Synth.Augmented(src)
		if err != nil {
			return nil, err
		}
		views = append(views, aug)
	}
	return views, nil
}

func (b *Builder) validate() error {
	switch {
	case b.Fetcher == nil:
		return errors.New("builder: fetcher is required")
	case b.Embedder == nil:
		return errors.New("builder: embedder is required")
	case b.Synth == nil:
		return errors.New("builder: synthesizer is required")
	case b.Store == nil:
		return errors.New("builder: store is required")
	case b.Augmentations < 0:
		return fmt.Errorf("builder: augmentations must be >= 0, got %d", b.Augmentations)
	}
	if _, err := ParsePolicy(string(b.EmptyClassPolicy)); err != nil {
		return fmt.Errorf("builder: %w", err)
	}
	return nil
}

func (b *Builder) concurrency() int {
	if b.FetchConcurrency < 1 {
		return DefaultFetchConcurrency
	}
	return b.FetchConcurrency
}

func (b *Builder) lookahead() int {
	if b.Lookahead < 1 {
		return DefaultLookahead
	}
	return b.Lookahead
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.Default()
	}
	return b.Logger
}
