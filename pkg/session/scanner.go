package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"

	"github.com/ken/pokescan/pkg/builder"
	"github.com/ken/pokescan/pkg/capture"
	"github.com/ken/pokescan/pkg/classify"
	"github.com/ken/pokescan/pkg/embedding"
	"github.com/ken/pokescan/pkg/embedding/models"
	"github.com/ken/pokescan/pkg/index"
	"github.com/ken/pokescan/pkg/source"
	"github.com/ken/pokescan/pkg/view"
)

var (
	// ErrNotReady is returned when the embedding model has not loaded
	ErrNotReady = errors.New("model not loaded")

	// ErrInvalidSetting is returned by SetK and SetThreshold
	ErrInvalidSetting = errors.New("invalid setting")

	// ErrNotCandidate is returned by Select for a label the last scan did
	// not offer
	ErrNotCandidate = errors.New("label is not a candidate of the last scan")
)

// progressEvery is how often, in labels, the build status text is refreshed
const progressEvery = 10

// Options wires a Scanner
type Options struct {
	Store    index.Store
	Loader   *embedding.Loader
	Capture  *capture.Manager
	Fetcher  source.Fetcher
	Variants []source.Variant
	Synth    *view.Synthesizer
	Labels   []string

	K         int
	Threshold float64

	Augmentations    int
	FetchConcurrency int
	Lookahead        int
	EmptyClassPolicy builder.EmptyClassPolicy
	Weighting        classify.Weighting
	MaxDistance      float32

	Sink   StatusSink
	Logger *slog.Logger
}

// Scanner is the session facade: it owns the store and the capture
// manager and runs builds and scans against them, one at a time.
type Scanner struct {
	opts   Options
	state  *State
	guard  Guard
	logger *slog.Logger

	mu          sync.Mutex
	builder     *builder.Builder
	classifier  *classify.Classifier
	modelName   string
	last        classify.Decision
	cancelBuild context.CancelFunc
	buildDone   chan struct{}
}

// New creates a scanner. Store, Loader, Capture, Fetcher and Labels are
// required; zero K and Threshold take the classifier defaults.
func New(opts Options) (*Scanner, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("session: store is required")
	case opts.Loader == nil:
		return nil, errors.New("session: loader is required")
	case opts.Capture == nil:
		return nil, errors.New("session: capture manager is required")
	case opts.Fetcher == nil:
		return nil, errors.New("session: fetcher is required")
	case len(opts.Labels) == 0:
		return nil, errors.New("session: no labels to build")
	}
	if opts.Variants == nil {
		opts.Variants = source.DefaultVariants()
	}
	if opts.Synth == nil {
		opts.Synth = view.NewSynthesizer(nil)
	}
	if opts.K == 0 {
		opts.K = classify.DefaultK
	}
	if opts.Threshold == 0 {
		opts.Threshold = classify.DefaultThreshold
	}
	if err := checkK(opts.K); err != nil {
		return nil, err
	}
	if err := checkThreshold(opts.Threshold); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Scanner{
		opts:   opts,
		state:  NewState(len(opts.Labels), opts.K, opts.Threshold, opts.Sink),
		logger: opts.Logger,
	}, nil
}

// State exposes the session state for watchers
func (s *Scanner) State() *State {
	return s.state
}

// Snapshot returns the current session state
func (s *Scanner) Snapshot() Snapshot {
	return s.state.Snapshot()
}

// Init loads the embedding model. A failure sticks until Retry.
func (s *Scanner) Init(ctx context.Context) error {
	s.state.SetStatus("Loading model…")
	model, err := s.opts.Loader.Load(ctx)
	return s.afterLoad(model, err)
}

// Retry re-attempts a failed model load
func (s *Scanner) Retry(ctx context.Context) error {
	s.state.SetStatus("Loading model…")
	model, err := s.opts.Loader.Retry(ctx)
	return s.afterLoad(model, err)
}

func (s *Scanner) afterLoad(model models.EmbeddingModel, err error) error {
	if err != nil {
		s.state.Update(func(snap *Snapshot) {
			snap.Ready = false
			snap.Status = "Init error: " + err.Error()
		})
		return err
	}

	s.mu.Lock()
	if s.builder == nil {
		embedder := embedding.NewEmbedder(model, s.opts.Synth.Size())

		b := builder.NewBuilder(s.opts.Fetcher, embedder, s.opts.Synth, s.opts.Store)
		b.Variants = s.opts.Variants
		b.Augmentations = s.opts.Augmentations
		b.FetchConcurrency = s.opts.FetchConcurrency
		b.Lookahead = s.opts.Lookahead
		b.EmptyClassPolicy = s.opts.EmptyClassPolicy
		b.Logger = s.logger
		s.builder = b

		c := classify.NewClassifier(embedder, s.opts.Synth, s.opts.Store)
		if s.opts.Weighting != "" {
			c.Weighting = s.opts.Weighting
		}
		c.MaxDistance = s.opts.MaxDistance
		c.Logger = s.logger
		s.classifier = c
		s.modelName = embedder.ModelName()
	}
	name := s.modelName
	s.mu.Unlock()

	s.state.Update(func(snap *Snapshot) {
		snap.Ready = true
		snap.Model = name
		snap.Exemplars = s.opts.Store.Size()
		snap.Status = "Ready. Build index, then Start Camera or Import an Image."
	})
	return nil
}

// components returns the pipelines bound to the loaded model. Once the
// loader has released the model they are dropped and Init must run again.
func (s *Scanner) components() (*builder.Builder, *classify.Classifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opts.Loader.Loaded() {
		s.builder, s.classifier, s.modelName = nil, nil, ""
		return nil, nil, ErrNotReady
	}
	if s.builder == nil {
		return nil, nil, ErrNotReady
	}
	return s.builder, s.classifier, nil
}

// Build runs a build to completion. With resume it continues after the
// labels already built; otherwise it starts over from the first label
// without clearing the store.
func (s *Scanner) Build(ctx context.Context, resume bool) (builder.Report, error) {
	done, err := s.StartBuild(ctx, resume)
	if err != nil {
		return builder.Report{}, err
	}
	res := <-done
	return res.Report, res.Err
}

// BuildResult is delivered when a background build ends
type BuildResult struct {
	Report builder.Report
	Err    error
}

// StartBuild starts a build in the background. It fails immediately if
// the model is not loaded or another operation runs.
func (s *Scanner) StartBuild(ctx context.Context, resume bool) (<-chan BuildResult, error) {
	b, _, err := s.components()
	if err != nil {
		s.state.SetStatus("Model not loaded. Retry model initialization.")
		return nil, err
	}

	release, err := s.guard.TryAcquire("build")
	if err != nil {
		return nil, err
	}

	labels := s.opts.Labels
	offset := 0
	if resume {
		offset = min(s.state.Snapshot().Built, len(labels))
	}
	labels = labels[offset:]

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.cancelBuild = cancel
	s.buildDone = done
	s.mu.Unlock()

	s.state.Update(func(snap *Snapshot) {
		snap.Building = true
		snap.Built = offset
		snap.Status = "Building index…"
	})

	out := make(chan BuildResult, 1)
	go func() {
		defer close(done)
		defer release()
		defer cancel()

		report, err := b.Build(ctx, labels, func(built, _ int) {
			n := offset + built
			s.state.Update(func(snap *Snapshot) {
				snap.Built = n
				snap.Exemplars = s.opts.Store.Size()
				if n%progressEvery == 0 {
					snap.Status = fmt.Sprintf("Building… %d/%d", n, snap.Total)
				}
			})
		})
		s.finishBuild(report, err)
		out <- BuildResult{Report: report, Err: err}
	}()
	return out, nil
}

func (s *Scanner) finishBuild(report builder.Report, err error) {
	s.mu.Lock()
	s.cancelBuild = nil
	s.mu.Unlock()

	s.state.Update(func(snap *Snapshot) {
		snap.Building = false
		snap.Exemplars = s.opts.Store.Size()
		switch {
		case errors.Is(err, context.Canceled):
			snap.Status = fmt.Sprintf("Build cancelled at %d/%d.", snap.Built, snap.Total)
		case err != nil:
			snap.Status = "Build error: " + err.Error()
		default:
			snap.Status = fmt.Sprintf("Index built. ~%d exemplars. Aim camera or import an image.", snap.Exemplars)
		}
	})
	if err != nil {
		s.logger.Warn("index build stopped", "error", err, "completed", report.Completed)
	}
}

// CancelBuild stops a running build and waits for it to wind down.
// Labels completed so far stay in the store.
func (s *Scanner) CancelBuild() {
	s.mu.Lock()
	cancel, done := s.cancelBuild, s.buildDone
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Clear empties the store
func (s *Scanner) Clear() error {
	release, err := s.guard.TryAcquire("clear")
	if err != nil {
		return err
	}
	defer release()

	s.opts.Store.Clear()
	s.state.Update(func(snap *Snapshot) {
		snap.Built = 0
		snap.Exemplars = 0
		snap.Status = "Index cleared. Build again."
	})
	return nil
}

// Scan classifies the current capture source
func (s *Scanner) Scan(ctx context.Context) (classify.Decision, error) {
	return s.classify(ctx, func() (image.Image, string, error) {
		return s.opts.Capture.Source(ctx)
	})
}

// Identify classifies img directly
func (s *Scanner) Identify(ctx context.Context, img image.Image) (classify.Decision, error) {
	return s.classify(ctx, func() (image.Image, string, error) {
		return img, "image", nil
	})
}

func (s *Scanner) classify(ctx context.Context, src func() (image.Image, string, error)) (classify.Decision, error) {
	_, c, err := s.components()
	if err != nil {
		s.state.SetStatus("Model not loaded. Retry model initialization.")
		return classify.Decision{}, err
	}

	release, err := s.guard.TryAcquire("scan")
	if err != nil {
		return classify.Decision{}, err
	}
	defer release()

	if s.opts.Store.Size() == 0 {
		s.state.SetStatus("Build the index first.")
		return classify.Decision{}, classify.ErrIndexEmpty
	}

	img, from, err := src()
	if err != nil {
		if errors.Is(err, capture.ErrNoSource) {
			s.state.SetStatus("Start the camera or import an image first.")
		} else {
			s.state.Update(func(snap *Snapshot) {
				snap.CameraReady = s.opts.Capture.CameraReady()
				snap.Status = "Capture error: " + err.Error()
			})
		}
		return classify.Decision{}, err
	}
	s.state.SetStatus(fmt.Sprintf("Capturing from %s…", from))

	snap := s.state.Snapshot()
	decision, err := c.Predict(ctx, img, snap.K, snap.Threshold)
	if err != nil {
		s.state.SetStatus("Scan error: " + err.Error())
		return decision, err
	}

	s.mu.Lock()
	s.last = decision
	s.mu.Unlock()

	switch decision.Kind {
	case classify.Confident:
		s.state.SetStatus(fmt.Sprintf("Detected #%s (%.1f%%) → opening page…", decision.Label, decision.Confidence*100))
	case classify.Ambiguous:
		top, _ := decision.Top()
		s.state.SetStatus(fmt.Sprintf("Not sure. Top guesses shown (best %.1f%%).", top.Confidence*100))
	default:
		s.state.SetStatus("Could not identify. Try again.")
	}
	return decision, nil
}

// Select confirms one of the candidates of the last ambiguous scan
func (s *Scanner) Select(label string) error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	for _, c := range last.Candidates {
		if c.Label == label {
			s.state.SetStatus(fmt.Sprintf("Selected #%s → opening page…", label))
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrNotCandidate, label)
}

// StartCamera acquires the camera
func (s *Scanner) StartCamera(ctx context.Context) error {
	s.state.SetStatus("Starting camera…")
	err := s.opts.Capture.StartCamera(ctx)
	s.state.Update(func(snap *Snapshot) {
		snap.CameraReady = s.opts.Capture.CameraReady()
		if err != nil {
			snap.Status = "Camera error: " + err.Error()
		} else {
			snap.Status = "Camera ready. You can Scan now."
		}
	})
	return err
}

// StopCamera releases the camera. Calling it again changes nothing.
func (s *Scanner) StopCamera() error {
	err := s.opts.Capture.StopCamera()
	s.state.Update(func(snap *Snapshot) {
		snap.CameraReady = false
		snap.Status = "Camera stopped."
	})
	return err
}

// Import makes r the query image, replacing any previous import
func (s *Scanner) Import(ctx context.Context, r io.Reader) error {
	_, err := s.opts.Capture.Import(ctx, r)
	s.state.Update(func(snap *Snapshot) {
		snap.Imported = s.opts.Capture.HasImport()
		if err != nil {
			snap.Status = "Image load error: " + err.Error()
		} else {
			snap.Status = "Image loaded. Build index, then Scan."
		}
	})
	return err
}

// ClearImport drops the imported image so scans use the camera again
func (s *Scanner) ClearImport() {
	s.opts.Capture.ClearImport()
	s.state.Update(func(snap *Snapshot) { snap.Imported = false })
}

// Preview writes the imported image, returning its content type
func (s *Scanner) Preview(w io.Writer) (string, error) {
	return s.opts.Capture.Preview(w)
}

// SetK sets the neighbor count used by scans
func (s *Scanner) SetK(k int) error {
	if err := checkK(k); err != nil {
		return err
	}
	s.state.Update(func(snap *Snapshot) { snap.K = k })
	return nil
}

// SetThreshold sets the decision threshold used by scans
func (s *Scanner) SetThreshold(threshold float64) error {
	if err := checkThreshold(threshold); err != nil {
		return err
	}
	s.state.Update(func(snap *Snapshot) { snap.Threshold = threshold })
	return nil
}

// Close cancels a running build, then releases the camera, the import and
// the model
func (s *Scanner) Close() error {
	s.CancelBuild()
	err := s.opts.Capture.Close()
	err = errors.Join(err, s.opts.Loader.Close())

	s.mu.Lock()
	s.builder, s.classifier, s.modelName = nil, nil, ""
	s.mu.Unlock()

	s.state.Update(func(snap *Snapshot) {
		snap.Ready = false
		snap.Model = ""
		snap.CameraReady = false
		snap.Imported = false
	})
	return err
}

func checkK(k int) error {
	if k < 1 {
		return fmt.Errorf("%w: k must be at least 1, got %d", ErrInvalidSetting, k)
	}
	return nil
}

func checkThreshold(t float64) error {
	if !(t >= 0 && t <= 1) {
		return fmt.Errorf("%w: threshold must be within [0, 1], got %v", ErrInvalidSetting, t)
	}
	return nil
}
