package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ken/pokescan/pkg/builder"
	"github.com/ken/pokescan/pkg/capture"
	"github.com/ken/pokescan/pkg/classify"
	"github.com/ken/pokescan/pkg/core/distance"
	"github.com/ken/pokescan/pkg/embedding"
	"github.com/ken/pokescan/pkg/embedding/models"
	"github.com/ken/pokescan/pkg/index/flat"
	"github.com/ken/pokescan/pkg/source"
	"github.com/ken/pokescan/pkg/view"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var palette = map[string]color.RGBA{
	"1": {R: 230, G: 30, B: 30, A: 255},
	"2": {R: 30, G: 200, B: 40, A: 255},
	"3": {R: 30, G: 40, B: 220, A: 255},
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

// paletteFetcher serves one solid image per label. While hold is set,
// fetching label "3" blocks until the build is cancelled.
type paletteFetcher struct {
	hold atomic.Bool
}

func (f *paletteFetcher) Fetch(ctx context.Context, label string, variant source.Variant) (image.Image, error) {
	if label == "3" && f.hold.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	c, ok := palette[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", source.ErrFetch, label)
	}
	return solid(48, 32, c), nil
}

func handcrafted(ctx context.Context) (models.EmbeddingModel, error) {
	return models.NewHandcraftedModel(), nil
}

func newTestScanner(t *testing.T, factory embedding.Factory, fetcher source.Fetcher, labels []string) *Scanner {
	t.Helper()
	s, err := New(Options{
		Store:         flat.NewFlatIndex(&distance.CosineDistance{}),
		Loader:        embedding.NewLoader(factory, nil),
		Capture:       capture.NewManager(capture.Options{}),
		Fetcher:       fetcher,
		Variants:      []source.Variant{{Name: "art"}},
		Synth:         view.NewSynthesizer(view.NewRand(3)),
		Labels:        labels,
		Augmentations: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func readyScanner(t *testing.T, fetcher source.Fetcher, labels []string) *Scanner {
	t.Helper()
	s := newTestScanner(t, handcrafted, fetcher, labels)
	require.NoError(t, s.Init(context.Background()))
	return s
}

func pngBytes(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func waitFor(t *testing.T, s *Scanner, cond func(Snapshot) bool) {
	t.Helper()
	ch, cancel := s.State().Watch(64)
	defer cancel()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case snap := <-ch:
			if cond(snap) {
				return
			}
		case <-timeout:
			t.Fatalf("condition not reached, last state %+v", s.Snapshot())
		}
	}
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{
		Store:   flat.NewFlatIndex(&distance.CosineDistance{}),
		Loader:  embedding.NewLoader(handcrafted, nil),
		Capture: capture.NewManager(capture.Options{}),
		Fetcher: &paletteFetcher{},
		Labels:  []string{"1"},
		K:       -2,
	})
	assert.ErrorIs(t, err, ErrInvalidSetting)
}

func TestInitAndDefaults(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 3))

	snap := s.Snapshot()
	assert.True(t, snap.Ready)
	assert.Equal(t, models.NewHandcraftedModel().Name(), snap.Model)
	assert.Equal(t, 3, snap.Total)
	assert.Equal(t, classify.DefaultK, snap.K)
	assert.Equal(t, classify.DefaultThreshold, snap.Threshold)
	assert.NotEmpty(t, snap.ID)
	assert.Contains(t, snap.Status, "Ready.")
}

func TestInitFailureNeedsRetry(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	factory := func(ctx context.Context) (models.EmbeddingModel, error) {
		if fail.Load() {
			return nil, errors.New("service down")
		}
		return models.NewHandcraftedModel(), nil
	}
	s := newTestScanner(t, factory, &paletteFetcher{}, builder.Labels(1, 2))

	err := s.Init(context.Background())
	assert.ErrorIs(t, err, embedding.ErrInitialization)
	assert.False(t, s.Snapshot().Ready)
	assert.Contains(t, s.Snapshot().Status, "Init error")

	_, err = s.Build(context.Background(), false)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.Scan(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)

	fail.Store(false)
	require.Error(t, s.Init(context.Background()), "a cached failure is not retried implicitly")
	require.NoError(t, s.Retry(context.Background()))
	assert.True(t, s.Snapshot().Ready)
}

func TestCloseUnloadsModel(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 2))
	require.NoError(t, s.Close())

	snap := s.Snapshot()
	assert.False(t, snap.Ready)
	assert.Empty(t, snap.Model)

	_, err := s.Build(context.Background(), false)
	assert.ErrorIs(t, err, ErrNotReady)
	_, err = s.Identify(context.Background(), solid(48, 32, palette["1"]))
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, s.Init(context.Background()))
	assert.NotEmpty(t, s.Snapshot().Model)
	_, err = s.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Snapshot().Built)
}

func TestBuildAndScan(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 4))

	report, err := s.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"4"}, report.Skipped)

	snap := s.Snapshot()
	assert.Equal(t, 4, snap.Built)
	assert.Equal(t, 6, snap.Exemplars)
	assert.False(t, snap.Building)
	assert.Equal(t, "Index built. ~6 exemplars. Aim camera or import an image.", snap.Status)

	_, err = s.Scan(context.Background())
	assert.ErrorIs(t, err, capture.ErrNoSource)
	assert.Equal(t, "Start the camera or import an image first.", s.Snapshot().Status)

	require.NoError(t, s.Import(context.Background(), bytes.NewReader(pngBytes(t, solid(48, 32, palette["2"])))))
	assert.True(t, s.Snapshot().Imported)

	decision, err := s.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, classify.Confident, decision.Kind)
	assert.Equal(t, "2", decision.Label)
	assert.Contains(t, s.Snapshot().Status, "Detected #2")

	decision, err = s.Identify(context.Background(), solid(48, 32, palette["3"]))
	require.NoError(t, err)
	assert.Equal(t, "3", decision.Ranked[0].Label)
}

func TestSelectCandidate(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 3))
	_, err := s.Build(context.Background(), false)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Select("1"), ErrNotCandidate, "nothing scanned yet")

	require.NoError(t, s.SetThreshold(1))
	mixed := solid(48, 32, color.RGBA{R: 130, G: 30, B: 125, A: 255})
	decision, err := s.Identify(context.Background(), mixed)
	require.NoError(t, err)
	require.Equal(t, classify.Ambiguous, decision.Kind)

	top := decision.Candidates[0].Label
	require.NoError(t, s.Select(top))
	assert.Contains(t, s.Snapshot().Status, "Selected #"+top)
	assert.ErrorIs(t, s.Select("99"), ErrNotCandidate)
}

func TestScanEmptyIndex(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 2))

	_, err := s.Identify(context.Background(), solid(4, 4, palette["1"]))
	assert.ErrorIs(t, err, classify.ErrIndexEmpty)
	assert.Equal(t, "Build the index first.", s.Snapshot().Status)

	_, err = s.Build(context.Background(), false)
	require.NoError(t, err)
	require.NoError(t, s.Clear())
	assert.Zero(t, s.Snapshot().Built)

	_, err = s.Identify(context.Background(), solid(4, 4, palette["1"]))
	assert.ErrorIs(t, err, classify.ErrIndexEmpty)
}

func TestCancelAndResumeBuild(t *testing.T) {
	fetcher := &paletteFetcher{}
	fetcher.hold.Store(true)
	s := readyScanner(t, fetcher, builder.Labels(1, 3))

	done, err := s.StartBuild(context.Background(), false)
	require.NoError(t, err)
	waitFor(t, s, func(snap Snapshot) bool { return snap.Built == 2 })

	// The guard keeps everything else out while the build runs
	_, err = s.StartBuild(context.Background(), false)
	assert.ErrorIs(t, err, ErrBusy)
	_, err = s.Identify(context.Background(), solid(4, 4, palette["1"]))
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, s.Clear(), ErrBusy)

	s.CancelBuild()
	res := <-done
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, "Build cancelled at 2/3.", s.Snapshot().Status)

	fetcher.hold.Store(false)
	report, err := s.Build(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Labels)

	counts := s.opts.Store.CountByLabel()
	assert.Equal(t, map[string]int{"1": 2, "2": 2, "3": 2}, counts)
	assert.Equal(t, 3, s.Snapshot().Built)
}

func TestRebuildWithoutResumeAppends(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 2))

	_, err := s.Build(context.Background(), false)
	require.NoError(t, err)
	_, err = s.Build(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 8, s.Snapshot().Exemplars)
}

func TestSettings(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 1))

	require.NoError(t, s.SetK(5))
	require.NoError(t, s.SetThreshold(0))
	assert.ErrorIs(t, s.SetK(0), ErrInvalidSetting)
	assert.ErrorIs(t, s.SetThreshold(1.01), ErrInvalidSetting)

	snap := s.Snapshot()
	assert.Equal(t, 5, snap.K)
	assert.Zero(t, snap.Threshold)
}

func TestStopCameraTwice(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 1))

	require.NoError(t, s.StopCamera())
	first := s.Snapshot()
	require.NoError(t, s.StopCamera())
	assert.Equal(t, first, s.Snapshot())
}

func TestStartCameraWithoutDevice(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 1))

	err := s.StartCamera(context.Background())
	assert.ErrorIs(t, err, capture.ErrCameraUnavailable)
	assert.False(t, s.Snapshot().CameraReady)
	assert.Contains(t, s.Snapshot().Status, "Camera error")
}

func TestImportErrorClearsImport(t *testing.T) {
	s := readyScanner(t, &paletteFetcher{}, builder.Labels(1, 1))

	require.NoError(t, s.Import(context.Background(), bytes.NewReader(pngBytes(t, solid(3, 3, palette["1"])))))
	assert.Error(t, s.Import(context.Background(), bytes.NewReader([]byte("garbage"))))
	assert.False(t, s.Snapshot().Imported)
	assert.Contains(t, s.Snapshot().Status, "Image load error")
}

func TestWatchDeliversUpdates(t *testing.T) {
	state := NewState(3, 15, 0.5, nil)
	ch, cancel := state.Watch(1)

	first := <-ch
	assert.Equal(t, "Initializing…", first.Status)

	state.SetStatus("one")
	state.SetStatus("two")
	// The single slot keeps only the newest snapshot
	assert.Equal(t, "two", (<-ch).Status)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestSinkSeesEveryChange(t *testing.T) {
	var seen []string
	state := NewState(1, 1, 0.5, SinkFunc(func(s Snapshot) { seen = append(seen, s.Status) }))

	state.SetStatus("a")
	state.Update(func(s *Snapshot) { s.Built = 1 })
	assert.Equal(t, []string{"a", "a"}, seen)
}

func TestGuard(t *testing.T) {
	var g Guard

	release, err := g.TryAcquire("build")
	require.NoError(t, err)
	assert.Equal(t, "build", g.Running())

	_, err = g.TryAcquire("scan")
	assert.ErrorIs(t, err, ErrBusy)

	release()
	release()
	assert.Empty(t, g.Running())

	release2, err := g.TryAcquire("scan")
	require.NoError(t, err)
	release2()
}
