// Package view derives fixed-size square rasters from a source image.
//
// Three kinds of view exist: contain (fit entirely, centered, black
// padding), cover (fill entirely with optional zoom and random jitter) and
// augmented (cover plus random photometric and mirror perturbations). The
// output size is fixed at Size because the embedding provider requires it.
package view

import (
	"errors"
	"fmt"
	"image"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Size is the edge length of every view, in pixels.
const Size = 224

var (
	// ErrEmptySource is returned when the source image has no pixels
	ErrEmptySource = errors.New("view: source image has no pixels")

	// ErrInvalidParams is returned for zoom < 1 or negative jitter
	ErrInvalidParams = errors.New("view: invalid view parameters")
)

// Kind identifies how a view is derived from its source.
type Kind string

const (
	KindContain   Kind = "contain"
	KindCover     Kind = "cover"
	KindAugmented Kind = "augmented"
)

// Spec describes one view of a recipe. Zoom and Jitter only apply to cover.
type Spec struct {
	Kind   Kind
	Zoom   float64
	Jitter float64
}

func (s Spec) String() string {
	if s.Kind == KindCover {
		return fmt.Sprintf("cover(zoom=%.2f,jitter=%.2f)", s.Zoom, s.Jitter)
	}
	return string(s.Kind)
}

// Source is the random source consumed by jitter and augmentation.
// *rand.Rand satisfies it.
type Source interface {
	Float64() float64
}

// NewRand returns a seeded random source. A zero seed draws one from the clock.
func NewRand(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// Synthesizer renders views. It is safe for concurrent use; random draws
// are serialized so a seeded source yields a reproducible sequence.
type Synthesizer struct {
	mu  sync.Mutex
	rng Source
}

// NewSynthesizer creates a synthesizer drawing randomness from rng.
// A nil rng uses a clock-seeded source.
func NewSynthesizer(rng Source) *Synthesizer {
	if rng == nil {
		rng = NewRand(0)
	}
	return &Synthesizer{rng: rng}
}

// Size returns the fixed view size
func (s *Synthesizer) Size() int {
	return Size
}

// Render produces the view described by spec
func (s *Synthesizer) Render(src image.Image, spec Spec) (image.Image, error) {
	switch spec.Kind {
	case KindContain:
		return s.Contain(src)
	case KindCover:
		return s.Cover(src, spec.Zoom, spec.Jitter)
	case KindAugmented:
		return s.Augmented(src)
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidParams, spec.Kind)
	}
}

// Contain scales src to fit inside the square, centered, preserving aspect ratio
func (s *Synthesizer) Contain(src image.Image) (*image.RGBA, error) {
	iw, ih, err := sourceSize(src)
	if err != nil {
		return nil, err
	}

	r := min(float64(Size)/iw, float64(Size)/ih)
	nw, nh := iw*r, ih*r
	x, y := (Size-nw)/2, (Size-nh)/2

	layer := newLayer()
	place(layer, src, r, x, y)
	return flatten(layer), nil
}

// Cover scales src to cover the whole square, zooms further by zoom and, if
// jitter > 0, shifts the crop by up to jitter*Size pixels on each axis.
func (s *Synthesizer) Cover(src image.Image, zoom, jitter float64) (*image.RGBA, error) {
	if zoom < 1 || jitter < 0 {
		return nil, ErrInvalidParams
	}
	if _, _, err := sourceSize(src); err != nil {
		return nil, err
	}

	jx, jy := s.drawJitter(jitter)
	layer, err := coverLayer(src, zoom, jx, jy)
	if err != nil {
		return nil, err
	}
	return flatten(layer), nil
}

// drawJitter returns independent pixel offsets in [-jitter*Size, jitter*Size]
func (s *Synthesizer) drawJitter(jitter float64) (float64, float64) {
	if jitter == 0 {
		return 0, 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	jx := (s.rng.Float64()*2 - 1) * jitter * Size
	jy := (s.rng.Float64()*2 - 1) * jitter * Size
	return jx, jy
}

func sourceSize(src image.Image) (float64, float64, error) {
	if src == nil {
		return 0, 0, ErrEmptySource
	}
	b := src.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return 0, 0, ErrEmptySource
	}
	return float64(b.Dx()), float64(b.Dy()), nil
}

// coverLayer draws src onto a transparent layer with cover geometry
func coverLayer(src image.Image, zoom, jx, jy float64) (*image.RGBA, error) {
	iw, ih, err := sourceSize(src)
	if err != nil {
		return nil, err
	}

	r := max(float64(Size)/iw, float64(Size)/ih) * zoom
	nw, nh := iw*r, ih*r
	x := (Size-nw)/2 + jx
	y := (Size-nh)/2 + jy

	layer := newLayer()
	place(layer, src, r, x, y)
	return layer, nil
}

func newLayer() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, Size, Size))
}

// place draws src scaled by r with its top-left corner at (x, y)
func place(dst *image.RGBA, src image.Image, r, x, y float64) {
	b := src.Bounds()
	s2d := f64.Aff3{
		r, 0, x - float64(b.Min.X)*r,
		0, r, y - float64(b.Min.Y)*r,
	}
	draw.BiLinear.Transform(dst, s2d, src, b, draw.Over, nil)
}

// flatten composites a layer over opaque black, the way a cleared canvas
// reads back once alpha is dropped.
func flatten(layer image.Image) *image.RGBA {
	out := newLayer()
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), layer, layer.Bounds().Min, draw.Over)
	return out
}
