package view

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// Augmentation ranges. Each augmented view draws fresh values.
const (
	minBrightness, maxBrightness = 0.85, 1.15
	minContrast, maxContrast     = 0.85, 1.2
	minSaturation, maxSaturation = 0.85, 1.2
	minHue, maxHue               = -8.0, 8.0
	blurChance, maxBlur          = 0.2, 0.8
	mirrorChance                 = 0.3
	minZoom, maxZoom             = 1.05, 1.35
	augmentJitter                = 0.06
)

// AugmentParams fully determines one augmented view.
type AugmentParams struct {
	Brightness float64 // multiplier
	Contrast   float64 // multiplier around mid-grey
	Saturation float64 // multiplier, 1 keeps colours
	Hue        float64 // rotation in degrees
	Blur       float64 // gaussian sigma in pixels, 0 for none
	Mirror     bool
	Zoom       float64
	JitterX    float64 // crop offset in pixels
	JitterY    float64
}

// DrawAugmentParams draws a parameter set from the synthesizer's source
func (s *Synthesizer) DrawAugmentParams() AugmentParams {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := AugmentParams{
		Brightness: s.uniform(minBrightness, maxBrightness),
		Contrast:   s.uniform(minContrast, maxContrast),
		Saturation: s.uniform(minSaturation, maxSaturation),
		Hue:        s.uniform(minHue, maxHue),
	}
	if s.rng.Float64() < blurChance {
		p.Blur = s.uniform(0, maxBlur)
	}
	p.Mirror = s.rng.Float64() < mirrorChance
	p.Zoom = s.uniform(minZoom, maxZoom)
	p.JitterX = (s.rng.Float64()*2 - 1) * augmentJitter * Size
	p.JitterY = (s.rng.Float64()*2 - 1) * augmentJitter * Size
	return p
}

func (s *Synthesizer) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// Augmented renders a cover view with freshly drawn random perturbations
func (s *Synthesizer) Augmented(src image.Image) (*image.RGBA, error) {
	if _, _, err := sourceSize(src); err != nil {
		return nil, err
	}
	return ApplyAugment(src, s.DrawAugmentParams())
}

// ApplyAugment renders the augmented view described by p. The photometric
// filters only touch the drawn source, never the padding.
func ApplyAugment(src image.Image, p AugmentParams) (*image.RGBA, error) {
	if p.Zoom < 1 {
		return nil, ErrInvalidParams
	}

	layer, err := coverLayer(src, p.Zoom, p.JitterX, p.JitterY)
	if err != nil {
		return nil, err
	}

	m := hueRotateMatrix(p.Hue).mul(saturateMatrix(p.Saturation))
	filtered := imaging.AdjustFunc(layer, func(c color.NRGBA) color.NRGBA {
		rgb := [3]float64{float64(c.R) / 255, float64(c.G) / 255, float64(c.B) / 255}
		for i := range rgb {
			rgb[i] = clamp01(rgb[i] * p.Brightness)
		}
		for i := range rgb {
			rgb[i] = clamp01((rgb[i]-0.5)*p.Contrast + 0.5)
		}
		rgb = m.apply(rgb)
		return color.NRGBA{R: to8(rgb[0]), G: to8(rgb[1]), B: to8(rgb[2]), A: c.A}
	})

	var out image.Image = filtered
	if p.Blur > 0 {
		out = imaging.Blur(out, p.Blur)
	}
	if p.Mirror {
		out = imaging.FlipH(out)
	}
	return flatten(out), nil
}

type colorMatrix [3][3]float64

func (m colorMatrix) mul(o colorMatrix) colorMatrix {
	var r colorMatrix
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			for k := 0; k < 3; k++ {
				r[i][j] += m[i][k] * o[k][j]
			}
		}
	}
	return r
}

func (m colorMatrix) apply(v [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = clamp01(m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2])
	}
	return out
}

// saturateMatrix follows the CSS filter-effects saturate() definition
func saturateMatrix(s float64) colorMatrix {
	return colorMatrix{
		{0.213 + 0.787*s, 0.715 - 0.715*s, 0.072 - 0.072*s},
		{0.213 - 0.213*s, 0.715 + 0.285*s, 0.072 - 0.072*s},
		{0.213 - 0.213*s, 0.715 - 0.715*s, 0.072 + 0.928*s},
	}
}

// hueRotateMatrix follows the CSS filter-effects hue-rotate() definition
func hueRotateMatrix(deg float64) colorMatrix {
	rad := deg * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return colorMatrix{
		{0.213 + c*0.787 - s*0.213, 0.715 - c*0.715 - s*0.715, 0.072 - c*0.072 + s*0.928},
		{0.213 - c*0.213 + s*0.143, 0.715 + c*0.285 + s*0.140, 0.072 - c*0.072 - s*0.283},
		{0.213 - c*0.213 - s*0.787, 0.715 - c*0.715 + s*0.715, 0.072 + c*0.928 + s*0.072},
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func to8(v float64) uint8 {
	return uint8(math.Round(clamp01(v) * 255))
}
