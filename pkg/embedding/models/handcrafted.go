package models

import (
	"context"
	"image"
	"math"
)

const (
	hueBins       = 12
	satBins       = 3
	valBins       = 3
	gridCells     = 4
	orientBins    = 8
	orientCells   = 2
	handcraftName = "handcrafted-v1"
)

// HandcraftedModel is a deterministic local descriptor used when no
// feature-extraction service is configured. It concatenates an HSV colour
// histogram, a coarse spatial colour grid and a gradient orientation
// histogram, each block L1-normalized.
type HandcraftedModel struct{}

// NewHandcraftedModel creates the local descriptor model
func NewHandcraftedModel() *HandcraftedModel {
	return &HandcraftedModel{}
}

// Embed computes the descriptor for img
func (m *HandcraftedModel) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, image.ErrFormat
	}

	// Read the raster once into float RGB and grey planes
	rgb := make([][3]float64, w*h)
	grey := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			px := [3]float64{float64(r) / 0xffff, float64(g) / 0xffff, float64(bl) / 0xffff}
			rgb[y*w+x] = px
			grey[y*w+x] = 0.299*px[0] + 0.587*px[1] + 0.114*px[2]
		}
	}

	out := make([]float32, 0, m.Dimension())
	out = append(out, hsvHistogram(rgb)...)
	out = append(out, colourGrid(rgb, w, h)...)
	out = append(out, orientationHistogram(grey, w, h)...)
	return out, nil
}

// Dimension returns the descriptor length
func (m *HandcraftedModel) Dimension() int {
	return hueBins*satBins*valBins + gridCells*gridCells*3 + orientCells*orientCells*orientBins
}

// Name returns the name of the model
func (m *HandcraftedModel) Name() string {
	return handcraftName
}

// Close is a no-op
func (m *HandcraftedModel) Close() error {
	return nil
}

func hsvHistogram(rgb [][3]float64) []float32 {
	hist := make([]float64, hueBins*satBins*valBins)
	for _, px := range rgb {
		h, s, v := toHSV(px)
		hb := min(int(h/360*hueBins), hueBins-1)
		sb := min(int(s*satBins), satBins-1)
		vb := min(int(v*valBins), valBins-1)
		hist[(hb*satBins+sb)*valBins+vb]++
	}
	return l1(hist)
}

func colourGrid(rgb [][3]float64, w, h int) []float32 {
	sums := make([]float64, gridCells*gridCells*3)
	counts := make([]float64, gridCells*gridCells)
	for y := 0; y < h; y++ {
		cy := y * gridCells / h
		for x := 0; x < w; x++ {
			cx := x * gridCells / w
			cell := cy*gridCells + cx
			for c := 0; c < 3; c++ {
				sums[cell*3+c] += rgb[y*w+x][c]
			}
			counts[cell]++
		}
	}
	for cell, n := range counts {
		if n == 0 {
			continue
		}
		for c := 0; c < 3; c++ {
			sums[cell*3+c] /= n
		}
	}
	return l1(sums)
}

func orientationHistogram(grey []float64, w, h int) []float32 {
	hist := make([]float64, orientCells*orientCells*orientBins)
	for y := 1; y < h-1; y++ {
		cy := y * orientCells / h
		for x := 1; x < w-1; x++ {
			gx := grey[y*w+x+1] - grey[y*w+x-1]
			gy := grey[(y+1)*w+x] - grey[(y-1)*w+x]
			mag := math.Hypot(gx, gy)
			if mag == 0 {
				continue
			}
			// Unsigned orientation in [0, pi)
			theta := math.Atan2(gy, gx)
			if theta < 0 {
				theta += math.Pi
			}
			bin := min(int(theta/math.Pi*orientBins), orientBins-1)
			cx := x * orientCells / w
			hist[(cy*orientCells+cx)*orientBins+bin] += mag
		}
	}
	return l1(hist)
}

func toHSV(px [3]float64) (h, s, v float64) {
	r, g, b := px[0], px[1], px[2]
	mx := max(r, g, b)
	mn := min(r, g, b)
	v = mx
	d := mx - mn
	if mx > 0 {
		s = d / mx
	}
	if d == 0 {
		return 0, s, v
	}
	switch mx {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return h, s, v
}

// l1 scales a block so its entries sum to one; an all-zero block stays zero
func l1(block []float64) []float32 {
	var sum float64
	for _, v := range block {
		sum += v
	}
	out := make([]float32, len(block))
	if sum == 0 {
		return out
	}
	for i, v := range block {
		out[i] = float32(v / sum)
	}
	return out
}
