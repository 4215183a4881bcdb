// Package raster decodes image bytes into drawable rasters.
//
// Decode is the fast path for bitmap formats. DecodeSVG is the slower
// vector path used for dream-world artwork and imported SVG files.
package raster

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"math"

	"github.com/srwiley/oksvg"
	"github.com/srwiley/rasterx"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// SVGEdge is the longest edge, in pixels, of a rasterized SVG
	SVGEdge = 512

	// MaxPixels bounds the declared size of a bitmap. Headers are checked
	// before any pixel buffer is allocated.
	MaxPixels = 6000 * 6000
)

var (
	// ErrUnsupported is returned when no decoder recognizes the data
	ErrUnsupported = errors.New("unsupported image format")

	// ErrTooLarge is returned for a bitmap declaring more than MaxPixels
	ErrTooLarge = errors.New("image dimensions too large")
)

// Decode decodes a bitmap image held in memory
func Decode(data []byte) (image.Image, string, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupported
		}
		return nil, "", fmt.Errorf("decode bitmap header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, "", fmt.Errorf("%w: %dx%d", ErrTooLarge, cfg.Width, cfg.Height)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupported
		}
		return nil, "", fmt.Errorf("decode bitmap: %w", err)
	}
	return img, format, nil
}

// IsSVG sniffs for an SVG document
func IsSVG(data []byte) bool {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	return bytes.Contains(head, []byte("<svg")) ||
		(bytes.Contains(head, []byte("<?xml")) && bytes.Contains(data, []byte("<svg")))
}

// DecodeSVG rasterizes an SVG document so that its longest edge is SVGEdge
func DecodeSVG(r io.Reader) (image.Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read svg: %w", err)
	}
	if !IsSVG(data) {
		return nil, ErrUnsupported
	}

	icon, err := oksvg.ReadIconStream(bytes.NewReader(data), oksvg.IgnoreErrorMode)
	if err != nil {
		return nil, fmt.Errorf("parse svg: %w", err)
	}

	w, h := icon.ViewBox.W, icon.ViewBox.H
	if w <= 0 || h <= 0 {
		w, h = SVGEdge, SVGEdge
	}
	scale := SVGEdge / math.Max(w, h)
	pw := max(1, int(math.Round(w*scale)))
	ph := max(1, int(math.Round(h*scale)))

	icon.SetTarget(0, 0, float64(pw), float64(ph))
	img := image.NewRGBA(image.Rect(0, 0, pw, ph))
	scanner := rasterx.NewScannerGV(pw, ph, img, img.Bounds())
	icon.Draw(rasterx.NewDasher(pw, ph, scanner), 1)
	return img, nil
}

// DecodeAny tries the bitmap path first and falls back to SVG
func DecodeAny(data []byte) (image.Image, string, error) {
	img, format, err := Decode(data)
	if err == nil {
		return img, format, nil
	}
	if !IsSVG(data) {
		return nil, "", err
	}
	img, svgErr := DecodeSVG(bytes.NewReader(data))
	if svgErr != nil {
		return nil, "", svgErr
	}
	return img, "svg", nil
}
