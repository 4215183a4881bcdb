package raster

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const squareSVG = `<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 50" width="100" height="50">
<rect x="0" y="0" width="100" height="50" fill="#ff0000"/>
</svg>`

func encodePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{G: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestDecodePNG(t *testing.T) {
	img, format, err := Decode(encodePNG(t))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, image.Rect(0, 0, 3, 2), img.Bounds())
}

// hugePNG returns a small valid PNG whose header declares w x h pixels
func hugePNG(t *testing.T, w, h uint32) []byte {
	t.Helper()
	data := encodePNG(t)
	// IHDR: length(8..11) type(12..15) width(16..19) height(20..23) ... crc(29..32)
	binary.BigEndian.PutUint32(data[16:20], w)
	binary.BigEndian.PutUint32(data[20:24], h)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestDecodeRejectsHugeDimensions(t *testing.T) {
	data := hugePNG(t, 60000, 60000)

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err, "header must stay valid")
	assert.Equal(t, 60000, cfg.Width)

	_, _, err = Decode(data)
	assert.ErrorIs(t, err, ErrTooLarge)

	_, _, err = DecodeAny(data)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestDecodeUnsupported(t *testing.T) {
	_, _, err := Decode([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestIsSVG(t *testing.T) {
	assert.True(t, IsSVG([]byte(squareSVG)))
	assert.True(t, IsSVG([]byte(`<?xml version="1.0"?>`+"\n"+squareSVG)))
	assert.False(t, IsSVG(encodePNG(t)))
}

func TestDecodeSVG(t *testing.T) {
	img, err := DecodeSVG(bytes.NewReader([]byte(squareSVG)))
	require.NoError(t, err)

	assert.Equal(t, SVGEdge, img.Bounds().Dx())
	assert.Equal(t, SVGEdge/2, img.Bounds().Dy())

	r, g, b, a := img.At(SVGEdge/2, SVGEdge/4).RGBA()
	assert.Equal(t, uint32(0xffff), r)
	assert.Zero(t, g)
	assert.Zero(t, b)
	assert.Equal(t, uint32(0xffff), a)
}

func TestDecodeAnyFallsBackToSVG(t *testing.T) {
	_, format, err := DecodeAny([]byte(squareSVG))
	require.NoError(t, err)
	assert.Equal(t, "svg", format)

	_, format, err = DecodeAny(encodePNG(t))
	require.NoError(t, err)
	assert.Equal(t, "png", format)

	_, _, err = DecodeAny([]byte("nope"))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestDecodeSVGRejectsText(t *testing.T) {
	_, err := DecodeSVG(bytes.NewReader([]byte("plain words")))
	assert.ErrorIs(t, err, ErrUnsupported)
}
