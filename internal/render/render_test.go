package render

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solidEquirect(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, jpeg.Encode(buf, img, &jpeg.Options{Quality: 100}))
	return buf.Bytes()
}

func TestRenderIsDeterministic(t *testing.T) {
	src := solidEquirect(t, 256, 128, color.RGBA{R: 40, G: 120, B: 200, A: 255})
	params := Params{Heading: 30, Pitch: 10, FOV: 90, OutWidth: 64, OutHeight: 48}

	out1, err := Render(src, params)
	require.NoError(t, err)
	out2, err := Render(src, params)
	require.NoError(t, err)

	assert.Equal(t, out1, out2)
}

func TestRenderProducesRequestedDimensions(t *testing.T) {
	src := solidEquirect(t, 256, 128, color.RGBA{R: 10, G: 10, B: 10, A: 255})
	out, err := Render(src, Params{Heading: 0, Pitch: 0, FOV: 90, OutWidth: 32, OutHeight: 24})
	require.NoError(t, err)

	decoded, err := jpeg.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 32, decoded.Bounds().Dx())
	assert.Equal(t, 24, decoded.Bounds().Dy())
}

func TestRenderRejectsInvalidSource(t *testing.T) {
	_, err := Render([]byte("not a jpeg"), Params{Heading: 0, Pitch: 0, FOV: 90, OutWidth: 16, OutHeight: 16})
	assert.Error(t, err)
}
