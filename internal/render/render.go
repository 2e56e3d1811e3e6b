// Package render implements the pure equirectangular-to-perspective
// projection that turns a cached panorama into the single JPEG an agent
// observes at each step.
package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"time"

	xdraw "golang.org/x/image/draw"

	"github.com/stefanpenner/vln-bench/internal/metrics"
)

// jpegQuality is fixed so that Render is deterministic: identical inputs
// always produce byte-identical output.
const jpegQuality = 90

// maxSourceWidth bounds the CPU cost of a single render; panoramas wider
// than this are downsampled once (CatmullRom) before projection, which
// keeps the per-pixel trig loop bounded regardless of source resolution.
const maxSourceWidth = 4096

// Params bundles a render request. Heading/pitch/fov are already in
// true-north space; any image/viewer offset must have been normalized
// into the image before it reaches Render (see internal/cache ingestion).
type Params struct {
	Heading  float64 // [0, 360), clockwise from north
	Pitch    float64 // [-85, 85], positive looking up
	FOV      float64 // [30, 100] degrees
	OutWidth int
	OutHeight int
}

// Render projects an equirectangular JPEG (width W, height W/2) into a
// perspective JPEG of the requested output size. It is a pure function:
// the same image bytes and Params always yield the same output bytes.
func Render(equirect []byte, p Params) ([]byte, error) {
	start := time.Now()
	src, err := jpeg.Decode(bytes.NewReader(equirect))
	if err != nil {
		metrics.RenderTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("render: decode source: %w", err)
	}

	src = downsampleIfNeeded(src)

	out := project(src, p)

	buf := &bytes.Buffer{}
	if err := jpeg.Encode(buf, out, &jpeg.Options{Quality: jpegQuality}); err != nil {
		metrics.RenderTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("render: encode output: %w", err)
	}

	metrics.RenderDuration.Observe(time.Since(start).Seconds())
	metrics.RenderTotal.WithLabelValues("success").Inc()
	return buf.Bytes(), nil
}

func downsampleIfNeeded(src image.Image) image.Image {
	b := src.Bounds()
	if b.Dx() <= maxSourceWidth {
		return src
	}
	scale := float64(maxSourceWidth) / float64(b.Dx())
	dstW := maxSourceWidth
	dstH := int(float64(b.Dy()) * scale)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, b, xdraw.Over, nil)
	return dst
}

// project maps every output pixel back to a ray in camera space, rotates
// it by heading/pitch, converts it to spherical (lon, lat) coordinates,
// and samples the equirectangular source with bilinear interpolation.
func project(src image.Image, p Params) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, p.OutWidth, p.OutHeight))

	headingRad := p.Heading * math.Pi / 180
	pitchRad := p.Pitch * math.Pi / 180
	fovRad := p.FOV * math.Pi / 180

	aspect := float64(p.OutWidth) / float64(p.OutHeight)
	halfFovX := math.Tan(fovRad / 2)
	halfFovY := halfFovX / aspect

	srcBounds := src.Bounds()
	srcW := srcBounds.Dx()
	srcH := srcBounds.Dy()

	// Precompute the rotation that turns camera-space (x=right, y=up,
	// z=forward) into world-space (yaw by heading, then pitch).
	sinH, cosH := math.Sin(headingRad), math.Cos(headingRad)
	sinP, cosP := math.Sin(pitchRad), math.Cos(pitchRad)

	for py := 0; py < p.OutHeight; py++ {
		// Normalized device coords in [-1, 1], y flipped so +1 is up.
		ndcY := 1 - 2*float64(py)/float64(p.OutHeight-1)
		for px := 0; px < p.OutWidth; px++ {
			ndcX := 2*float64(px)/float64(p.OutWidth-1) - 1

			// Camera-space ray before rotation.
			cx := ndcX * halfFovX
			cy := ndcY * halfFovY
			cz := 1.0

			// Pitch: rotate around the camera's local x-axis.
			ry := cy*cosP - cz*sinP
			rz := cy*sinP + cz*cosP
			rx := cx

			// Heading (yaw): rotate around the world y-axis.
			wx := rx*cosH + rz*sinH
			wz := -rx*sinH + rz*cosH
			wy := ry

			lon := math.Atan2(wx, wz)
			lat := math.Asin(clamp(wy/math.Sqrt(wx*wx+wy*wy+wz*wz), -1, 1))

			// lon ∈ [-π, π] maps to u ∈ [0, srcW); lat ∈ [-π/2, π/2] maps to v ∈ [0, srcH).
			u := (lon/(2*math.Pi) + 0.5) * float64(srcW)
			v := (0.5 - lat/math.Pi) * float64(srcH)

			out.Set(px, py, bilinearSample(src, u, v, srcW, srcH))
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func bilinearSample(src image.Image, u, v float64, w, h int) color.Color {
	x0 := int(math.Floor(u))
	y0 := int(math.Floor(v))
	fx := u - float64(x0)
	fy := v - float64(y0)

	sample := func(x, y int) (r, g, b, a float64) {
		x = ((x % w) + w) % w // wrap horizontally (longitude is cyclic)
		if y < 0 {
			y = 0
		}
		if y >= h {
			y = h - 1
		}
		cr, cg, cb, ca := src.At(x, y).RGBA()
		return float64(cr), float64(cg), float64(cb), float64(ca)
	}

	r00, g00, b00, a00 := sample(x0, y0)
	r10, g10, b10, a10 := sample(x0+1, y0)
	r01, g01, b01, a01 := sample(x0, y0+1)
	r11, g11, b11, a11 := sample(x0+1, y0+1)

	lerp := func(a, b, t float64) float64 { return a + (b-a)*t }

	r := lerp(lerp(r00, r10, fx), lerp(r01, r11, fx), fy)
	g := lerp(lerp(g00, g10, fx), lerp(g01, g11, fx), fy)
	b := lerp(lerp(b00, b10, fx), lerp(b01, b11, fx), fy)
	a := lerp(lerp(a00, a10, fx), lerp(a01, a11, fx), fy)

	return color.RGBA64{R: uint16(r), G: uint16(g), B: uint16(b), A: uint16(a)}
}
