package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceMetersZero(t *testing.T) {
	p := Point{Lat: 40.6, Lng: -111.6}
	assert.InDelta(t, 0.0, DistanceMeters(p, p), 0.001)
}

func TestDistanceMetersKnownSpan(t *testing.T) {
	// Roughly 1 degree of latitude is ~111km.
	a := Point{Lat: 0, Lng: 0}
	b := Point{Lat: 1, Lng: 0}
	d := DistanceMeters(a, b)
	assert.InDelta(t, 111195, d, 1000)
}
