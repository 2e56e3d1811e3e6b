// Package geo provides the coordinate math shared by the geofence and
// direction components: straight-line distance between two panorama
// locations.
package geo

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
)

// Point is a (lat, lng) pair as stored on PanoMetadata and the cache's
// location index.
type Point struct {
	Lat float64
	Lng float64
}

// DistanceMeters returns the Haversine great-circle distance between two
// panorama locations, in metres.
func DistanceMeters(a, b Point) float64 {
	return geo.Distance(orb.Point{a.Lng, a.Lat}, orb.Point{b.Lng, b.Lat})
}
