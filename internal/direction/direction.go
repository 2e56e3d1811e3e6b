// Package direction maps a neighbour's absolute heading to a
// human-readable relative direction label given the agent's current
// heading, and computes the straight-line distance to that neighbour.
package direction

import (
	"fmt"
	"math"

	"github.com/stefanpenner/vln-bench/internal/geo"
)

// Label computes the relative-direction label for a link heading H_link
// given the agent's current heading H_agent. The exact cardinals
// (front/right/back/left) print bare; everything in between prints an
// integer-degree offset rounded half-away-from-zero.
func Label(agentHeading, linkHeading float64) string {
	delta := math.Mod(linkHeading-agentHeading+360, 360)

	switch {
	case delta == 0:
		return "front"
	case delta < 90:
		return fmt.Sprintf("front-right %d°", roundHalfAwayFromZero(delta))
	case delta == 90:
		return "right"
	case delta < 180:
		return fmt.Sprintf("right-back %d°", roundHalfAwayFromZero(delta-90))
	case delta == 180:
		return "back"
	case delta < 270:
		return fmt.Sprintf("left-back %d°", roundHalfAwayFromZero(270-delta))
	case delta == 270:
		return "left"
	default:
		return fmt.Sprintf("front-left %d°", roundHalfAwayFromZero(360-delta))
	}
}

func roundHalfAwayFromZero(v float64) int {
	if v >= 0 {
		return int(math.Floor(v + 0.5))
	}
	return int(math.Ceil(v - 0.5))
}

// DistanceMeters returns the Haversine distance between two panorama
// locations, delegating to internal/geo.
func DistanceMeters(a, b geo.Point) float64 {
	return geo.DistanceMeters(a, b)
}
