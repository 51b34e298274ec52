// Package geo provides coordinate math shared across the pipeline
package geo

import "math"

const earthRadiusM = 6371000 // Earth's radius in meters

// Coordinate is a WGS84 latitude/longitude pair
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// DistanceMeters calculates the great-circle distance between two coordinates
// using the haversine formula
func DistanceMeters(from, to Coordinate) float64 {
	lat1Rad := from.Lat * math.Pi / 180
	lat2Rad := to.Lat * math.Pi / 180
	deltaLatRad := (to.Lat - from.Lat) * math.Pi / 180
	deltaLonRad := (to.Lon - from.Lon) * math.Pi / 180

	a := math.Sin(deltaLatRad/2)*math.Sin(deltaLatRad/2) +
		math.Cos(lat1Rad)*math.Cos(lat2Rad)*
			math.Sin(deltaLonRad/2)*math.Sin(deltaLonRad/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusM * c
}

// PointInPolygon reports whether p lies inside the polygon using the even-odd
// ray casting rule. A polygon with fewer than 3 vertices never contains
// anything.
func PointInPolygon(p Coordinate, polygon []Coordinate) bool {
	if len(polygon) < 3 {
		return false
	}

	inside := false
	j := len(polygon) - 1
	for i := 0; i < len(polygon); i++ {
		vi, vj := polygon[i], polygon[j]
		if (vi.Lon > p.Lon) != (vj.Lon > p.Lon) &&
			p.Lat < (vj.Lat-vi.Lat)*(p.Lon-vi.Lon)/(vj.Lon-vi.Lon)+vi.Lat {
			inside = !inside
		}
		j = i
	}
	return inside
}
