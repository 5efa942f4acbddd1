// Package geodesic provides great-circle distance helpers on a spherical earth.
package geodesic

import (
	"math"

	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean earth radius used for all conversions.
const EarthRadiusMeters = 6371000.0

// Distance returns the great-circle distance in meters between two points given in degrees.
// The result is symmetric and never negative. NaN is returned when any input is not finite.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	if !Finite(lat1, lon1, lat2, lon2) {
		return math.NaN()
	}
	a := s2.LatLngFromDegrees(lat1, lon1)
	b := s2.LatLngFromDegrees(lat2, lon2)
	return a.Distance(b).Radians() * EarthRadiusMeters
}

// Offset returns the point reached by travelling meters from (lat, lon) along bearingDeg
// (clockwise from true north).
func Offset(lat, lon, bearingDeg, meters float64) (float64, float64) {
	delta := meters / EarthRadiusMeters
	theta := bearingDeg * math.Pi / 180
	phi1 := lat * math.Pi / 180
	lambda1 := lon * math.Pi / 180

	phi2 := math.Asin(math.Sin(phi1)*math.Cos(delta) + math.Cos(phi1)*math.Sin(delta)*math.Cos(theta))
	lambda2 := lambda1 + math.Atan2(
		math.Sin(theta)*math.Sin(delta)*math.Cos(phi1),
		math.Cos(delta)-math.Sin(phi1)*math.Sin(phi2),
	)

	lon2 := math.Mod(lambda2*180/math.Pi+540, 360) - 180
	return phi2 * 180 / math.Pi, lon2
}

// Finite reports whether every value is neither NaN nor infinite.
func Finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// ValidCoordinate reports whether lat/lon are finite and within WGS84 bounds.
func ValidCoordinate(lat, lon float64) bool {
	return Finite(lat, lon) && lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
