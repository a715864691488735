package geofence

import "math"

// EarthRadiusMeters is the mean Earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(lat1, lng1, lat2, lng2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lng2 - lng1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return EarthRadiusMeters * c
}

// IsWithinFence reports whether (lat, lng) is no further than radiusMeters
// from the center.
func IsWithinFence(lat, lng, centerLat, centerLng, radiusMeters float64) bool {
	return DistanceMeters(lat, lng, centerLat, centerLng) <= radiusMeters
}

// Fence is a circular boundary around a fixed site.
type Fence struct {
	Lat          float64 `yaml:"lat"`
	Lng          float64 `yaml:"lng"`
	RadiusMeters float64 `yaml:"radius_meters"`
}

func (f Fence) Contains(lat, lng float64) bool {
	return IsWithinFence(lat, lng, f.Lat, f.Lng, f.RadiusMeters)
}
