package core

import (
	"math"
	"time"

	"github.com/signalsfoundry/gridtwin/model"
)

// EarthRadiusKm is the mean Earth radius used by the distance helpers.
const EarthRadiusKm = 6371.0

// kmPerDegreeLat is the length of one degree of latitude.
const kmPerDegreeLat = 111.32

// ManhattanDegrees is the L1 distance between two positions in degrees.
// It is the metric used to attach entities to their nearest parent.
func ManhattanDegrees(a, b model.Position) float64 {
	return math.Abs(a.Lat-b.Lat) + math.Abs(a.Lon-b.Lon)
}

// HaversineKm returns the great-circle distance between two positions.
func HaversineKm(a, b model.Position) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}

// GridKm approximates the driving distance on a rectilinear street grid:
// north-south and east-west legs are summed instead of cutting diagonally.
func GridKm(a, b model.Position) float64 {
	midLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	north := math.Abs(a.Lat-b.Lat) * kmPerDegreeLat
	east := math.Abs(a.Lon-b.Lon) * kmPerDegreeLat * math.Cos(midLat)
	return north + east
}

// TravelEstimator converts distance into an expected drive time. Road
// routing belongs to the traffic simulator; this is only an estimate used
// to rank charging stations.
type TravelEstimator struct {
	// SpeedKmh is the assumed average urban speed.
	SpeedKmh float64
	// Minimum is added to every estimate to cover parking and plug-in.
	Minimum time.Duration
}

// DefaultTravelEstimator assumes midtown traffic speeds.
func DefaultTravelEstimator() TravelEstimator {
	return TravelEstimator{SpeedKmh: 18, Minimum: 30 * time.Second}
}

// TravelTime estimates how long a vehicle needs to drive from one position
// to another.
func (e TravelEstimator) TravelTime(from, to model.Position) time.Duration {
	speed := e.SpeedKmh
	if speed <= 0 {
		speed = DefaultTravelEstimator().SpeedKmh
	}
	hours := GridKm(from, to) / speed
	return e.Minimum + time.Duration(hours*float64(time.Hour)).Round(time.Second)
}
