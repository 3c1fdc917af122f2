package core

import (
	"math"
	"testing"
	"time"

	"github.com/signalsfoundry/gridtwin/model"
)

func TestManhattanDegrees(t *testing.T) {
	a := model.Position{Lat: 40.75, Lon: -73.99}
	b := model.Position{Lat: 40.76, Lon: -73.97}
	if got := ManhattanDegrees(a, b); math.Abs(got-0.03) > 1e-9 {
		t.Fatalf("ManhattanDegrees = %v, want 0.03", got)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Times Square to Grand Central is roughly 1.1 km.
	ts := model.Position{Lat: 40.7580, Lon: -73.9855}
	gc := model.Position{Lat: 40.7527, Lon: -73.9772}
	got := HaversineKm(ts, gc)
	if got < 0.8 || got > 1.2 {
		t.Fatalf("HaversineKm = %v km, want about 0.9 km", got)
	}
	if HaversineKm(ts, ts) != 0 {
		t.Fatalf("distance to self must be zero")
	}
}

func TestGridDistanceNotShorterThanGreatCircle(t *testing.T) {
	a := model.Position{Lat: 40.741, Lon: -74.001}
	b := model.Position{Lat: 40.770, Lon: -73.965}
	if GridKm(a, b) < HaversineKm(a, b) {
		t.Fatalf("grid distance %v shorter than great circle %v", GridKm(a, b), HaversineKm(a, b))
	}
}

func TestTravelTimeMonotonic(t *testing.T) {
	est := TravelEstimator{SpeedKmh: 20, Minimum: time.Minute}
	origin := model.Position{Lat: 40.75, Lon: -73.99}
	near := model.Position{Lat: 40.751, Lon: -73.99}
	far := model.Position{Lat: 40.77, Lon: -73.99}

	if got := est.TravelTime(origin, origin); got != time.Minute {
		t.Fatalf("TravelTime to self = %v, want minimum 1m", got)
	}
	if est.TravelTime(origin, near) >= est.TravelTime(origin, far) {
		t.Fatalf("nearer destination should have shorter travel time")
	}
}
