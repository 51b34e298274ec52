package geo

import (
	"math"
	"testing"
)

func TestDistanceMetersZero(t *testing.T) {
	p := Coordinate{Lat: 48.10, Lon: 17.10}
	if d := DistanceMeters(p, p); d != 0 {
		t.Fatalf("expected zero distance, got %f", d)
	}
}

func TestDistanceMetersKnown(t *testing.T) {
	// One degree of latitude is about 111.19 km
	a := Coordinate{Lat: 48.0, Lon: 17.0}
	b := Coordinate{Lat: 49.0, Lon: 17.0}
	d := DistanceMeters(a, b)
	if math.Abs(d-111195) > 100 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestDistanceMetersShortRange(t *testing.T) {
	// ~60m apart, the scale the hysteresis filter operates at
	a := Coordinate{Lat: 48.1000, Lon: 17.1000}
	b := Coordinate{Lat: 48.1005, Lon: 17.1002}
	d := DistanceMeters(a, b)
	if d < 50 || d > 75 {
		t.Fatalf("expected ~60m, got %f", d)
	}
}

func TestPointInPolygonSquare(t *testing.T) {
	square := []Coordinate{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 10},
		{Lat: 10, Lon: 10},
		{Lat: 10, Lon: 0},
	}

	if !PointInPolygon(Coordinate{Lat: 5, Lon: 5}, square) {
		t.Fatal("expected (5,5) inside square")
	}
	if PointInPolygon(Coordinate{Lat: 15, Lon: 15}, square) {
		t.Fatal("expected (15,15) outside square")
	}
	if PointInPolygon(Coordinate{Lat: -1, Lon: 5}, square) {
		t.Fatal("expected (-1,5) outside square")
	}
}

func TestPointInPolygonTriangle(t *testing.T) {
	triangle := []Coordinate{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 4},
		{Lat: 4, Lon: 0},
	}

	if !PointInPolygon(Coordinate{Lat: 1, Lon: 1}, triangle) {
		t.Fatal("expected (1,1) inside triangle")
	}
	if PointInPolygon(Coordinate{Lat: 3, Lon: 3}, triangle) {
		t.Fatal("expected (3,3) outside triangle")
	}
}

func TestPointInPolygonDegenerate(t *testing.T) {
	segment := []Coordinate{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}
	if PointInPolygon(Coordinate{Lat: 0.5, Lon: 0.5}, segment) {
		t.Fatal("polygon with fewer than 3 vertices must classify as outside")
	}
	if PointInPolygon(Coordinate{Lat: 0, Lon: 0}, nil) {
		t.Fatal("nil polygon must classify as outside")
	}
}
