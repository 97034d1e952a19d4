package geo

import (
	"context"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	if d < 111000 || d > 111400 {
		t.Fatalf("expected ~111km, got %f", d)
	}
}

func TestIndexNearbyOrdersByDistance(t *testing.T) {
	ctx := context.Background()
	g := NewIndex()
	_ = g.Upsert(ctx, models.LocationPing{DriverID: "far", Loc: models.Coord{Lat: 0.05, Lon: 0}, Online: true})
	_ = g.Upsert(ctx, models.LocationPing{DriverID: "near", Loc: models.Coord{Lat: 0.01, Lon: 0}, Online: true})
	_ = g.Upsert(ctx, models.LocationPing{DriverID: "out", Loc: models.Coord{Lat: 1, Lon: 0}})

	got, err := g.Nearby(ctx, models.Coord{}, 10000, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].DriverID != "near" || got[1].DriverID != "far" {
		t.Fatalf("unexpected order %+v", got)
	}

	_ = g.Remove(ctx, "near")
	got, _ = g.Nearby(ctx, models.Coord{}, 10000, 1)
	if len(got) != 1 || got[0].DriverID != "far" {
		t.Fatalf("expected far only, got %+v", got)
	}
}
