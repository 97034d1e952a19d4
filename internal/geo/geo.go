// Package geo tracks the last known position of drivers.
package geo

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Locator is the location index used by the realtime gateway and the
// nearby-drivers endpoint.
type Locator interface {
	Upsert(ctx context.Context, p models.LocationPing) error
	Remove(ctx context.Context, driverID string) error
	Nearby(ctx context.Context, at models.Coord, radiusM float64, limit int) ([]Nearby, error)
}

type Nearby struct {
	DriverID  string       `json:"driver_id"`
	Loc       models.Coord `json:"loc"`
	DistanceM float64      `json:"distance_m"`
	Online    bool         `json:"online"`
	Rating    float64      `json:"rating,omitempty"`
}

type entry struct {
	ping    models.LocationPing
	updated time.Time
}

// Index is an in-process Locator.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]entry
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]entry)}
}

func (g *Index) Upsert(_ context.Context, p models.LocationPing) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.drivers[p.DriverID] = entry{ping: p, updated: time.Now()}
	return nil
}

func (g *Index) Remove(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.drivers, driverID)
	return nil
}

// naive scan; Redis GEO covers larger fleets
func (g *Index) Nearby(_ context.Context, at models.Coord, radiusM float64, limit int) ([]Nearby, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Nearby, 0, len(g.drivers))
	for id, e := range g.drivers {
		dist := Haversine(at.Lat, at.Lon, e.ping.Loc.Lat, e.ping.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		out = append(out, Nearby{DriverID: id, Loc: e.ping.Loc, DistanceM: dist, Online: e.ping.Online, Rating: e.ping.Rating})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].DriverID < out[j].DriverID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
