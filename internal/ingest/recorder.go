package ingest

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Recorder keeps published messages in memory.
type Recorder struct {
	mu        sync.Mutex
	locations []models.LocationPing
	events    []BookingEvent
}

func (r *Recorder) PublishLocation(_ context.Context, p models.LocationPing) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations = append(r.locations, p)
	return nil
}

func (r *Recorder) PublishBookingEvent(_ context.Context, e BookingEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Locations() []models.LocationPing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.LocationPing(nil), r.locations...)
}

func (r *Recorder) Events() []BookingEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]BookingEvent(nil), r.events...)
}

// EventsOfType filters Events by Type.
func (r *Recorder) EventsOfType(typ string) []BookingEvent {
	var out []BookingEvent
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
