package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is a process-local Store used when no PG_DSN is configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	bookings map[string]*models.Booking
	drivers  map[string]*models.Driver
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bookings: make(map[string]*models.Booking),
		drivers:  make(map[string]*models.Driver),
		now:      time.Now,
	}
}

func (m *MemoryStore) CreateBooking(_ context.Context, b *models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; ok {
		return fmt.Errorf("%w: booking %s", ErrAlreadyExists, b.ID)
	}
	now := m.now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	m.bookings[b.ID] = b.Clone()
	return nil
}

func (m *MemoryStore) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrBookingNotFound
	}
	return b.Clone(), nil
}

func (m *MemoryStore) ListDue(_ context.Context, status models.BookingStatus, until time.Time) ([]*models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Booking, 0)
	for _, b := range m.bookings {
		if b.Status == status && !b.ScheduledStart.After(until) {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ScheduledStart.Equal(out[j].ScheduledStart) {
			return out[i].ID < out[j].ID
		}
		return out[i].ScheduledStart.Before(out[j].ScheduledStart)
	})
	return out, nil
}

func (m *MemoryStore) TransitionBooking(_ context.Context, id string, from models.BookingStatus, u BookingUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return false, ErrBookingNotFound
	}
	if b.Status != from {
		return false, nil
	}
	ApplyUpdate(b, u, m.now())
	return true, nil
}

func (m *MemoryStore) CreateDriver(_ context.Context, d *models.Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.ID]; ok {
		return fmt.Errorf("%w: driver %s", ErrAlreadyExists, d.ID)
	}
	d.Updated = m.now()
	m.drivers[d.ID] = d.Clone()
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrDriverNotFound
	}
	return d.Clone(), nil
}

func (m *MemoryStore) ListCandidates(_ context.Context, day, start, end int, onlineOnly bool) ([]*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Driver, 0)
	for _, d := range m.drivers {
		if onlineOnly && !d.Online {
			continue
		}
		for _, s := range d.Availability {
			if s.Day == day && s.Start <= start && s.End >= end {
				out = append(out, d.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Rating == out[j].Rating {
			return out[i].ID < out[j].ID
		}
		return out[i].Rating > out[j].Rating
	})
	return out, nil
}

func (m *MemoryStore) MarkOnline(_ context.Context, id, connID string) error {
	return m.updateDriver(id, func(d *models.Driver) {
		d.Online = true
		d.ConnID = connID
	})
}

func (m *MemoryStore) MarkOffline(_ context.Context, id, connID string) error {
	return m.updateDriver(id, func(d *models.Driver) {
		if d.ConnID != connID {
			return
		}
		d.Online = false
		d.ConnID = ""
	})
}

func (m *MemoryStore) UpdateLocation(_ context.Context, id string, loc models.Coord) error {
	return m.updateDriver(id, func(d *models.Driver) { d.Loc = loc })
}

func (m *MemoryStore) ReplaceAvailability(_ context.Context, id string, version int, slots []models.Slot) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return false, ErrDriverNotFound
	}
	if d.Version != version {
		return false, nil
	}
	d.Availability = append([]models.Slot(nil), slots...)
	d.Version++
	d.Updated = m.now()
	return true, nil
}

func (m *MemoryStore) updateDriver(id string, fn func(d *models.Driver)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrDriverNotFound
	}
	fn(d)
	d.Updated = m.now()
	return nil
}

var _ Store = (*MemoryStore)(nil)
