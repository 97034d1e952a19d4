package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrBookingNotFound = errors.New("booking not found")
	ErrDriverNotFound  = errors.New("driver not found")
	// ErrAlreadyExists is returned by the Create methods for a taken id.
	ErrAlreadyExists = errors.New("already exists")
)

// BookingUpdate is applied by TransitionBooking. Nil fields are left unchanged.
type BookingUpdate struct {
	To             models.BookingStatus
	DriverID       *string
	CarID          *string
	UserPrice      *float64
	DriverEarnings *float64
	ActualStart    *time.Time
	ActualEnd      *time.Time
}

// BookingStore defines persistence operations for bookings.
type BookingStore interface {
	CreateBooking(ctx context.Context, b *models.Booking) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	// ListDue returns bookings in status whose scheduled start is at or before until.
	ListDue(ctx context.Context, status models.BookingStatus, until time.Time) ([]*models.Booking, error)
	// TransitionBooking applies u only if the stored status still equals from.
	// It reports false (and no error) when the guard did not match.
	TransitionBooking(ctx context.Context, id string, from models.BookingStatus, u BookingUpdate) (bool, error)
}

// DriverStore defines persistence operations for drivers.
type DriverStore interface {
	CreateDriver(ctx context.Context, d *models.Driver) error
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	// ListCandidates returns drivers with a slot on day covering [start, end),
	// best rating first, ties by ascending id.
	ListCandidates(ctx context.Context, day, start, end int, onlineOnly bool) ([]*models.Driver, error)
	MarkOnline(ctx context.Context, id, connID string) error
	// MarkOffline only clears presence while connID is still the stored handle.
	MarkOffline(ctx context.Context, id, connID string) error
	UpdateLocation(ctx context.Context, id string, loc models.Coord) error
	ReplaceAvailability(ctx context.Context, id string, version int, slots []models.Slot) (bool, error)
}

// Store is the full persistence collaborator.
type Store interface {
	BookingStore
	DriverStore
}

// ApplyUpdate mirrors on b what TransitionBooking persists.
func ApplyUpdate(b *models.Booking, u BookingUpdate, at time.Time) {
	b.Status = u.To
	if u.DriverID != nil {
		v := *u.DriverID
		b.DriverID = &v
	}
	if u.CarID != nil {
		v := *u.CarID
		b.CarID = &v
	}
	if u.UserPrice != nil {
		b.UserPrice = *u.UserPrice
	}
	if u.DriverEarnings != nil {
		b.DriverEarnings = *u.DriverEarnings
	}
	if u.ActualStart != nil {
		v := *u.ActualStart
		b.ActualStart = &v
	}
	if u.ActualEnd != nil {
		v := *u.ActualEnd
		b.ActualEnd = &v
	}
	b.UpdatedAt = at
}
