package availability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

// DriverStore is the slice of driver persistence the model needs.
// ReplaceAvailability must only apply when the stored version still equals version.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	ReplaceAvailability(ctx context.Context, id string, version int, slots []models.Slot) (bool, error)
}

const maxWriteAttempts = 5

type Service struct {
	drivers DriverStore
	logger  *slog.Logger
}

func NewService(drivers DriverStore, logger *slog.Logger) *Service {
	return &Service{drivers: drivers, logger: logger}
}

// SubtractInterval removes [start, end) on day from the driver's persisted
// availability. Concurrent calls for one driver serialize through the version
// check: a lost write re-reads and recomputes.
func (s *Service) SubtractInterval(ctx context.Context, driverID string, day, start, end int) error {
	if start >= end {
		return fmt.Errorf("%w: start %d >= end %d", ErrInvalidInterval, start, end)
	}
	return s.rewrite(ctx, driverID, "availability_trimmed", func(slots []models.Slot) ([]models.Slot, bool, error) {
		return Subtract(slots, day, start, end)
	})
}

// Reserve consumes w only if a single slot still covers all of it, checked
// against the same version that is written. Of two overlapping reservations
// on one driver at most one succeeds; the other gets ErrNotCovered.
func (s *Service) Reserve(ctx context.Context, driverID string, w Window) error {
	return s.rewrite(ctx, driverID, "availability_reserved", func(slots []models.Slot) ([]models.Slot, bool, error) {
		if !Covers(slots, w) {
			return nil, false, fmt.Errorf("%w: driver %s, %s", ErrNotCovered, driverID, w)
		}
		return Subtract(slots, w.Day, w.Start, w.End)
	})
}

// Release hands a reserved window back.
func (s *Service) Release(ctx context.Context, driverID string, w Window) error {
	return s.rewrite(ctx, driverID, "availability_released", func(slots []models.Slot) ([]models.Slot, bool, error) {
		return Restore(slots, w)
	})
}

func (s *Service) rewrite(ctx context.Context, driverID, event string, fn func([]models.Slot) ([]models.Slot, bool, error)) error {
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		d, err := s.drivers.GetDriver(ctx, driverID)
		if err != nil {
			return err
		}
		next, changed, err := fn(d.Availability)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		ok, err := s.drivers.ReplaceAvailability(ctx, driverID, d.Version, next)
		if err != nil {
			return err
		}
		if ok {
			s.logger.Debug(event, "driver_id", driverID, "slots", len(next), "version", d.Version+1)
			return nil
		}
		s.logger.Debug("availability_version_conflict", "driver_id", driverID, "attempt", attempt)
	}
	return fmt.Errorf("update availability for driver %s: too many concurrent writers", driverID)
}
