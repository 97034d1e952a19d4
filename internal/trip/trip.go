// Package trip is the only writer of booking status. Every transition is a
// guarded update that applies only while the stored status is still the one
// the caller read.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrAlreadyAssigned is the expected result of losing a commit race.
	ErrAlreadyAssigned   = errors.New("booking already assigned")
	ErrInvalidTransition = errors.New("invalid booking transition")
	ErrNotAssignedDriver = errors.New("driver is not assigned to booking")
	// ErrDriverUnavailable means the driver's availability no longer covers the ride.
	ErrDriverUnavailable = errors.New("driver availability does not cover ride")
)

// Commit sources, used for metrics and logs.
const (
	SourceSweep  = "sweep"
	SourceDirect = "direct"
)

// Booking event types.
const (
	EventAssigned  = "assigned"
	EventStarted   = "started"
	EventCompleted = "completed"
	EventCancelled = "cancelled"
	EventNoShow    = "no_show"
	EventUnfilled  = "unfilled"
)

var allowed = map[models.BookingStatus][]models.BookingStatus{
	models.StatusPending:    {models.StatusAccepted, models.StatusCancelled, models.StatusNoShow, models.StatusUnfilled},
	models.StatusAccepted:   {models.StatusInProgress},
	models.StatusInProgress: {models.StatusCompleted},
}

// CanTransition reports whether from -> to is an edge of the booking graph.
func CanTransition(from, to models.BookingStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Store interface {
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	TransitionBooking(ctx context.Context, id string, from models.BookingStatus, u storage.BookingUpdate) (bool, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
}

// AvailabilityUpdater reserves and hands back ride windows. Reserve must fail
// with availability.ErrNotCovered when the window is no longer free, decided
// against the same state it writes.
type AvailabilityUpdater interface {
	Reserve(ctx context.Context, driverID string, w availability.Window) error
	Release(ctx context.Context, driverID string, w availability.Window) error
}

type Config struct {
	// DurationTolerance bounds |actual - booked| duration before a completed
	// trip is flagged. It never blocks completion.
	DurationTolerance time.Duration
}

type Service struct {
	store  Store
	avail  AvailabilityUpdater
	notify dispatch.Registry
	events ingest.Publisher
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	locks  *driverLocks
}

func NewService(store Store, avail AvailabilityUpdater, notify dispatch.Registry, events ingest.Publisher, cfg Config, logger *slog.Logger) *Service {
	if events == nil {
		events = ingest.Nop{}
	}
	return &Service{store: store, avail: avail, notify: notify, events: events, cfg: cfg, logger: logger, now: time.Now, locks: newDriverLocks()}
}

// CommitAssignment binds driverID to a pending booking and consumes the ride
// window from the driver's availability. Exactly one concurrent caller per
// booking succeeds; the rest get ErrAlreadyAssigned. The window is reserved
// before the booking moves and handed back if the booking update loses, so two
// overlapping bookings never both take the same driver.
func (s *Service) CommitAssignment(ctx context.Context, bookingID, driverID, source string) (*models.Booking, error) {
	unlock := s.locks.lock(driverID)
	defer unlock()

	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != models.StatusPending {
		observability.CommitsTotal.WithLabelValues(source, "already_assigned").Inc()
		return nil, fmt.Errorf("%w: booking %s is %s", ErrAlreadyAssigned, b.ID, b.Status)
	}
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	w, err := availability.WindowOf(b.ScheduledStart, b.DurationMin)
	if err != nil {
		return nil, err
	}
	if err := s.avail.Reserve(ctx, d.ID, w); err != nil {
		if !errors.Is(err, availability.ErrNotCovered) {
			return nil, err
		}
		// another replica may have committed this booking with this driver
		if cur, gerr := s.store.GetBooking(ctx, b.ID); gerr == nil && cur.Status != models.StatusPending {
			observability.CommitsTotal.WithLabelValues(source, "already_assigned").Inc()
			return nil, fmt.Errorf("%w: booking %s is %s", ErrAlreadyAssigned, b.ID, cur.Status)
		}
		observability.CommitsTotal.WithLabelValues(source, "driver_unavailable").Inc()
		return nil, fmt.Errorf("%w: driver %s, %s", ErrDriverUnavailable, d.ID, w)
	}

	u := storage.BookingUpdate{To: models.StatusAccepted, DriverID: &d.ID, CarID: b.CarID}
	if b.CarPreference == models.CarFromDriver {
		u.CarID = d.MainCar
	}
	ok, err := s.store.TransitionBooking(ctx, b.ID, models.StatusPending, u)
	if err != nil {
		s.release(ctx, b.ID, d.ID, w)
		return nil, err
	}
	if !ok {
		s.release(ctx, b.ID, d.ID, w)
		observability.CommitsTotal.WithLabelValues(source, "already_assigned").Inc()
		return nil, fmt.Errorf("%w: booking %s", ErrAlreadyAssigned, b.ID)
	}
	observability.CommitsTotal.WithLabelValues(source, "committed").Inc()
	observability.TransitionsTotal.WithLabelValues(string(models.StatusAccepted)).Inc()
	now := s.now()
	storage.ApplyUpdate(b, u, now)

	s.logger.Info("booking_assigned", "booking_id", b.ID, "driver_id", d.ID, "source", source, "window", w.String())
	assigned := dispatch.Envelope{Type: dispatch.EventDriverAssigned, Data: assignedPayload(b, d)}
	s.notify.SendToRooms(assigned, dispatch.TripRoom(b.ID), dispatch.RiderRoom(b.RiderID))
	if err := s.notify.Send(d.ID, assigned); err != nil {
		s.logger.Debug("assigned_driver_not_connected", "booking_id", b.ID, "driver_id", d.ID)
	}
	s.publish(ctx, b, EventAssigned, map[string]any{"source": source})
	return b, nil
}

// release hands back a window whose booking update did not happen.
func (s *Service) release(ctx context.Context, bookingID, driverID string, w availability.Window) {
	if err := s.avail.Release(context.WithoutCancel(ctx), driverID, w); err != nil {
		s.logger.Error("availability_release_failed", "booking_id", bookingID, "driver_id", driverID, "window", w.String(), "error", err)
	}
}

// StartTrip moves an accepted booking to in_progress for its assigned driver.
func (s *Service) StartTrip(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.assignedTo(ctx, bookingID, driverID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	b, err = s.apply(ctx, b, storage.BookingUpdate{To: models.StatusInProgress, ActualStart: &now})
	if err != nil {
		return nil, err
	}
	s.broadcast(b, dispatch.Envelope{Type: dispatch.EventTripStarted, Data: map[string]any{
		"booking_id": b.ID, "driver_id": driverID, "actual_start": now,
	}})
	s.publish(ctx, b, EventStarted, nil)
	return b, nil
}

// Completion carries the settlement figures reported at trip end.
type Completion struct {
	DriverEarnings float64 `json:"driver_earnings"`
	UserPrice      float64 `json:"user_price"`
}

// CompleteTrip finishes an in_progress booking. A duration outside the
// configured tolerance is logged and flagged on the event only.
func (s *Service) CompleteTrip(ctx context.Context, bookingID, driverID string, c Completion) (*models.Booking, error) {
	b, err := s.assignedTo(ctx, bookingID, driverID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	b, err = s.apply(ctx, b, storage.BookingUpdate{
		To:             models.StatusCompleted,
		ActualEnd:      &now,
		DriverEarnings: &c.DriverEarnings,
		UserPrice:      &c.UserPrice,
	})
	if err != nil {
		return nil, err
	}
	actual, mismatch := s.durationCheck(b)
	if mismatch {
		s.logger.Warn("trip_duration_mismatch", "booking_id", b.ID, "booked_min", b.DurationMin, "actual_min", actual)
	}
	s.broadcast(b, dispatch.Envelope{Type: dispatch.EventTripCompleted, Data: map[string]any{
		"booking_id":        b.ID,
		"driver_id":         driverID,
		"actual_end":        now,
		"driver_earnings":   b.DriverEarnings,
		"user_price":        b.UserPrice,
		"duration_mismatch": mismatch,
	}})
	s.publish(ctx, b, EventCompleted, map[string]any{
		"actual_min":        actual,
		"duration_mismatch": mismatch,
		"driver_earnings":   b.DriverEarnings,
		"user_price":        b.UserPrice,
	})
	return b, nil
}

// Cancel withdraws a pending booking.
func (s *Service) Cancel(ctx context.Context, bookingID string) (*models.Booking, error) {
	return s.closePending(ctx, bookingID, models.StatusCancelled, EventCancelled)
}

// MarkNoShow closes a pending booking whose rider did not show up.
func (s *Service) MarkNoShow(ctx context.Context, bookingID string) (*models.Booking, error) {
	return s.closePending(ctx, bookingID, models.StatusNoShow, EventNoShow)
}

// MarkUnfilled closes a pending booking nobody accepted and tells the rider.
// Only the caller whose guarded update wins sends the notification.
func (s *Service) MarkUnfilled(ctx context.Context, bookingID string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	b, err = s.apply(ctx, b, storage.BookingUpdate{To: models.StatusUnfilled})
	if err != nil {
		return nil, err
	}
	observability.BookingsUnfilled.Inc()
	s.logger.Info("booking_unfilled", "booking_id", b.ID, "rider_id", b.RiderID, "scheduled_start", b.ScheduledStart)
	s.notify.SendToRooms(dispatch.Envelope{Type: dispatch.EventNoDriver, Data: map[string]any{
		"booking_id": b.ID, "scheduled_start": b.ScheduledStart,
	}}, dispatch.RiderRoom(b.RiderID))
	s.publish(ctx, b, EventUnfilled, nil)
	return b, nil
}

func (s *Service) closePending(ctx context.Context, bookingID string, to models.BookingStatus, event string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	b, err = s.apply(ctx, b, storage.BookingUpdate{To: to})
	if err != nil {
		return nil, err
	}
	s.broadcast(b, dispatch.Envelope{Type: dispatch.EventBookingClosed, Data: map[string]any{"booking_id": b.ID, "status": b.Status}})
	s.publish(ctx, b, event, nil)
	return b, nil
}

func (s *Service) assignedTo(ctx context.Context, bookingID, driverID string) (*models.Booking, error) {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.DriverID == nil || *b.DriverID != driverID {
		return nil, fmt.Errorf("%w: booking %s, driver %s", ErrNotAssignedDriver, bookingID, driverID)
	}
	return b, nil
}

// apply runs the guarded update from b's current status.
func (s *Service) apply(ctx context.Context, b *models.Booking, u storage.BookingUpdate) (*models.Booking, error) {
	if !CanTransition(b.Status, u.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, u.To)
	}
	ok, err := s.store.TransitionBooking(ctx, b.ID, b.Status, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: booking %s left %s concurrently", ErrInvalidTransition, b.ID, b.Status)
	}
	observability.TransitionsTotal.WithLabelValues(string(u.To)).Inc()
	storage.ApplyUpdate(b, u, s.now())
	return b, nil
}

func (s *Service) durationCheck(b *models.Booking) (int, bool) {
	if b.ActualStart == nil || b.ActualEnd == nil {
		return 0, false
	}
	actual := b.ActualEnd.Sub(*b.ActualStart)
	diff := actual - time.Duration(b.DurationMin)*time.Minute
	if diff < 0 {
		diff = -diff
	}
	return int(actual.Round(time.Minute) / time.Minute), diff > s.cfg.DurationTolerance
}

func (s *Service) broadcast(b *models.Booking, env dispatch.Envelope) {
	s.notify.SendToRooms(env, dispatch.TripRoom(b.ID), dispatch.RiderRoom(b.RiderID))
}

func (s *Service) publish(ctx context.Context, b *models.Booking, typ string, attrs map[string]any) {
	e := ingest.BookingEvent{Type: typ, BookingID: b.ID, RiderID: b.RiderID, Status: b.Status, At: s.now().UTC(), Attrs: attrs}
	if b.DriverID != nil {
		e.DriverID = *b.DriverID
	}
	if err := s.events.PublishBookingEvent(ctx, e); err != nil {
		s.logger.Warn("booking_event_publish_failed", "booking_id", b.ID, "type", typ, "error", err)
	}
}

func assignedPayload(b *models.Booking, d *models.Driver) map[string]any {
	out := map[string]any{
		"booking_id":      b.ID,
		"driver_id":       d.ID,
		"driver_name":     d.Name,
		"driver_rating":   d.Rating,
		"scheduled_start": b.ScheduledStart,
	}
	if b.CarID != nil {
		out["car_id"] = *b.CarID
	}
	return out
}
