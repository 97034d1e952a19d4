package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Outcome is how one offer to one driver resolved.
type Outcome string

const (
	Accepted    Outcome = "accepted"
	Declined    Outcome = "declined"
	TimedOut    Outcome = "timed_out"
	Unreachable Outcome = "unreachable"
)

// Attempt records a single solicitation.
type Attempt struct {
	BookingID  string
	DriverID   string
	OfferedAt  time.Time
	Deadline   time.Time
	ResolvedAt time.Time
	Outcome    Outcome
	// Err is set for Unreachable (send failure) or when ctx ended the wait.
	Err error
}

// Offer is the payload of a booking_offer frame.
type Offer struct {
	BookingID      string               `json:"booking_id"`
	Pickup         models.Coord         `json:"pickup"`
	Dropoff        models.Coord         `json:"dropoff"`
	ScheduledStart time.Time            `json:"scheduled_start"`
	DurationMin    int                  `json:"booking_duration"`
	CarPreference  models.CarPreference `json:"car_preference"`
	ReplyBy        time.Time            `json:"reply_by"`
	DistanceM      *float64             `json:"distance_to_pickup_m,omitempty"`
}

type replyKey struct {
	bookingID string
	driverID  string
}

type waiter struct {
	reply chan Outcome
}

// Solicitor offers bookings to drivers and waits for the first of accept,
// decline or timeout. It never touches booking or driver state.
type Solicitor struct {
	registry Registry
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[replyKey]map[*waiter]struct{}
}

func NewSolicitor(registry Registry, logger *slog.Logger) *Solicitor {
	return &Solicitor{
		registry: registry,
		logger:   logger,
		now:      time.Now,
		pending:  make(map[replyKey]map[*waiter]struct{}),
	}
}

// Solicit sends b to d and blocks until the attempt resolves. Concurrent
// attempts for the same booking and driver each get their own offer frame and
// all resolve on the same reply.
func (s *Solicitor) Solicit(ctx context.Context, b *models.Booking, d *models.Driver, timeout time.Duration) Attempt {
	key := replyKey{bookingID: b.ID, driverID: d.ID}
	now := s.now()
	att := Attempt{BookingID: b.ID, DriverID: d.ID, OfferedAt: now, Deadline: now.Add(timeout)}

	w := &waiter{reply: make(chan Outcome, 1)}
	s.mu.Lock()
	ws := s.pending[key]
	if ws == nil {
		ws = make(map[*waiter]struct{})
		s.pending[key] = ws
	}
	ws[w] = struct{}{}
	s.mu.Unlock()

	if err := s.registry.Send(d.ID, Envelope{Type: EventBookingOffer, Data: offerFor(b, d, att.Deadline)}); err != nil {
		s.retire(key, w)
		att.Outcome, att.Err = Unreachable, err
		return s.resolved(att)
	}
	s.logger.Debug("offer_sent", "booking_id", b.ID, "driver_id", d.ID, "reply_by", att.Deadline)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-w.reply:
		att.Outcome = out
	case <-timer.C:
		att.Outcome = s.expire(key, w)
	case <-ctx.Done():
		att.Outcome = s.expire(key, w)
		if att.Outcome == TimedOut {
			att.Err = ctx.Err()
		}
	}
	return s.resolved(att)
}

// Deliver routes a driver's reply to the attempts waiting on it. It reports
// false when no attempt for that booking and driver is open, so the caller can
// treat the reply as a direct action.
func (s *Solicitor) Deliver(bookingID, driverID string, accepted bool) bool {
	out := Declined
	if accepted {
		out = Accepted
	}
	key := replyKey{bookingID: bookingID, driverID: driverID}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws := s.pending[key]
	if len(ws) == 0 {
		return false
	}
	delete(s.pending, key)
	for w := range ws {
		w.reply <- out
	}
	return true
}

// Pending reports whether an attempt for the pair is open.
func (s *Solicitor) Pending(bookingID, driverID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[replyKey{bookingID: bookingID, driverID: driverID}]) > 0
}

// expire retires w unless a reply already claimed it, in which case the
// buffered reply wins.
func (s *Solicitor) expire(key replyKey, w *waiter) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.pending[key]; ok {
		if _, open := ws[w]; open {
			s.removeLocked(key, w)
			return TimedOut
		}
	}
	return <-w.reply
}

func (s *Solicitor) retire(key replyKey, w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key, w)
}

func (s *Solicitor) removeLocked(key replyKey, w *waiter) {
	ws := s.pending[key]
	delete(ws, w)
	if len(ws) == 0 {
		delete(s.pending, key)
	}
}

func (s *Solicitor) resolved(att Attempt) Attempt {
	att.ResolvedAt = s.now()
	observability.SolicitationsTotal.WithLabelValues(string(att.Outcome)).Inc()
	observability.SolicitationLatency.Observe(att.ResolvedAt.Sub(att.OfferedAt).Seconds())
	args := []any{"booking_id", att.BookingID, "driver_id", att.DriverID, "outcome", string(att.Outcome)}
	if att.Err != nil && !errors.Is(att.Err, ErrNoSession) {
		args = append(args, "error", att.Err)
	}
	s.logger.Info("solicitation_resolved", args...)
	return att
}

func offerFor(b *models.Booking, d *models.Driver, replyBy time.Time) Offer {
	o := Offer{
		BookingID:      b.ID,
		Pickup:         b.Pickup,
		Dropoff:        b.Dropoff,
		ScheduledStart: b.ScheduledStart,
		DurationMin:    b.DurationMin,
		CarPreference:  b.CarPreference,
		ReplyBy:        replyBy,
	}
	if d.Loc != (models.Coord{}) {
		m := geo.Haversine(d.Loc.Lat, d.Loc.Lon, b.Pickup.Lat, b.Pickup.Lon)
		o.DistanceM = &m
	}
	return o
}
