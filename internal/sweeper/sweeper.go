// Package sweeper runs the periodic dispatch scan: it finds pending bookings
// close to their start, offers them to ranked drivers one at a time and closes
// the ones nobody took once the matching deadline has passed.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/lock"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

var ErrSweepInProgress = errors.New("sweep already in progress")

const lockName = "dispatch-sweep"

type Bookings interface {
	ListDue(ctx context.Context, status models.BookingStatus, until time.Time) ([]*models.Booking, error)
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
}

type Ranker interface {
	RankCandidates(ctx context.Context, w availability.Window, preferOnline bool) (matcher.Ranking, error)
}

type Solicitor interface {
	Solicit(ctx context.Context, b *models.Booking, d *models.Driver, timeout time.Duration) dispatch.Attempt
}

type Trips interface {
	CommitAssignment(ctx context.Context, bookingID, driverID, source string) (*models.Booking, error)
	MarkUnfilled(ctx context.Context, bookingID string) (*models.Booking, error)
}

type Config struct {
	Interval      time.Duration
	MatchWindow   time.Duration
	MatchDeadline time.Duration
	ReplyTimeout  time.Duration
	Concurrency   int
	// LockTTL bounds how long a crashed replica can hold the sweep lock. A
	// running sweep refreshes it every third of the TTL.
	LockTTL time.Duration
}

// Result is what one sweep did with one booking.
type Result string

const (
	ResultAssigned Result = "assigned"
	ResultUnfilled Result = "unfilled"
	ResultPending  Result = "pending"
	// ResultSkipped covers bookings another path already moved out of pending.
	ResultSkipped Result = "skipped"
	ResultFailed  Result = "failed"
)

type Report struct {
	Due     int
	Results map[string]Result
}

func (r Report) Count(res Result) int {
	n := 0
	for _, v := range r.Results {
		if v == res {
			n++
		}
	}
	return n
}

type Sweeper struct {
	bookings  Bookings
	ranker    Ranker
	solicitor Solicitor
	trips     Trips
	locker    lock.Locker
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool
}

func New(bookings Bookings, ranker Ranker, solicitor Solicitor, trips Trips, locker lock.Locker, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Sweeper{
		bookings: bookings, ranker: ranker, solicitor: solicitor, trips: trips,
		locker: locker, cfg: cfg, logger: logger, now: time.Now,
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// A tick that finds the previous sweep still running is skipped.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	trigger := func() {
		if s.running.Load() {
			observability.SweepsTotal.WithLabelValues("skipped").Inc()
			s.logger.Warn("sweep_skipped", "reason", "previous sweep still running")
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
				s.logger.Error("sweep_failed", "error", err)
			}
		}()
	}

	s.logger.Info("sweeper_started", "interval", s.cfg.Interval.String(), "match_window", s.cfg.MatchWindow.String(),
		"match_deadline", s.cfg.MatchDeadline.String(), "reply_timeout", s.cfg.ReplyTimeout.String())
	trigger()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper_stopped")
			return
		case <-ticker.C:
			trigger()
		}
	}
}

// Sweep processes every due booking once. Per-booking failures are logged and
// recorded in the report; only failing to list due bookings fails the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	if !s.running.CompareAndSwap(false, true) {
		observability.SweepsTotal.WithLabelValues("skipped").Inc()
		return Report{}, ErrSweepInProgress
	}
	defer s.running.Store(false)

	lease, err := s.locker.TryLock(ctx, lockName, s.cfg.LockTTL)
	switch {
	case errors.Is(err, lock.ErrHeld):
		observability.SweepsTotal.WithLabelValues("skipped").Inc()
		s.logger.Info("sweep_skipped", "reason", "lock held by another replica")
		return Report{}, ErrSweepInProgress
	case err != nil:
		// Assignment stays at-most-once without the lock; it only prevents duplicate offers.
		s.logger.Warn("sweep_lock_unavailable", "error", err)
	default:
		stop := s.keepLease(ctx, lease)
		defer func() {
			stop()
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("sweep_unlock_failed", "error", err)
			}
		}()
	}

	started := time.Now()
	now := s.now()
	due, err := s.bookings.ListDue(ctx, models.StatusPending, now.Add(s.cfg.MatchWindow))
	if err != nil {
		observability.SweepsTotal.WithLabelValues("failed").Inc()
		return Report{}, fmt.Errorf("list due bookings: %w", err)
	}
	s.logger.Info("sweep_started", "due", len(due), "until", now.Add(s.cfg.MatchWindow))

	report := Report{Due: len(due), Results: make(map[string]Result, len(due))}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, b := range due {
		b := b
		g.Go(func() error {
			res := s.processSafely(ctx, b)
			mu.Lock()
			report.Results[b.ID] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	observability.SweepsTotal.WithLabelValues("completed").Inc()
	observability.SweepDuration.Observe(time.Since(started).Seconds())
	observability.BookingsSwept.Add(float64(len(due)))
	s.logger.Info("sweep_finished",
		"due", report.Due,
		"assigned", report.Count(ResultAssigned),
		"unfilled", report.Count(ResultUnfilled),
		"pending", report.Count(ResultPending),
		"skipped", report.Count(ResultSkipped),
		"failed", report.Count(ResultFailed),
		"duration_ms", time.Since(started).Milliseconds())
	return report, nil
}

// keepLease refreshes the sweep lease until stop is called. Solicitations can
// hold a sweep for many reply timeouts, far longer than one TTL.
func (s *Sweeper) keepLease(ctx context.Context, lease *lock.Lease) (stop func()) {
	every := max(s.cfg.LockTTL/3, time.Millisecond)
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := lease.Refresh(ctx, s.cfg.LockTTL)
				switch {
				case errors.Is(err, lock.ErrLost):
					s.logger.Warn("sweep_lock_lost")
					return
				case err != nil:
					s.logger.Warn("sweep_lock_refresh_failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (s *Sweeper) processSafely(ctx context.Context, b *models.Booking) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("booking_panic", "booking_id", b.ID, "panic", rec)
			res = ResultFailed
		}
	}()
	return s.process(ctx, b)
}

func (s *Sweeper) process(ctx context.Context, b *models.Booking) Result {
	log := s.logger.With("booking_id", b.ID)

	w, err := availability.WindowOf(b.ScheduledStart, b.DurationMin)
	if errors.Is(err, availability.ErrInvalidInterval) {
		log.Error("booking_window_invalid", "duration_min", b.DurationMin, "error", err)
		return ResultFailed
	}
	if err != nil {
		log.Warn("booking_window_unsupported", "scheduled_start", b.ScheduledStart, "duration_min", b.DurationMin, "error", err)
	} else {
		ranking, err := s.ranker.RankCandidates(ctx, w, true)
		if err != nil {
			log.Error("rank_candidates_failed", "error", err)
			return ResultFailed
		}
		log.Info("candidates_ranked", "window", w.String(), "phase", string(ranking.Phase), "count", len(ranking.Drivers))

		for _, d := range ranking.Drivers {
			if ctx.Err() != nil {
				return ResultPending
			}
			cur, err := s.bookings.GetBooking(ctx, b.ID)
			if err != nil {
				if errors.Is(err, storage.ErrBookingNotFound) {
					log.Warn("booking_vanished")
					return ResultSkipped
				}
				log.Error("booking_reload_failed", "error", err)
				return ResultFailed
			}
			if cur.Status != models.StatusPending {
				log.Info("booking_no_longer_pending", "status", string(cur.Status))
				return ResultSkipped
			}

			att := s.solicitor.Solicit(ctx, cur, d, s.cfg.ReplyTimeout)
			if att.Outcome != dispatch.Accepted {
				continue
			}
			_, err = s.trips.CommitAssignment(ctx, b.ID, d.ID, trip.SourceSweep)
			switch {
			case err == nil:
				return ResultAssigned
			case errors.Is(err, trip.ErrAlreadyAssigned):
				log.Info("commit_lost_race", "driver_id", d.ID)
				return ResultSkipped
			case errors.Is(err, trip.ErrDriverUnavailable), errors.Is(err, storage.ErrDriverNotFound):
				log.Warn("accepted_driver_cannot_take_booking", "driver_id", d.ID, "error", err)
				continue
			default:
				log.Error("commit_failed", "driver_id", d.ID, "error", err)
				return ResultFailed
			}
		}
	}

	if s.now().Before(b.ScheduledStart.Add(-s.cfg.MatchDeadline)) {
		return ResultPending
	}
	if _, err := s.trips.MarkUnfilled(ctx, b.ID); err != nil {
		if errors.Is(err, trip.ErrInvalidTransition) {
			log.Info("unfilled_skipped", "reason", err.Error())
			return ResultSkipped
		}
		log.Error("mark_unfilled_failed", "error", err)
		return ResultFailed
	}
	return ResultUnfilled
}
