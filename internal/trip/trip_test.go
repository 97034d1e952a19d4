package trip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type sent struct {
	to  string
	env dispatch.Envelope
}

// fakeRegistry records frames instead of writing to sockets.
type fakeRegistry struct {
	mu     sync.Mutex
	frames []sent
}

func (f *fakeRegistry) Send(driverID string, env dispatch.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, sent{to: "driver:" + driverID, env: env})
	return nil
}

func (f *fakeRegistry) SendToRooms(env dispatch.Envelope, rooms ...string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range rooms {
		f.frames = append(f.frames, sent{to: r, env: env})
	}
	return len(rooms)
}

func (f *fakeRegistry) count(to, typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.frames {
		if s.to == to && s.env.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	store  *storage.MemoryStore
	reg    *fakeRegistry
	events *ingest.Recorder
	svc    *Service
	clock  time.Time
}

// Tuesday 09:00 UTC
var rideStart = time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{store: storage.NewMemoryStore(), reg: &fakeRegistry{}, events: &ingest.Recorder{}, clock: rideStart}
	f.svc = NewService(f.store, availability.NewService(f.store, logger), f.reg, f.events, Config{DurationTolerance: 15 * time.Minute}, logger)
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func (f *fixture) driver(t *testing.T, id string, slots ...models.Slot) {
	t.Helper()
	car := "car-" + id
	require.NoError(t, f.store.CreateDriver(context.Background(), &models.Driver{
		ID: id, Name: "Driver " + id, Rating: 4.8, Availability: slots, Cars: []string{car}, MainCar: &car,
	}))
}

func (f *fixture) booking(t *testing.T, id string, pref models.CarPreference, carID *string) {
	t.Helper()
	require.NoError(t, f.store.CreateBooking(context.Background(), &models.Booking{
		ID: id, RiderID: "R1", ScheduledStart: rideStart, DurationMin: 30,
		CarPreference: pref, CarID: carID, Status: models.StatusPending,
	}))
}

var morning = models.Slot{Day: 2, Start: 480, End: 720}

func TestTransitionGraph(t *testing.T) {
	all := []models.BookingStatus{
		models.StatusPending, models.StatusAccepted, models.StatusInProgress, models.StatusCompleted,
		models.StatusCancelled, models.StatusNoShow, models.StatusUnfilled,
	}
	for _, from := range all {
		for _, to := range all {
			if from.Terminal() {
				assert.False(t, CanTransition(from, to), "%s is terminal", from)
			}
			if to == models.StatusPending {
				assert.False(t, CanTransition(from, to), "nothing returns to pending")
			}
		}
	}
	assert.True(t, CanTransition(models.StatusPending, models.StatusAccepted))
	assert.False(t, CanTransition(models.StatusAccepted, models.StatusCompleted))
	assert.False(t, CanTransition(models.StatusAccepted, models.StatusCancelled))
}

func TestCommitAssignmentSplitsSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver(t, "D", morning)
	f.booking(t, "B", models.CarFromDriver, nil)

	b, err := f.svc.CommitAssignment(ctx, "B", "D", SourceSweep)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, b.Status)
	require.NotNil(t, b.DriverID)
	assert.Equal(t, "D", *b.DriverID)
	require.NotNil(t, b.CarID)
	assert.Equal(t, "car-D", *b.CarID)

	d, err := f.store.GetDriver(ctx, "D")
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Slot{{Day: 2, Start: 480, End: 540}, {Day: 2, Start: 570, End: 720}}, d.Availability)

	assert.Equal(t, 1, f.reg.count(dispatch.RiderRoom("R1"), dispatch.EventDriverAssigned))
	assert.Equal(t, 1, f.reg.count("driver:D", dispatch.EventDriverAssigned))
	assert.Len(t, f.events.EventsOfType(EventAssigned), 1)
}

func TestCommitAssignmentKeepsRiderCar(t *testing.T) {
	f := newFixture(t)
	f.driver(t, "D", morning)
	riderCar := "rider-car"
	f.booking(t, "B", models.CarFromRider, &riderCar)

	b, err := f.svc.CommitAssignment(context.Background(), "B", "D", SourceDirect)
	require.NoError(t, err)
	require.NotNil(t, b.CarID)
	assert.Equal(t, riderCar, *b.CarID)
}

func TestCommitAssignmentRejectsUncoveredDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver(t, "D", models.Slot{Day: 2, Start: 600, End: 720})
	f.booking(t, "B", models.CarFromDriver, nil)

	_, err := f.svc.CommitAssignment(ctx, "B", "D", SourceDirect)
	assert.ErrorIs(t, err, ErrDriverUnavailable)
	b, _ := f.store.GetBooking(ctx, "B")
	assert.Equal(t, models.StatusPending, b.Status)
	assert.Nil(t, b.DriverID)
}

func TestCommitAssignmentMissingDriver(t *testing.T) {
	f := newFixture(t)
	f.booking(t, "B", models.CarFromDriver, nil)
	_, err := f.svc.CommitAssignment(context.Background(), "B", "ghost", SourceSweep)
	assert.ErrorIs(t, err, storage.ErrDriverNotFound)
}

// Only one of many concurrent commits may bind a driver, and losers end with
// their availability as it was.
func TestCommitAssignmentAtMostOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	const n = 8
	for i := 0; i < n; i++ {
		f.driver(t, fmt.Sprintf("D%d", i), morning)
	}
	f.booking(t, "B", models.CarFromDriver, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("D%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CommitAssignment(ctx, "B", id, SourceSweep)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrAlreadyAssigned):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, losers)
	b, _ := f.store.GetBooking(ctx, "B")
	assert.Equal(t, winners[0], *b.DriverID)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("D%d", i)
		d, _ := f.store.GetDriver(ctx, id)
		if id == winners[0] {
			assert.Len(t, d.Availability, 2)
		} else {
			assert.Equal(t, []models.Slot{morning}, d.Availability, "loser %s lost availability", id)
		}
	}
}

// gatedStore holds every driver read until both commits have made one, so
// both see the slot free before either consumes it.
type gatedStore struct {
	*storage.MemoryStore
	arrived *sync.WaitGroup
}

func (g gatedStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	d, err := g.MemoryStore.GetDriver(ctx, id)
	g.arrived.Done()
	g.arrived.Wait()
	return d, err
}

// Two replicas commit overlapping bookings to one driver after both read the
// same free slot. One of them must come back empty handed.
func TestCommitAssignmentOverlappingBookingsAcrossReplicas(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateDriver(ctx, &models.Driver{ID: "D", Availability: []models.Slot{morning}}))
	require.NoError(t, store.CreateBooking(ctx, &models.Booking{
		ID: "B1", RiderID: "R1", ScheduledStart: rideStart, DurationMin: 30, Status: models.StatusPending,
	}))
	require.NoError(t, store.CreateBooking(ctx, &models.Booking{
		ID: "B2", RiderID: "R2", ScheduledStart: rideStart.Add(15 * time.Minute), DurationMin: 30, Status: models.StatusPending,
	}))

	var arrived sync.WaitGroup
	arrived.Add(2)
	gated := gatedStore{MemoryStore: store, arrived: &arrived}
	replica := func() *Service {
		return NewService(gated, availability.NewService(store, logger), &fakeRegistry{}, nil, Config{}, logger)
	}
	r1, r2 := replica(), replica()

	errs := make(chan error, 2)
	go func() { _, err := r1.CommitAssignment(ctx, "B1", "D", SourceDirect); errs <- err }()
	go func() { _, err := r2.CommitAssignment(ctx, "B2", "D", SourceDirect); errs <- err }()
	e1, e2 := <-errs, <-errs

	var failed error
	switch {
	case e1 == nil && e2 != nil:
		failed = e2
	case e2 == nil && e1 != nil:
		failed = e1
	default:
		t.Fatalf("want exactly one commit, got %v and %v", e1, e2)
	}
	assert.ErrorIs(t, failed, ErrDriverUnavailable)

	assigned := 0
	for _, id := range []string{"B1", "B2"} {
		b, err := store.GetBooking(ctx, id)
		require.NoError(t, err)
		if b.Status == models.StatusAccepted {
			assigned++
		} else {
			assert.Equal(t, models.StatusPending, b.Status)
			assert.Nil(t, b.DriverID)
		}
	}
	assert.Equal(t, 1, assigned)
	d, _ := store.GetDriver(ctx, "D")
	assert.Equal(t, 1, d.Version, "one window consumed")
}

func TestCommitAssignmentOverlappingBookingsSameDriver(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver(t, "D", morning)
	f.booking(t, "B1", models.CarFromDriver, nil)
	require.NoError(t, f.store.CreateBooking(ctx, &models.Booking{
		ID: "B2", RiderID: "R2", ScheduledStart: rideStart.Add(10 * time.Minute), DurationMin: 60, Status: models.StatusPending,
	}))

	errs := make(chan error, 2)
	for _, id := range []string{"B1", "B2"} {
		id := id
		go func() { _, err := f.svc.CommitAssignment(ctx, id, "D", SourceSweep); errs <- err }()
	}
	e1, e2 := <-errs, <-errs
	if e1 == nil {
		e1, e2 = e2, e1
	}
	require.NoError(t, e2)
	assert.ErrorIs(t, e1, ErrDriverUnavailable)
	assert.Len(t, f.events.EventsOfType(EventAssigned), 1)
}

// lostRaceStore lets another writer close the booking between the
// reservation and the guarded update.
type lostRaceStore struct {
	*storage.MemoryStore
}

func (l lostRaceStore) TransitionBooking(ctx context.Context, id string, from models.BookingStatus, u storage.BookingUpdate) (bool, error) {
	if _, err := l.MemoryStore.TransitionBooking(ctx, id, from, storage.BookingUpdate{To: models.StatusCancelled}); err != nil {
		return false, err
	}
	return l.MemoryStore.TransitionBooking(ctx, id, from, u)
}

func TestCommitAssignmentReleasesWindowWhenBookingUpdateLoses(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	require.NoError(t, store.CreateDriver(ctx, &models.Driver{ID: "D", Availability: []models.Slot{morning}}))
	require.NoError(t, store.CreateBooking(ctx, &models.Booking{
		ID: "B", RiderID: "R1", ScheduledStart: rideStart, DurationMin: 30, Status: models.StatusPending,
	}))
	svc := NewService(lostRaceStore{store}, availability.NewService(store, logger), &fakeRegistry{}, nil, Config{}, logger)

	_, err := svc.CommitAssignment(ctx, "B", "D", SourceSweep)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	d, err := store.GetDriver(ctx, "D")
	require.NoError(t, err)
	assert.Equal(t, []models.Slot{morning}, d.Availability)
	assert.Equal(t, 2, d.Version, "reserved then released")
}

func TestTripLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver(t, "D", morning)
	f.booking(t, "B", models.CarFromDriver, nil)
	_, err := f.svc.CommitAssignment(ctx, "B", "D", SourceDirect)
	require.NoError(t, err)

	_, err = f.svc.CompleteTrip(ctx, "B", "D", Completion{})
	assert.ErrorIs(t, err, ErrInvalidTransition, "cannot complete before start")

	_, err = f.svc.StartTrip(ctx, "B", "other")
	assert.ErrorIs(t, err, ErrNotAssignedDriver)

	b, err := f.svc.StartTrip(ctx, "B", "D")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, b.Status)
	require.NotNil(t, b.ActualStart)

	_, err = f.svc.StartTrip(ctx, "B", "D")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	f.clock = f.clock.Add(32 * time.Minute)
	b, err = f.svc.CompleteTrip(ctx, "B", "D", Completion{DriverEarnings: 18.5, UserPrice: 25})
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, b.Status)
	assert.Equal(t, 18.5, b.DriverEarnings)
	assert.Equal(t, 25.0, b.UserPrice)

	stored, _ := f.store.GetBooking(ctx, "B")
	assert.Equal(t, models.StatusCompleted, stored.Status)
	require.NotNil(t, stored.ActualEnd)

	completed := f.events.EventsOfType(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, false, completed[0].Attrs["duration_mismatch"])
	assert.Equal(t, 1, f.reg.count(dispatch.TripRoom("B"), dispatch.EventTripCompleted))
}

func TestCompleteTripFlagsDurationMismatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver(t, "D", morning)
	f.booking(t, "B", models.CarFromDriver, nil)
	_, err := f.svc.CommitAssignment(ctx, "B", "D", SourceDirect)
	require.NoError(t, err)
	_, err = f.svc.StartTrip(ctx, "B", "D")
	require.NoError(t, err)

	f.clock = f.clock.Add(50 * time.Minute)
	_, err = f.svc.CompleteTrip(ctx, "B", "D", Completion{DriverEarnings: 10, UserPrice: 12})
	require.NoError(t, err)

	completed := f.events.EventsOfType(EventCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, true, completed[0].Attrs["duration_mismatch"])
	assert.Equal(t, 50, completed[0].Attrs["actual_min"])
}

func TestMarkUnfilledNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.booking(t, "B", models.CarFromDriver, nil)

	var wg sync.WaitGroup
	var ok int
	var mu sync.Mutex
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.MarkUnfilled(ctx, "B"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, f.reg.count(dispatch.RiderRoom("R1"), dispatch.EventNoDriver))
	assert.Len(t, f.events.EventsOfType(EventUnfilled), 1)
}

func TestCancelAndNoShowOnlyFromPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.driver(t, "D", morning)
	f.booking(t, "B1", models.CarFromDriver, nil)
	f.booking(t, "B2", models.CarFromDriver, nil)

	b, err := f.svc.Cancel(ctx, "B1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, b.Status)
	_, err = f.svc.MarkNoShow(ctx, "B1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.CommitAssignment(ctx, "B2", "D", SourceDirect)
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, "B2")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.svc.CommitAssignment(ctx, "B1", "D", SourceDirect)
	assert.ErrorIs(t, err, ErrAlreadyAssigned)

	_, err = f.svc.Cancel(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrBookingNotFound)
}
