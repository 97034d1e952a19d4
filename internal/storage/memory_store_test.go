package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

func TestMemoryStoreTransitionIsGuarded(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusPending}); err != nil {
		t.Fatal(err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	wins := make(chan string, attempts)
	for i := 0; i < attempts; i++ {
		d := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.TransitionBooking(ctx, "b1", models.StatusPending, BookingUpdate{To: models.StatusAccepted, DriverID: &d})
			if err != nil {
				t.Errorf("transition: %v", err)
			}
			if ok {
				wins <- d
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly 1 winner, got %v", winners)
	}
	b, _ := m.GetBooking(ctx, "b1")
	if b.DriverID == nil || *b.DriverID != winners[0] {
		t.Fatalf("driver mismatch: %v vs %s", b.DriverID, winners[0])
	}
}

func TestMemoryStoreTransitionUnknownBooking(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.TransitionBooking(context.Background(), "missing", models.StatusPending, BookingUpdate{To: models.StatusCancelled})
	if err != ErrBookingNotFound {
		t.Fatalf("expected ErrBookingNotFound, got %v", err)
	}
}

func TestMemoryStoreListDue(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	now := time.Date(2026, 10, 13, 9, 0, 0, 0, time.UTC)
	_ = m.CreateBooking(ctx, &models.Booking{ID: "late", Status: models.StatusPending, ScheduledStart: now.Add(3 * time.Hour)})
	_ = m.CreateBooking(ctx, &models.Booking{ID: "soon", Status: models.StatusPending, ScheduledStart: now.Add(time.Hour)})
	_ = m.CreateBooking(ctx, &models.Booking{ID: "done", Status: models.StatusAccepted, ScheduledStart: now})

	due, err := m.ListDue(ctx, models.StatusPending, now.Add(90*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].ID != "soon" {
		t.Fatalf("unexpected due list: %+v", due)
	}
}

func TestMemoryStoreCandidatesOrderedAndFiltered(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	slot := []models.Slot{{Day: 2, Start: 480, End: 720}}
	_ = m.CreateDriver(ctx, &models.Driver{ID: "b", Rating: 4.5, Online: true, Availability: slot})
	_ = m.CreateDriver(ctx, &models.Driver{ID: "a", Rating: 4.5, Availability: slot})
	_ = m.CreateDriver(ctx, &models.Driver{ID: "c", Rating: 5, Availability: slot})
	_ = m.CreateDriver(ctx, &models.Driver{ID: "short", Rating: 5, Online: true, Availability: []models.Slot{{Day: 2, Start: 480, End: 545}}})

	all, _ := m.ListCandidates(ctx, 2, 540, 570, false)
	var ids []string
	for _, d := range all {
		ids = append(ids, d.ID)
	}
	if len(ids) != 3 || ids[0] != "c" || ids[1] != "a" || ids[2] != "b" {
		t.Fatalf("unexpected order %v", ids)
	}

	online, _ := m.ListCandidates(ctx, 2, 540, 570, true)
	if len(online) != 1 || online[0].ID != "b" {
		t.Fatalf("unexpected online candidates %+v", online)
	}
}

func TestMemoryStoreMarkOfflineKeepsNewerSession(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	_ = m.CreateDriver(ctx, &models.Driver{ID: "d1"})
	_ = m.MarkOnline(ctx, "d1", "old")
	_ = m.MarkOnline(ctx, "d1", "new")
	_ = m.MarkOffline(ctx, "d1", "old")

	d, _ := m.GetDriver(ctx, "d1")
	if !d.Online || d.ConnID != "new" {
		t.Fatalf("stale disconnect clobbered presence: %+v", d)
	}
}

func TestMemoryStoreCreateRejectsTakenID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	if err := m.CreateDriver(ctx, &models.Driver{ID: "d1", Name: "first", Version: 3}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateDriver(ctx, &models.Driver{ID: "d1", Name: "second"}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second driver create: got %v, want ErrAlreadyExists", err)
	}
	d, _ := m.GetDriver(ctx, "d1")
	if d.Name != "first" || d.Version != 3 {
		t.Fatalf("driver overwritten: %+v", d)
	}

	if err := m.CreateBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusPending}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.TransitionBooking(ctx, "b1", models.StatusPending, BookingUpdate{To: models.StatusCancelled}); err != nil {
		t.Fatal(err)
	}
	if err := m.CreateBooking(ctx, &models.Booking{ID: "b1", Status: models.StatusPending}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("second booking create: got %v, want ErrAlreadyExists", err)
	}
	b, _ := m.GetBooking(ctx, "b1")
	if b.Status != models.StatusCancelled {
		t.Fatalf("booking reset to %s", b.Status)
	}
}
