package matcher

import (
	"context"
	"errors"
	"testing"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
)

// fakeSource returns its drivers unfiltered so the ranking's own guards are exercised.
type fakeSource struct {
	drivers []*models.Driver
	calls   []bool
	err     error
}

func (f *fakeSource) ListCandidates(_ context.Context, _, _, _ int, onlineOnly bool) ([]*models.Driver, error) {
	f.calls = append(f.calls, onlineOnly)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]*models.Driver, 0, len(f.drivers))
	for _, d := range f.drivers {
		out = append(out, d.Clone())
	}
	return out, nil
}

var morning = []models.Slot{{Day: 2, Start: 480, End: 720}}

func ids(r Ranking) []string {
	out := make([]string, 0, len(r.Drivers))
	for _, d := range r.Drivers {
		out = append(out, d.ID)
	}
	return out
}

func TestRankOrdersByRatingThenID(t *testing.T) {
	src := &fakeSource{drivers: []*models.Driver{
		{ID: "C", Rating: 4.0, Online: true, Availability: morning},
		{ID: "B", Rating: 5.0, Online: true, Availability: morning},
		{ID: "A", Rating: 4.0, Online: true, Availability: morning},
	}}
	s := &Service{Drivers: src}
	r, err := s.RankCandidates(context.Background(), availability.Window{Day: 2, Start: 540, End: 570}, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Phase != PhaseOnline {
		t.Fatalf("expected online phase, got %s", r.Phase)
	}
	got := ids(r)
	want := []string{"B", "A", "C"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if len(src.calls) != 1 {
		t.Fatalf("expected a single query, got %d", len(src.calls))
	}
}

func TestRankFallsBackToOffline(t *testing.T) {
	src := &fakeSource{drivers: []*models.Driver{
		{ID: "A", Rating: 4.5, Online: false, Availability: morning},
	}}
	s := &Service{Drivers: src}
	r, err := s.RankCandidates(context.Background(), availability.Window{Day: 2, Start: 540, End: 570}, true)
	if err != nil {
		t.Fatal(err)
	}
	if r.Phase != PhaseAny || len(r.Drivers) != 1 {
		t.Fatalf("expected fallback with one driver, got phase=%s drivers=%v", r.Phase, ids(r))
	}
	if len(src.calls) != 2 || !src.calls[0] || src.calls[1] {
		t.Fatalf("expected online then any query, got %v", src.calls)
	}
}

func TestRankNeverReturnsPartialCover(t *testing.T) {
	src := &fakeSource{drivers: []*models.Driver{
		{ID: "short", Rating: 5, Online: true, Availability: []models.Slot{{Day: 2, Start: 480, End: 560}}},
		{ID: "split", Rating: 5, Online: true, Availability: []models.Slot{{Day: 2, Start: 480, End: 550}, {Day: 2, Start: 550, End: 600}}},
		{ID: "wrongday", Rating: 5, Online: true, Availability: []models.Slot{{Day: 3, Start: 0, End: 1440}}},
		{ID: "ok", Rating: 1, Online: true, Availability: morning},
	}}
	s := &Service{Drivers: src}
	r, err := s.RankCandidates(context.Background(), availability.Window{Day: 2, Start: 540, End: 570}, true)
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(r); len(got) != 1 || got[0] != "ok" {
		t.Fatalf("expected only ok, got %v", got)
	}
}

func TestRankEmptyPool(t *testing.T) {
	s := &Service{Drivers: &fakeSource{}}
	r, err := s.RankCandidates(context.Background(), availability.Window{Day: 2, Start: 540, End: 570}, true)
	if err != nil {
		t.Fatal(err)
	}
	if !r.Empty() || r.Phase != PhaseAny {
		t.Fatalf("expected empty any-phase ranking, got %+v", r)
	}
}

func TestRankRejectsCrossMidnight(t *testing.T) {
	s := &Service{Drivers: &fakeSource{}}
	_, err := s.RankCandidates(context.Background(), availability.Window{Day: 2, Start: 1410, End: 1470}, true)
	if !errors.Is(err, availability.ErrCrossMidnight) {
		t.Fatalf("expected ErrCrossMidnight, got %v", err)
	}
}

func TestRankPropagatesStoreError(t *testing.T) {
	boom := errors.New("boom")
	s := &Service{Drivers: &fakeSource{err: boom}}
	_, err := s.RankCandidates(context.Background(), availability.Window{Day: 2, Start: 540, End: 570}, false)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}
}
