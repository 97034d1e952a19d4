// Package matcher ranks drivers whose weekly availability covers a ride window.
package matcher

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Phase names the query that produced a ranking.
type Phase string

const (
	PhaseOnline Phase = "online"
	// PhaseAny includes offline drivers who may come online before the ride.
	PhaseAny Phase = "any"
)

type CandidateSource interface {
	ListCandidates(ctx context.Context, day, start, end int, onlineOnly bool) ([]*models.Driver, error)
}

type Ranking struct {
	Phase   Phase
	Drivers []*models.Driver
}

func (r Ranking) Empty() bool { return len(r.Drivers) == 0 }

type Service struct {
	Drivers CandidateSource
	Logger  *slog.Logger
}

// RankCandidates returns drivers with a single slot covering w, best rating
// first and ties by ascending id. With preferOnline the online pool is tried
// first and the full pool only when it is empty.
func (s *Service) RankCandidates(ctx context.Context, w availability.Window, preferOnline bool) (Ranking, error) {
	if w.Start >= w.End {
		return Ranking{}, fmt.Errorf("%w: %s", availability.ErrInvalidInterval, w)
	}
	if w.End > models.MinutesPerDay {
		return Ranking{}, fmt.Errorf("%w: %s", availability.ErrCrossMidnight, w)
	}
	if preferOnline {
		online, err := s.query(ctx, w, true)
		if err != nil {
			return Ranking{}, err
		}
		if len(online) > 0 {
			return s.ranked(w, PhaseOnline, online), nil
		}
	}
	all, err := s.query(ctx, w, false)
	if err != nil {
		return Ranking{}, err
	}
	return s.ranked(w, PhaseAny, all), nil
}

func (s *Service) query(ctx context.Context, w availability.Window, onlineOnly bool) ([]*models.Driver, error) {
	found, err := s.Drivers.ListCandidates(ctx, w.Day, w.Start, w.End, onlineOnly)
	if err != nil {
		return nil, fmt.Errorf("list candidates (online_only=%t): %w", onlineOnly, err)
	}
	out := found[:0]
	for _, d := range found {
		if d == nil || (onlineOnly && !d.Online) || !availability.Covers(d.Availability, w) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Rating != out[j].Rating {
			return out[i].Rating > out[j].Rating
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) ranked(w availability.Window, phase Phase, drivers []*models.Driver) Ranking {
	observability.RankingsTotal.WithLabelValues(string(phase)).Inc()
	if s.Logger != nil {
		s.Logger.Debug("candidates_ranked", "window", w.String(), "phase", string(phase), "count", len(drivers))
	}
	return Ranking{Phase: phase, Drivers: drivers}
}
