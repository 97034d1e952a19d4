// Package availability holds the weekly slot arithmetic that consumes part of a
// driver's schedule once a booking is assigned.
package availability

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrInvalidInterval = errors.New("invalid interval")
	// ErrCrossMidnight is returned for ride windows that end after 24:00.
	// Slots are single-day, so these bookings cannot be matched.
	ErrCrossMidnight = errors.New("ride window crosses midnight")
	// ErrNotCovered is returned when no single slot contains a window that is
	// about to be reserved.
	ErrNotCovered = errors.New("window not covered by availability")
)

// Window is the part of a weekday a booking occupies, in minutes of day.
type Window struct {
	Day   int
	Start int
	End   int
}

func (w Window) String() string {
	return fmt.Sprintf("day=%d %s-%s", w.Day, models.FormatHHMM(w.Start), models.FormatHHMM(w.End))
}

// WindowOf computes the UTC weekday window for a ride starting at start and
// lasting durationMin minutes.
func WindowOf(start time.Time, durationMin int) (Window, error) {
	if durationMin <= 0 {
		return Window{}, fmt.Errorf("%w: duration %d", ErrInvalidInterval, durationMin)
	}
	u := start.UTC()
	w := Window{Day: int(u.Weekday()), Start: u.Hour()*60 + u.Minute()}
	w.End = w.Start + durationMin
	if w.End > models.MinutesPerDay {
		return w, fmt.Errorf("%w: %s", ErrCrossMidnight, w)
	}
	return w, nil
}

// Covers reports whether a single slot contains the whole window.
func Covers(slots []models.Slot, w Window) bool {
	for _, s := range slots {
		if s.Day == w.Day && s.Start <= w.Start && s.End >= w.End {
			return true
		}
	}
	return false
}

// Subtract removes [start, end) on day from slots. Overlapping slots are split
// into at most a left and a right remainder; empty remainders are dropped.
// The second return value reports whether anything changed.
func Subtract(slots []models.Slot, day, start, end int) ([]models.Slot, bool, error) {
	if start >= end {
		return nil, false, fmt.Errorf("%w: start %d >= end %d", ErrInvalidInterval, start, end)
	}
	out := make([]models.Slot, 0, len(slots)+1)
	changed := false
	for _, s := range slots {
		if s.Day != day || end <= s.Start || start >= s.End {
			out = append(out, s)
			continue
		}
		changed = true
		if start > s.Start {
			out = append(out, models.Slot{Day: day, Start: s.Start, End: start})
		}
		if end < s.End {
			out = append(out, models.Slot{Day: day, Start: end, End: s.End})
		}
	}
	return out, changed, nil
}

// Restore gives w back to slots. Slots on the same day that touch or overlap w
// are merged into one, so a reservation followed by a restore leaves the
// original slot. The second return value reports whether anything changed.
func Restore(slots []models.Slot, w Window) ([]models.Slot, bool, error) {
	if w.Start >= w.End {
		return nil, false, fmt.Errorf("%w: start %d >= end %d", ErrInvalidInterval, w.Start, w.End)
	}
	if Covers(slots, w) {
		return slots, false, nil
	}
	merged := models.Slot{Day: w.Day, Start: w.Start, End: w.End}
	out := make([]models.Slot, 0, len(slots)+1)
	at := -1
	for _, s := range slots {
		if s.Day != w.Day || s.End < merged.Start || s.Start > merged.End {
			out = append(out, s)
			continue
		}
		if at < 0 {
			at = len(out)
		}
		merged.Start = min(merged.Start, s.Start)
		merged.End = max(merged.End, s.End)
	}
	if at < 0 {
		return append(out, merged), true, nil
	}
	out = append(out[:at], append([]models.Slot{merged}, out[at:]...)...)
	return out, true, nil
}

// Validate checks the onboarding invariants of an availability set: every slot
// is well formed and slots of one day neither share a start nor overlap.
func Validate(slots []models.Slot) error {
	byDay := make(map[int][]models.Slot, 7)
	for _, s := range slots {
		if !s.Valid() {
			return fmt.Errorf("%w: slot %s", ErrInvalidInterval, s)
		}
		byDay[s.Day] = append(byDay[s.Day], s)
	}
	for _, day := range byDay {
		sort.Slice(day, func(i, j int) bool { return day[i].Start < day[j].Start })
		for i := 1; i < len(day); i++ {
			prev, cur := day[i-1], day[i]
			if cur.Start == prev.Start {
				return fmt.Errorf("duplicate day/start entry %s", cur)
			}
			if cur.Start < prev.End {
				return fmt.Errorf("overlapping slots %s and %s", prev, cur)
			}
		}
	}
	return nil
}
