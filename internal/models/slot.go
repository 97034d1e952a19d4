package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const MinutesPerDay = 24 * 60

// Slot is a weekly recurring free interval [Start, End) in minutes of day on
// weekday Day (0 = Sunday).
type Slot struct {
	Day   int
	Start int
	End   int
}

func (s Slot) Valid() bool {
	return s.Day >= 0 && s.Day <= 6 && s.Start >= 0 && s.End <= MinutesPerDay && s.Start < s.End
}

func (s Slot) String() string {
	return fmt.Sprintf("%d %s-%s", s.Day, FormatHHMM(s.Start), FormatHHMM(s.End))
}

type slotJSON struct {
	Day   int    `json:"day"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// MarshalJSON keeps the wire format drivers onboard with: "HH:MM" strings.
func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(slotJSON{Day: s.Day, Start: FormatHHMM(s.Start), End: FormatHHMM(s.End)})
}

func (s *Slot) UnmarshalJSON(b []byte) error {
	var raw slotJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	start, err := ParseHHMM(raw.Start)
	if err != nil {
		return err
	}
	end, err := ParseHHMM(raw.End)
	if err != nil {
		return err
	}
	*s = Slot{Day: raw.Day, Start: start, End: end}
	return nil
}

// ParseHHMM converts "HH:MM" to minutes of day. "24:00" is accepted as the end of day.
func ParseHHMM(v string) (int, error) {
	if len(v) != 5 || v[2] != ':' {
		return 0, fmt.Errorf("invalid time %q: want HH:MM", v)
	}
	h, err := strconv.Atoi(v[:2])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", v, err)
	}
	m, err := strconv.Atoi(v[3:])
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", v, err)
	}
	if m < 0 || m > 59 || h < 0 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time %q: out of range", v)
	}
	return h*60 + m, nil
}

func FormatHHMM(min int) string {
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}
