package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type BookingStatus string

const (
	StatusPending    BookingStatus = "pending"
	StatusAccepted   BookingStatus = "accepted"
	StatusInProgress BookingStatus = "in_progress"
	StatusCompleted  BookingStatus = "completed"
	StatusCancelled  BookingStatus = "cancelled"
	StatusNoShow     BookingStatus = "no_show"
	StatusUnfilled   BookingStatus = "unfilled"
)

// Terminal reports whether no further transition can leave s.
func (s BookingStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow, StatusUnfilled:
		return true
	}
	return false
}

// HasDriver reports whether a booking in status s must carry a driver reference.
func (s BookingStatus) HasDriver() bool {
	switch s {
	case StatusAccepted, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

type CarPreference string

const (
	CarFromRider  CarPreference = "rider"
	CarFromDriver CarPreference = "driver"
)

func (c CarPreference) Valid() bool { return c == CarFromRider || c == CarFromDriver }

// Booking is a scheduled ride request. DriverID is nil until a driver commits.
type Booking struct {
	ID             string        `json:"id"`
	RiderID        string        `json:"rider_id"`
	DriverID       *string       `json:"driver_id,omitempty"`
	Pickup         Coord         `json:"pickup"`
	Dropoff        Coord         `json:"dropoff"`
	ScheduledStart time.Time     `json:"scheduled_start"`
	DurationMin    int           `json:"booking_duration"`
	CarPreference  CarPreference `json:"car_preference"`
	CarID          *string       `json:"car_id,omitempty"`
	Status         BookingStatus `json:"status"`
	UserPrice      float64       `json:"user_price"`
	DriverEarnings float64       `json:"driver_earnings"`
	ActualStart    *time.Time    `json:"actual_start,omitempty"`
	ActualEnd      *time.Time    `json:"actual_end,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers never share pointer fields with a store.
func (b *Booking) Clone() *Booking {
	cp := *b
	cp.DriverID = cloneString(b.DriverID)
	cp.CarID = cloneString(b.CarID)
	cp.ActualStart = cloneTime(b.ActualStart)
	cp.ActualEnd = cloneTime(b.ActualEnd)
	return &cp
}

// Driver is an independent provider. ConnID is the live session handle and is
// only set while Online.
type Driver struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Loc          Coord     `json:"loc"`
	Rating       float64   `json:"rating"` // 1..5
	Online       bool      `json:"online"`
	ConnID       string    `json:"-"`
	Availability []Slot    `json:"availability"`
	Cars         []string  `json:"cars,omitempty"`
	MainCar      *string   `json:"main_car,omitempty"`
	Version      int       `json:"-"`
	Updated      time.Time `json:"updated"`
}

func (d *Driver) Clone() *Driver {
	cp := *d
	cp.Availability = append([]Slot(nil), d.Availability...)
	cp.Cars = append([]string(nil), d.Cars...)
	cp.MainCar = cloneString(d.MainCar)
	return &cp
}

// LocationPing is what a driver streams over the realtime channel and what the
// location consumer reads from Kafka.
type LocationPing struct {
	DriverID  string    `json:"driver_id"`
	BookingID string    `json:"booking_id,omitempty"`
	Loc       Coord     `json:"loc"`
	Heading   float64   `json:"heading"`
	Rating    float64   `json:"rating,omitempty"`
	Online    bool      `json:"online"`
	At        time.Time `json:"at"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Role is the authenticated identity kind of a realtime connection.
type Role string

const (
	RoleDriver Role = "driver"
	RoleRider  Role = "rider"
)

func (r Role) Valid() bool { return r == RoleDriver || r == RoleRider }
