package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

var errValidation = errors.New("validation failed")

// Deps are the collaborators the API is wired with.
type Deps struct {
	Store     storage.Store
	Geo       geo.Locator
	Events    ingest.Publisher
	Hub       *dispatch.Hub
	Solicitor *dispatch.Solicitor
	Trips     *trip.Service
	Auth      *auth.JWTService
	Logger    *slog.Logger
	// Ready reports whether backing services are reachable. Optional.
	Ready func(ctx context.Context) error
}

type Server struct {
	store     storage.Store
	geo       geo.Locator
	events    ingest.Publisher
	hub       *dispatch.Hub
	solicitor *dispatch.Solicitor
	trips     *trip.Service
	auth      *auth.JWTService
	logger    *slog.Logger
	ready     func(ctx context.Context) error
	now       func() time.Time
	mux       *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Events == nil {
		d.Events = ingest.Nop{}
	}
	s := &Server{
		store:     d.Store,
		geo:       d.Geo,
		events:    d.Events,
		hub:       d.Hub,
		solicitor: d.Solicitor,
		trips:     d.Trips,
		auth:      d.Auth,
		logger:    d.Logger,
		ready:     d.Ready,
		now:       time.Now,
		mux:       mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/bookings", s.handleCreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/cancel", s.handleCancelBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/no-show", s.handleNoShow).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleCreateDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearbyDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/readyz", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("not_ready", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

type createBookingRequest struct {
	RiderID        string               `json:"rider_id"`
	Pickup         models.Coord         `json:"pickup"`
	Dropoff        models.Coord         `json:"dropoff"`
	ScheduledStart time.Time            `json:"scheduled_start"`
	DurationMin    int                  `json:"booking_duration"`
	CarPreference  models.CarPreference `json:"car_preference"`
	CarID          *string              `json:"car_id,omitempty"`
	UserPrice      float64              `json:"user_price"`
}

func (req createBookingRequest) validate(now time.Time) error {
	switch {
	case req.RiderID == "":
		return fmt.Errorf("%w: rider_id is required", errValidation)
	case req.ScheduledStart.IsZero():
		return fmt.Errorf("%w: scheduled_start is required", errValidation)
	case !req.ScheduledStart.After(now):
		return fmt.Errorf("%w: scheduled_start must be in the future", errValidation)
	case req.DurationMin <= 0:
		return fmt.Errorf("%w: booking_duration must be > 0", errValidation)
	case !req.CarPreference.Valid():
		return fmt.Errorf("%w: car_preference must be rider or driver", errValidation)
	case req.CarPreference == models.CarFromRider && (req.CarID == nil || *req.CarID == ""):
		return fmt.Errorf("%w: car_id is required when car_preference is rider", errValidation)
	}
	return nil
}

func (s *Server) handleCreateBooking(w http.ResponseWriter, r *http.Request) {
	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if err := req.validate(s.now()); err != nil {
		s.writeError(w, err)
		return
	}
	b := &models.Booking{
		ID:             uuid.NewString(),
		RiderID:        req.RiderID,
		Pickup:         req.Pickup,
		Dropoff:        req.Dropoff,
		ScheduledStart: req.ScheduledStart.UTC(),
		DurationMin:    req.DurationMin,
		CarPreference:  req.CarPreference,
		Status:         models.StatusPending,
		UserPrice:      req.UserPrice,
	}
	if req.CarPreference == models.CarFromRider {
		b.CarID = req.CarID
	}
	if err := s.store.CreateBooking(r.Context(), b); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := availability.WindowOf(b.ScheduledStart, b.DurationMin); errors.Is(err, availability.ErrCrossMidnight) {
		s.logger.Warn("booking_crosses_midnight", "booking_id", b.ID, "scheduled_start", b.ScheduledStart, "duration_min", b.DurationMin)
	}
	s.logger.Info("booking_created", "booking_id", b.ID, "rider_id", b.RiderID, "scheduled_start", b.ScheduledStart)
	writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBooking(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleCancelBooking(w http.ResponseWriter, r *http.Request) {
	b, err := s.trips.Cancel(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleNoShow(w http.ResponseWriter, r *http.Request) {
	b, err := s.trips.MarkNoShow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type createDriverRequest struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Rating       float64       `json:"rating"`
	Availability []models.Slot `json:"availability"`
	Cars         []string      `json:"cars"`
	MainCar      *string       `json:"main_car,omitempty"`
}

func (req *createDriverRequest) validate() error {
	if req.Name == "" {
		return fmt.Errorf("%w: name is required", errValidation)
	}
	if req.Rating == 0 {
		req.Rating = 5
	}
	if req.Rating < 1 || req.Rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", errValidation)
	}
	if err := availability.Validate(req.Availability); err != nil {
		return fmt.Errorf("%w: %v", errValidation, err)
	}
	if req.MainCar != nil {
		found := false
		for _, c := range req.Cars {
			if c == *req.MainCar {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: main_car must be one of cars", errValidation)
		}
	}
	return nil
}

func (s *Server) handleCreateDriver(w http.ResponseWriter, r *http.Request) {
	var req createDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errValidation, err))
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	d := &models.Driver{
		ID:           req.ID,
		Name:         req.Name,
		Rating:       req.Rating,
		Availability: req.Availability,
		Cars:         req.Cars,
		MainCar:      req.MainCar,
	}
	if err := s.store.CreateDriver(r.Context(), d); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("driver_onboarded", "driver_id", d.ID, "slots", len(d.Availability))
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDriver(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		s.writeError(w, fmt.Errorf("%w: lat and lon are required", errValidation))
		return
	}
	radius := 5000.0
	if v := q.Get("radius_m"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	found, err := s.geo.Nearby(r.Context(), models.Coord{Lat: lat, Lon: lon}, radius, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": found})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errValidation), errors.Is(err, availability.ErrInvalidInterval):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrBookingNotFound), errors.Is(err, storage.ErrDriverNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trip.ErrAlreadyAssigned), errors.Is(err, trip.ErrInvalidTransition),
		errors.Is(err, trip.ErrDriverUnavailable), errors.Is(err, storage.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, trip.ErrNotAssignedDriver):
		status = http.StatusForbidden
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		status = http.StatusUnauthorized
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request_failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
