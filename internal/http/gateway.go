package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trip"
)

// Inbound event types.
const (
	msgJoinTrip       = "join_trip"
	msgLocation       = "location"
	msgBookingAccept  = "booking_accept"
	msgBookingDecline = "booking_decline"
	msgTripStart      = "trip_start"
	msgTripEnd        = "trip_end"
)

var (
	errForbidden      = errors.New("not allowed for this connection")
	errNotParticipant = errors.New("not a participant of this trip")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS authenticates before upgrading so a rejected client never touches
// presence or the registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	claims, err := s.auth.Verify(token)
	if err != nil {
		s.logger.Warn("ws_auth_rejected", "error", err, "remote_addr", remoteIP(r))
		s.writeError(w, err)
		return
	}
	if claims.Role == models.RoleDriver {
		if _, err := s.store.GetDriver(r.Context(), claims.UserID); err != nil {
			if errors.Is(err, storage.ErrDriverNotFound) {
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unknown driver"})
				return
			}
			s.writeError(w, err)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws_upgrade_failed", "error", err)
		return
	}
	sess := dispatch.NewSession(claims.UserID, claims.Role)
	ctx := context.WithoutCancel(r.Context())

	if sess.Role == models.RoleDriver {
		if err := s.store.MarkOnline(ctx, sess.UserID, sess.ID); err != nil {
			s.logger.Error("driver_online_failed", "driver_id", sess.UserID, "error", err)
		}
		observability.DriversOnline.Inc()
		s.logger.Info("driver_online", "driver_id", sess.UserID, "session", sess.ID)
	}

	s.hub.Serve(ctx, conn, sess, s.handleMessage)

	if sess.Role == models.RoleDriver {
		// a newer session may already own presence; MarkOffline leaves it alone
		if err := s.store.MarkOffline(ctx, sess.UserID, sess.ID); err != nil {
			s.logger.Error("driver_offline_failed", "driver_id", sess.UserID, "error", err)
		}
		s.dropFromNearby(ctx, sess.UserID)
		observability.DriversOnline.Dec()
		s.logger.Info("driver_disconnected", "driver_id", sess.UserID, "session", sess.ID)
	}
}

// dropFromNearby removes the driver from the geo index once stored presence
// says offline. A reconnect that already marked it online keeps its entry.
func (s *Server) dropFromNearby(ctx context.Context, driverID string) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		s.logger.Warn("driver_presence_read_failed", "driver_id", driverID, "error", err)
		return
	}
	if d.Online {
		return
	}
	if err := s.geo.Remove(ctx, driverID); err != nil {
		s.logger.Warn("geo_remove_failed", "driver_id", driverID, "error", err)
	}
}

type bookingRef struct {
	BookingID string `json:"booking_id"`
}

type locationMsg struct {
	BookingID string  `json:"booking_id,omitempty"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Heading   float64 `json:"heading"`
}

type tripEndMsg struct {
	BookingID      string  `json:"booking_id"`
	DriverEarnings float64 `json:"driver_earnings"`
	UserPrice      float64 `json:"user_price"`
}

func (s *Server) handleMessage(ctx context.Context, sess *dispatch.Session, msgType string, data json.RawMessage) error {
	switch msgType {
	case msgJoinTrip:
		var m bookingRef
		if err := decode(data, &m); err != nil {
			return err
		}
		return s.joinTrip(ctx, sess, m.BookingID)
	case msgLocation:
		if sess.Role != models.RoleDriver {
			return errForbidden
		}
		var m locationMsg
		if err := decode(data, &m); err != nil {
			return err
		}
		return s.driverLocation(ctx, sess, m)
	case msgBookingAccept, msgBookingDecline:
		if sess.Role != models.RoleDriver {
			return errForbidden
		}
		var m bookingRef
		if err := decode(data, &m); err != nil {
			return err
		}
		return s.driverReply(ctx, sess, m.BookingID, msgType == msgBookingAccept)
	case msgTripStart:
		if sess.Role != models.RoleDriver {
			return errForbidden
		}
		var m bookingRef
		if err := decode(data, &m); err != nil {
			return err
		}
		if _, err := s.trips.StartTrip(ctx, m.BookingID, sess.UserID); err != nil {
			return err
		}
		return s.hub.Join(sess, dispatch.TripRoom(m.BookingID))
	case msgTripEnd:
		if sess.Role != models.RoleDriver {
			return errForbidden
		}
		var m tripEndMsg
		if err := decode(data, &m); err != nil {
			return err
		}
		_, err := s.trips.CompleteTrip(ctx, m.BookingID, sess.UserID, trip.Completion{
			DriverEarnings: m.DriverEarnings,
			UserPrice:      m.UserPrice,
		})
		return err
	default:
		return fmt.Errorf("unknown message type %q", msgType)
	}
}

func (s *Server) joinTrip(ctx context.Context, sess *dispatch.Session, bookingID string) error {
	b, err := s.store.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	switch sess.Role {
	case models.RoleRider:
		if b.RiderID != sess.UserID {
			return errNotParticipant
		}
	case models.RoleDriver:
		if b.DriverID == nil || *b.DriverID != sess.UserID {
			return errNotParticipant
		}
	}
	if err := s.hub.Join(sess, dispatch.TripRoom(b.ID)); err != nil {
		return err
	}
	return s.hub.SendToSession(sess, dispatch.Envelope{Type: dispatch.EventJoined, Data: map[string]any{
		"booking_id": b.ID, "status": b.Status,
	}})
}

func (s *Server) driverLocation(ctx context.Context, sess *dispatch.Session, m locationMsg) error {
	if m.Lat < -90 || m.Lat > 90 || m.Lon < -180 || m.Lon > 180 {
		return fmt.Errorf("coordinates out of range")
	}
	observability.LocationPings.Inc()
	ping := models.LocationPing{
		DriverID:  sess.UserID,
		BookingID: m.BookingID,
		Loc:       models.Coord{Lat: m.Lat, Lon: m.Lon},
		Heading:   m.Heading,
		Online:    true,
		At:        s.now().UTC(),
	}
	if err := s.store.UpdateLocation(ctx, ping.DriverID, ping.Loc); err != nil {
		return err
	}
	if d, err := s.store.GetDriver(ctx, ping.DriverID); err == nil {
		ping.Rating = d.Rating
	}
	if err := s.geo.Upsert(ctx, ping); err != nil {
		s.logger.Warn("geo_upsert_failed", "driver_id", ping.DriverID, "error", err)
	}
	if err := s.events.PublishLocation(ctx, ping); err != nil {
		s.logger.Warn("location_publish_failed", "driver_id", ping.DriverID, "error", err)
	}
	if m.BookingID == "" {
		return nil
	}
	b, err := s.store.GetBooking(ctx, m.BookingID)
	if err != nil {
		return err
	}
	if b.DriverID == nil || *b.DriverID != sess.UserID {
		return errNotParticipant
	}
	s.hub.SendToRooms(dispatch.Envelope{Type: dispatch.EventDriverLocation, Data: ping}, dispatch.TripRoom(b.ID))
	return nil
}

// driverReply resolves an open offer if there is one. An accept with no open
// offer is a direct action and goes through the same guarded commit; losing
// that race is silent for the driver.
func (s *Server) driverReply(ctx context.Context, sess *dispatch.Session, bookingID string, accepted bool) error {
	if bookingID == "" {
		return fmt.Errorf("booking_id is required")
	}
	if s.solicitor.Deliver(bookingID, sess.UserID, accepted) {
		return nil
	}
	if !accepted {
		s.logger.Debug("decline_without_offer", "booking_id", bookingID, "driver_id", sess.UserID)
		return nil
	}
	_, err := s.trips.CommitAssignment(ctx, bookingID, sess.UserID, trip.SourceDirect)
	switch {
	case err == nil:
		return s.hub.Join(sess, dispatch.TripRoom(bookingID))
	case errors.Is(err, trip.ErrAlreadyAssigned):
		s.logger.Info("direct_accept_lost_race", "booking_id", bookingID, "driver_id", sess.UserID)
		return nil
	default:
		return err
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("malformed data: %w", err)
	}
	return nil
}
