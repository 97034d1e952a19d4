// Package dispatch owns the realtime connection registry and the offer
// negotiation that runs over it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrNoSession   = errors.New("no ws session")
	ErrSessionBusy = errors.New("ws session send buffer full")
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Outbound event types.
const (
	EventBookingOffer   = "booking_offer"
	EventDriverAssigned = "driver_assigned"
	EventTripStarted    = "trip_started"
	EventTripCompleted  = "trip_completed"
	EventBookingClosed  = "booking_closed"
	EventNoDriver       = "no_driver_available"
	EventDriverLocation = "driver_location"
	EventJoined         = "joined"
	EventError          = "error"
)

// Envelope is the wire frame in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// MessageHandler receives every parsed inbound frame of a session.
type MessageHandler func(ctx context.Context, s *Session, msgType string, data json.RawMessage) error

// Registry is what the dispatch side needs from the live connection table.
type Registry interface {
	Send(driverID string, env Envelope) error
	SendToRooms(env Envelope, rooms ...string) int
}

func TripRoom(bookingID string) string { return "trip:" + bookingID }
func RiderRoom(riderID string) string  { return "rider:" + riderID }

// Session is one authenticated realtime connection.
type Session struct {
	ID     string
	UserID string
	Role   models.Role

	conn *websocket.Conn
	send chan []byte

	// guarded by Hub.mu
	rooms  map[string]struct{}
	closed bool
}

func NewSession(userID string, role models.Role) *Session {
	return &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		send:   make(chan []byte, sendBuffer),
		rooms:  make(map[string]struct{}),
	}
}

// Outbox exposes queued frames; it is closed when the session is unregistered.
func (s *Session) Outbox() <-chan []byte { return s.send }

// Hub holds live sessions. A driver has at most one current session: a newer
// connection evicts the older one.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	drivers  map[string]*Session
	rooms    map[string]map[string]*Session
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		sessions: make(map[string]*Session),
		drivers:  make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
		logger:   logger,
	}
}

func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.ID] = s
	switch s.Role {
	case models.RoleDriver:
		if old := h.drivers[s.UserID]; old != nil && old != s {
			h.logger.Info("ws_session_replaced", "driver_id", s.UserID, "old_session", old.ID, "session", s.ID)
			h.closeLocked(old)
		}
		h.drivers[s.UserID] = s
	case models.RoleRider:
		h.joinLocked(s, RiderRoom(s.UserID))
	}
	observability.WSConnections.WithLabelValues(string(s.Role)).Inc()
	h.logger.Info("ws_session_registered", "session", s.ID, "user_id", s.UserID, "role", string(s.Role))
}

// Unregister removes s. It reports false if s was already gone.
func (h *Hub) Unregister(s *Session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.ID]; !ok {
		return false
	}
	h.closeLocked(s)
	h.logger.Info("ws_session_unregistered", "session", s.ID, "user_id", s.UserID)
	return true
}

func (h *Hub) closeLocked(s *Session) {
	delete(h.sessions, s.ID)
	if h.drivers[s.UserID] == s {
		delete(h.drivers, s.UserID)
	}
	for room := range s.rooms {
		members := h.rooms[room]
		delete(members, s.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	s.rooms = map[string]struct{}{}
	if !s.closed {
		s.closed = true
		close(s.send)
		observability.WSConnections.WithLabelValues(string(s.Role)).Dec()
	}
}

// Current returns the live session of a driver.
func (h *Hub) Current(driverID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.drivers[driverID]
	return s, ok
}

func (h *Hub) Join(s *Session, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed {
		return ErrNoSession
	}
	h.joinLocked(s, room)
	return nil
}

func (h *Hub) joinLocked(s *Session, room string) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[s.ID] = s
	s.rooms[room] = struct{}{}
}

// Send queues env on the driver's current session.
func (h *Hub) Send(driverID string, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.drivers[driverID]
	if !ok {
		return ErrNoSession
	}
	return enqueue(s, b)
}

// SendToSession queues env on one specific session.
func (h *Hub) SendToSession(s *Session, env Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if s.closed {
		return ErrNoSession
	}
	return enqueue(s, b)
}

// SendToRooms queues env once on every session that is a member of any of
// rooms and returns how many sessions accepted it.
func (h *Hub) SendToRooms(env Envelope, rooms ...string) int {
	b, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("ws_marshal_failed", "rooms", rooms, "type", env.Type, "error", err)
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]bool)
	n := 0
	for _, room := range rooms {
		for id, s := range h.rooms[room] {
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := enqueue(s, b); err != nil {
				h.logger.Warn("ws_room_send_dropped", "room", room, "session", id, "error", err)
				continue
			}
			n++
		}
	}
	return n
}

// enqueue must be called with Hub.mu held so a concurrent close cannot race.
func enqueue(s *Session, b []byte) error {
	select {
	case s.send <- b:
		return nil
	default:
		return ErrSessionBusy
	}
}

// Serve pumps conn for s until the peer goes away. It registers s, blocks on
// the read side and unregisters on return.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, s *Session, handle MessageHandler) {
	s.conn = conn
	h.Register(s)
	go s.writePump()
	s.readPump(ctx, h, handle)
	h.Unregister(s)
}

func (s *Session) readPump(ctx context.Context, h *Hub, handle MessageHandler) {
	defer s.conn.Close()
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("ws_read_error", "session", s.ID, "error", err)
			}
			return
		}
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data,omitempty"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			_ = h.SendToSession(s, Envelope{Type: EventError, Data: map[string]string{"error": "malformed message"}})
			continue
		}
		if err := handle(ctx, s, msg.Type, msg.Data); err != nil {
			h.logger.Warn("ws_handle_message_error", "session", s.ID, "type", msg.Type, "error", err)
			_ = h.SendToSession(s, Envelope{Type: EventError, Data: map[string]string{"type": msg.Type, "error": err.Error()}})
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
