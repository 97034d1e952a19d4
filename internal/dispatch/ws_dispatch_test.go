package dispatch

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func readEnvelope(t *testing.T, s *Session) (string, json.RawMessage) {
	t.Helper()
	select {
	case raw, ok := <-s.Outbox():
		require.True(t, ok, "outbox closed")
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal(raw, &msg))
		return msg.Type, msg.Data
	default:
		t.Fatal("no frame queued")
		return "", nil
	}
}

func TestHubSendWithoutSession(t *testing.T) {
	h := NewHub(quietLogger())
	err := h.Send("D1", Envelope{Type: EventBookingOffer})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestHubSendToDriver(t *testing.T) {
	h := NewHub(quietLogger())
	s := NewSession("D1", models.RoleDriver)
	h.Register(s)

	require.NoError(t, h.Send("D1", Envelope{Type: EventBookingOffer, Data: map[string]string{"booking_id": "B1"}}))
	typ, data := readEnvelope(t, s)
	assert.Equal(t, EventBookingOffer, typ)
	assert.JSONEq(t, `{"booking_id":"B1"}`, string(data))
}

func TestHubNewerDriverSessionEvictsOlder(t *testing.T) {
	h := NewHub(quietLogger())
	old := NewSession("D1", models.RoleDriver)
	h.Register(old)
	require.NoError(t, h.Join(old, TripRoom("B1")))

	fresh := NewSession("D1", models.RoleDriver)
	h.Register(fresh)

	_, open := <-old.Outbox()
	assert.False(t, open, "evicted session outbox should be closed")
	assert.False(t, h.Unregister(old))

	cur, ok := h.Current("D1")
	require.True(t, ok)
	assert.Equal(t, fresh.ID, cur.ID)
	assert.Equal(t, 0, h.SendToRooms(Envelope{Type: EventTripStarted}, TripRoom("B1")))
	assert.ErrorIs(t, h.Join(old, TripRoom("B1")), ErrNoSession)
}

func TestHubRiderRoomsAndUnregister(t *testing.T) {
	h := NewHub(quietLogger())
	rider := NewSession("R1", models.RoleRider)
	h.Register(rider)
	driver := NewSession("D1", models.RoleDriver)
	h.Register(driver)
	require.NoError(t, h.Join(driver, TripRoom("B1")))
	require.NoError(t, h.Join(rider, TripRoom("B1")))

	assert.Equal(t, 1, h.SendToRooms(Envelope{Type: EventNoDriver}, RiderRoom("R1")))
	assert.Equal(t, 2, h.SendToRooms(Envelope{Type: EventDriverAssigned}, TripRoom("B1")))
	// rider is in both rooms and gets the frame once
	assert.Equal(t, 2, h.SendToRooms(Envelope{Type: EventTripStarted}, TripRoom("B1"), RiderRoom("R1")))

	assert.True(t, h.Unregister(rider))
	assert.False(t, h.Unregister(rider))
	assert.Equal(t, 1, h.SendToRooms(Envelope{Type: EventTripStarted}, TripRoom("B1")))
	assert.Equal(t, 0, h.SendToRooms(Envelope{Type: EventNoDriver}, RiderRoom("R1")))

	// rider is not a driver and cannot be addressed by Send
	assert.ErrorIs(t, h.Send("R1", Envelope{Type: EventBookingOffer}), ErrNoSession)
}

func TestHubFullBufferIsReported(t *testing.T) {
	h := NewHub(quietLogger())
	s := NewSession("D1", models.RoleDriver)
	h.Register(s)
	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, h.Send("D1", Envelope{Type: EventDriverLocation}))
	}
	assert.ErrorIs(t, h.Send("D1", Envelope{Type: EventDriverLocation}), ErrSessionBusy)
}
