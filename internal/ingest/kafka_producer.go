// Package ingest publishes driver location pings and booking lifecycle events.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// BookingEvent is one lifecycle change of a booking.
type BookingEvent struct {
	Type      string               `json:"type"`
	BookingID string               `json:"booking_id"`
	RiderID   string               `json:"rider_id"`
	DriverID  string               `json:"driver_id,omitempty"`
	Status    models.BookingStatus `json:"status"`
	At        time.Time            `json:"at"`
	Attrs     map[string]any       `json:"attrs,omitempty"`
}

type Publisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
	PublishBookingEvent(ctx context.Context, e BookingEvent) error
}

const writeTimeout = 2 * time.Second

type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		events:    newWriter(brokers, eventsTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// PublishLocation is keyed by driver so pings of one driver stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, p models.LocationPing) error {
	return k.write(ctx, k.locations, p.DriverID, p)
}

// PublishBookingEvent is keyed by booking so one booking's events stay ordered.
func (k *KafkaProducer) PublishBookingEvent(ctx context.Context, e BookingEvent) error {
	return k.write(ctx, k.events, e.BookingID, e)
}

func (k *KafkaProducer) write(ctx context.Context, w *kafka.Writer, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Nop discards everything. Used when Kafka is not configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, models.LocationPing) error { return nil }
func (Nop) PublishBookingEvent(context.Context, BookingEvent) error    { return nil }

