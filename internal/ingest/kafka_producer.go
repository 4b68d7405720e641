package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	EventDispatchAssigned = "dispatch.assigned"
	EventPickupRecorded   = "pickup.recorded"

	publishTimeout = 2 * time.Second
)

// Event is the envelope written to the events topic.
type Event struct {
	Type      string           `json:"type"`
	RequestID models.RequestID `json:"request_id"`
	ClientID  models.ClientID  `json:"client_id,omitempty"`
	DriverID  models.DriverID  `json:"driver_id,omitempty"`
	Location  *models.Point    `json:"location,omitempty"`
	At        time.Time        `json:"at"`
}

// Publisher emits committed ledger events. Publishing is best effort and
// happens after commit.
type Publisher interface {
	PublishDispatch(ctx context.Context, a models.Assignment, at time.Time) error
	PublishPickup(ctx context.Context, rec models.PickupRecord, driverID models.DriverID, clientID models.ClientID) error
	Close() error
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer messageWriter
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}
	return &KafkaPublisher{writer: w}
}

func (k *KafkaPublisher) PublishDispatch(ctx context.Context, a models.Assignment, at time.Time) error {
	loc := a.Location
	return k.publish(ctx, Event{
		Type:      EventDispatchAssigned,
		RequestID: a.RequestID,
		ClientID:  a.ClientID,
		DriverID:  a.DriverID,
		Location:  &loc,
		At:        at,
	})
}

func (k *KafkaPublisher) PublishPickup(ctx context.Context, rec models.PickupRecord, driverID models.DriverID, clientID models.ClientID) error {
	return k.publish(ctx, Event{
		Type:      EventPickupRecorded,
		RequestID: rec.RequestID,
		ClientID:  clientID,
		DriverID:  driverID,
		At:        rec.PickedUpAt,
	})
}

func (k *KafkaPublisher) publish(ctx context.Context, ev Event) error {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(ev.RequestID), Value: b})
}

func (k *KafkaPublisher) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// Nop discards events when no brokers are configured.
type Nop struct{}

func (Nop) PublishDispatch(context.Context, models.Assignment, time.Time) error { return nil }

func (Nop) PublishPickup(context.Context, models.PickupRecord, models.DriverID, models.ClientID) error {
	return nil
}

func (Nop) Close() error { return nil }
