// Package ingest publishes driver locations and ride lifecycle events to
// Kafka for downstream consumers.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const writeTimeout = 2 * time.Second

type KafkaProducer struct {
	locations *kafka.Writer
	rides     *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}}),
		rides:     kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: rideTopic, Balancer: &kafka.Hash{}}),
	}
}

// PublishLocation keys by driver so one driver's reports stay ordered.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	msg, err := locationMessage(loc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.locations.WriteMessages(ctx, msg)
}

// PublishRideEvent keys by ride so one ride's transitions stay ordered.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	msg, err := rideEventMessage(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return k.rides.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []*kafka.Writer{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func locationMessage(loc models.DriverLocation) (kafka.Message, error) {
	b, err := json.Marshal(loc)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{Key: []byte(loc.DriverID), Value: b, Time: loc.Timestamp}, nil
}

func rideEventMessage(ev models.RideEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:     []byte(ev.RideID),
		Value:   b,
		Time:    ev.At,
		Headers: []kafka.Header{{Key: "status", Value: []byte(ev.Status)}},
	}, nil
}

// DecodeLocation parses a message produced by PublishLocation.
func DecodeLocation(m kafka.Message) (models.DriverLocation, error) {
	var loc models.DriverLocation
	err := json.Unmarshal(m.Value, &loc)
	return loc, err
}

// Nop drops everything. Used when no brokers are configured.
type Nop struct{}

func (Nop) PublishLocation(context.Context, models.DriverLocation) error { return nil }
func (Nop) PublishRideEvent(context.Context, models.RideEvent) error     { return nil }
func (Nop) Close() error                                                 { return nil }
