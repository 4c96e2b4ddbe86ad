// Package events publishes license lifecycle events for downstream consumers
// (analytics, CRM sync). Publishing is best-effort and never gates a license
// state change.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/logging"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Type names a lifecycle event.
type Type string

const (
	LicenseIssued      Type = "license.issued"
	LicenseDeviceBound Type = "license.device_bound"
	LicenseDeviceReset Type = "license.device_reset"
	LicenseUpgraded    Type = "license.upgraded"
	LicenseDeactivated Type = "license.deactivated"
	LicenseReactivated Type = "license.reactivated"
)

const defaultWriteTimeout = 10 * time.Second

// Event is one license lifecycle change.
type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	LicenseKey string            `json:"license_key"`
	Email      string            `json:"email,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// New builds an event with a fresh ULID.
func New(t Type, licenseKey, email string, at time.Time) Event {
	return Event{
		ID:         ulid.Make().String(),
		Type:       t,
		LicenseKey: licenseKey,
		Email:      email,
		OccurredAt: at.UTC(),
	}
}

// With returns a copy of e carrying an extra attribute.
func (e Event) With(key, value string) Event {
	attrs := make(map[string]string, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attributes = attrs
	return e
}

// Publisher delivers lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Emit publishes e and logs (rather than returns) any failure.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, e); err != nil {
		logging.FromContext(ctx).Warn().Err(err).
			Str("event_type", string(e.Type)).
			Str("license_key", e.LicenseKey).
			Msg("Failed to publish license event")
	}
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

// KafkaPublisher writes events to a Kafka topic keyed by license key, so all
// events for one license land on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates an async writer for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	var addrs []string
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			addrs = append(addrs, b)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(addrs...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
			BatchTimeout: 50 * time.Millisecond,
			WriteTimeout: defaultWriteTimeout,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Error().Err(err).Int("messages", len(messages)).Msg("Kafka delivery failed for license events")
				}
			},
		},
	}, nil
}

// Publish enqueues e on the writer. Delivery errors surface through the
// writer's completion callback.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	msg, err := messageFor(e)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func messageFor(e Event) (kafka.Message, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal license event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(e.LicenseKey),
		Value: payload,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID)},
		},
	}, nil
}
