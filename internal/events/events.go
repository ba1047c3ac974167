// Package events publishes scan lifecycle facts to the analytics sink.
// Publishing is best effort: the scan pipeline logs a failed publish and
// carries on.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeScanCompleted = "scan.completed"
	TypeScanFailed    = "scan.failed"
	TypeBatchFinished = "batch.finished"
	TypeSnapshot      = "intel.snapshot"
)

// Event is one message on the analytics topic.
type Event struct {
	Type       string    `json:"type"`
	BatchID    string    `json:"batch_id,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload,omitempty"`
}

// key routes every event for one entity (or batch) to the same partition.
func (e Event) key() []byte {
	switch {
	case e.EntityID != "":
		return []byte(e.EntityID)
	case e.Domain != "":
		return []byte(e.Domain)
	default:
		return []byte(e.BatchID)
	}
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, events ...Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }
func (Nop) Close() error                            { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes JSON events to a Kafka topic.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, eris.New("events: topic must not be empty")
	}
	if len(brokers) == 0 {
		return nil, eris.New("events: at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: false,
		BatchTimeout:           50 * time.Millisecond,
	}
	return newKafkaPublisher(w, topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic, now: time.Now}
}

// Publish encodes and writes events in one call.
func (p *KafkaPublisher) Publish(ctx context.Context, events ...Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		if e.OccurredAt.IsZero() {
			e.OccurredAt = p.now().UTC()
		}
		value, err := json.Marshal(e)
		if err != nil {
			return eris.Wrapf(err, "events: encode %s", e.Type)
		}
		msgs = append(msgs, kafka.Message{Key: e.key(), Value: value})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return eris.Wrapf(err, "events: write %d messages to %s", len(msgs), p.topic)
	}
	zap.L().Debug("events: published", zap.String("topic", p.topic), zap.Int("count", len(msgs)))
	return nil
}

// Close flushes pending writes.
func (p *KafkaPublisher) Close() error {
	return eris.Wrap(p.writer.Close(), "events: close writer")
}

// New returns a KafkaPublisher when brokers are configured and Nop otherwise.
func New(brokers []string, topic string) (Publisher, error) {
	if len(brokers) == 0 {
		zap.L().Info("events: no brokers configured, publishing disabled")
		return Nop{}, nil
	}
	return NewKafkaPublisher(brokers, topic)
}
