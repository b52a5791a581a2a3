// Package kafka provides an obx.Emitter implementation on top of a Confluent
// Kafka producer.
package kafka

import (
	"fmt"
	"reflect"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/iancoleman/strcase"
	"github.com/svilares/outboxr/obx"
)

const topicPrefix = "domain-events."

// kafkaProducer is the subset of kafka.Producer the emitter relies on.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   obx.Logger
}

var _ obx.Emitter = (*Emitter)(nil)
var _ obx.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).Kind() == reflect.Ptr && reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
		logger:   &obx.NopLogger{},
	}
}

func (e *Emitter) SetLogger(l obx.Logger) {
	e.logger = l
}

// Emit produces a message to the topic derived from the record's event type,
// keyed by the aggregate identifier so the broker preserves per-aggregate
// ordering at its partitioning layer. The record travels as a serialized
// envelope; the eventual broker acknowledgment is forwarded to the provided
// delivery channel. A non-nil return means the record was not handed to the
// producer and no report will follow.
func (e *Emitter) Emit(o *obx.Record, dc chan *obx.DeliveryReport) error {
	value, err := o.MarshalEnvelope()
	if err != nil {
		return fmt.Errorf("could not serialize the outbox record envelope: %w", err)
	}

	var internal = make(chan kafka.Event)
	go func() {
		for ev := range internal {
			switch m := ev.(type) {
			case *kafka.Message:
				dc <- &obx.DeliveryReport{
					Record: o,
					Error:  m.TopicPartition.Error,
					Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
						*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
				}
			default:
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
			// the caller knows that this channel is used only for one Produce
			// call, so it can close it.
			close(internal)
		}
	}()

	topic := buildTopicName(o.EventType)
	err = e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateID),
		Value:          value,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(o.ID.String())},
			{Key: "eventId", Value: []byte(o.EventID.String())},
			{Key: "occurredOn", Value: []byte(strconv.FormatInt(o.OccurredOn.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		// the producer rejected the message, so no event will ever arrive on
		// the internal channel.
		close(internal)
		return err
	}

	return nil
}

// buildTopicName builds a topic name from an event type (e.g. if
// eventType="MessageAdded" then topic name is "domain-events.message-added").
func buildTopicName(eventType string) string {
	return topicPrefix + strcase.ToKebab(eventType)
}
