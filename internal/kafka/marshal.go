package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/segmentio/kafka-go"
)

// Message wraps an envelope for the given topic, keyed by its aggregate so
// one order or MPO stays on one partition.
func Message(topic string, env events.Envelope) (kafka.Message, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode envelope %s: %w", env.EventType, err)
	}
	return kafka.Message{
		Topic: topic,
		Key:   env.PartitionKey(),
		Value: b,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: events.HeaderEventType, Value: []byte(env.EventType)},
			{Key: events.HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
		},
	}, nil
}

// EventType reads the type header so consumers can skip foreign events
// without decoding the body.
func EventType(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == events.HeaderEventType {
			return string(h.Value)
		}
	}
	return ""
}

func DecodeEnvelope(m kafka.Message) (events.Envelope, error) {
	var env events.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return env, fmt.Errorf("decode envelope at offset %d: %w", m.Offset, err)
	}
	return env, nil
}
