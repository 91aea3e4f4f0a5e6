// Package events defines the envelope every lifecycle event travels in and
// the bus-agnostic publisher contract. Kafka and RabbitMQ adapters live in
// their own packages.
package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

type Publisher interface {
	Publish(ctx context.Context, topic string, env Envelope) error
}

// Nop drops every event. Used when EVENT_BUS=none.
type Nop struct{}

func (Nop) Publish(context.Context, string, Envelope) error { return nil }

// Emitter stamps producer and trace ids and publishes best effort: a bus
// failure is logged and never reaches the caller, whose transaction has
// already committed.
type Emitter struct {
	Pub      Publisher
	Producer string
}

func (e Emitter) Emit(ctx context.Context, topic, eventType, correlationID string, payload any) {
	if e.Pub == nil {
		return
	}
	env, err := New(eventType, e.Producer, TraceFrom(ctx), correlationID, payload)
	if err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("build event")
		return
	}
	if err := e.Pub.Publish(ctx, topic, env); err != nil {
		log.Error().Err(err).Str("topic", topic).Str("event_type", eventType).
			Str("correlation_id", correlationID).Msg("publish event")
	}
}

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu     sync.Mutex
	Events []Recorded
}

type Recorded struct {
	Topic    string
	Envelope Envelope
}

func (r *Recorder) Publish(_ context.Context, topic string, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, Recorded{Topic: topic, Envelope: env})
	return nil
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		out = append(out, e.Envelope.EventType)
	}
	return out
}

type traceKey struct{}

func WithTrace(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

func TraceFrom(ctx context.Context) string {
	s, _ := ctx.Value(traceKey{}).(string)
	return s
}
