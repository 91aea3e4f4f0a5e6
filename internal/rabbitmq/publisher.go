// Package rabbitmq publishes lifecycle envelopes to a topic exchange. The
// event topic is used as routing key, so a queue bound to "delivery.#"
// receives every delivery event.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"
)

const (
	ExchangeType          = "topic"
	DefaultConfirmTimeout = 5 * time.Second
)

var ErrNotConfirmed = errors.New("rabbitmq: publish not confirmed by broker")

// Publisher implements events.Publisher over one confirm-mode channel.
// Publishes are serialized so each confirmation pairs with its message.
type Publisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	confirms chan amqp.Confirmation
	timeout  time.Duration

	mu sync.Mutex
}

func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel could not be put into confirm mode: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,     // name
		ExchangeType, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	log.Info().Str("exchange", exchange).Msg("rabbitmq publisher ready")

	return &Publisher{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
		timeout:  DefaultConfirmTimeout,
	}, nil
}

// Publishing converts an envelope into the AMQP message sent for it.
func Publishing(env events.Envelope) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode envelope %s: %w", env.EventType, err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     env.EventID,
		CorrelationId: env.CorrelationID,
		Type:          env.EventType,
		Timestamp:     env.OccurredAt,
		AppId:         env.Producer,
		Headers: amqp.Table{
			events.HeaderEventType:    env.EventType,
			events.HeaderEventVersion: int32(env.EventVersion),
		},
		Body: body,
	}, nil
}

// Publish sends the envelope and waits for the broker confirmation.
func (p *Publisher) Publish(ctx context.Context, topic string, env events.Envelope) error {
	msg, err := Publishing(env)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.Publish(p.exchange, topic, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("rabbitmq: channel closed before confirmation")
		}
		if !c.Ack {
			return ErrNotConfirmed
		}
		log.Debug().Uint64("tag", c.DeliveryTag).Str("routing_key", topic).Msg("event confirmed")
		return nil
	case <-timer.C:
		return fmt.Errorf("rabbitmq: confirmation timeout for %s", env.EventType)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		log.Warn().Err(err).Msg("rabbitmq channel close")
	}
	return p.conn.Close()
}
