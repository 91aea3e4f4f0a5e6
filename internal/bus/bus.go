// Package bus opens the event publisher selected by EVENT_BUS.
package bus

import (
	"context"
	"fmt"

	"github.com/ariefcatur/marketplace-fulfillment/internal/config"
	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	kafkax "github.com/ariefcatur/marketplace-fulfillment/internal/kafka"
	"github.com/ariefcatur/marketplace-fulfillment/internal/rabbitmq"
	"github.com/rs/zerolog/log"
)

const producerBuffer = 1024

// Open returns the publisher and a close func that flushes it. The Kafka
// producer loop stops when ctx is done.
func Open(ctx context.Context, cfg config.Config) (events.Publisher, func(), error) {
	switch cfg.EventBus {
	case config.BusKafka:
		prod := kafkax.NewProducer(cfg.KafkaBrokers, producerBuffer)
		prod.Start(ctx)
		log.Info().Strs("brokers", cfg.KafkaBrokers).Msg("kafka producer started")
		return prod, func() {
			prod.Close()      // tutup inbox -> flush & close writer
			prod.WaitClosed() // drain
		}, nil
	case config.BusRabbitMQ:
		pub, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitMQExchange)
		if err != nil {
			return nil, nil, err
		}
		return pub, func() {
			if err := pub.Close(); err != nil {
				log.Warn().Err(err).Msg("rabbitmq close")
			}
		}, nil
	case config.BusNone:
		log.Warn().Msg("EVENT_BUS=none, events are dropped")
		return events.Nop{}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown event bus %q", cfg.EventBus)
}
