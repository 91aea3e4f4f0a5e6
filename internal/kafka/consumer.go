package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
// A message that can never succeed must be dropped by returning nil.
type Handler func(ctx context.Context, m kafka.Message) error

type commitFunc func(ctx context.Context, msgs ...kafka.Message) error

type Consumer struct {
	r          *kafka.Reader
	commit     commitFunc
	workers    int
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:          r,
		commit:     r.CommitMessages,
		workers:    workers,
		backoff:    200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Start dispatches messages to a pool of workers until ctx is done. Each
// partition is pinned to one worker, so its messages run in offset order.
// A failing message is retried with backoff and its partition waits:
// no later offset is committed past it.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	jobs := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup

	// workers
	for i := range jobs {
		jobs[i] = make(chan kafka.Message, 256)
		wg.Add(1)
		go func(id int, in <-chan kafka.Message) {
			defer wg.Done()
			for m := range in {
				c.process(ctx, id, h, m)
			}
		}(i, jobs[i])
	}
	stop := func() {
		for _, ch := range jobs {
			close(ch)
		}
		wg.Wait()
	}

	// dispatcher loop
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			// kecilkan noise saat shutdown
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case jobs[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// process runs h until it succeeds, then commits m. It reports false when
// ctx ended first; m is then left uncommitted for the next consumer.
func (c *Consumer) process(ctx context.Context, worker int, h Handler, m kafka.Message) bool {
	wait := c.backoff
	for attempt := 1; ; attempt++ {
		err := h(ctx, m)
		if err == nil {
			break
		}
		log.Error().Err(err).Int("worker", worker).Str("topic", m.Topic).Int("partition", m.Partition).
			Int64("offset", m.Offset).Int("attempt", attempt).Dur("retry_in", wait).Msg("handle message")
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
		wait = min(wait*2, c.maxBackoff)
	}

	// commit on success
	if err := c.commit(ctx, m); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Int64("offset", m.Offset).Msg("commit offset")
	}
	return true
}
