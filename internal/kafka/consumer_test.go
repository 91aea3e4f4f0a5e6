package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

type commitLog struct{ offsets []int64 }

func (c *commitLog) commit(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		c.offsets = append(c.offsets, m.Offset)
	}
	return nil
}

func testConsumer(cl *commitLog) *Consumer {
	return &Consumer{commit: cl.commit, workers: 1, backoff: time.Millisecond, maxBackoff: 4 * time.Millisecond}
}

func TestFailedMessageIsRetriedBeforeCommit(t *testing.T) {
	var commits commitLog
	c := testConsumer(&commits)

	calls := 0
	h := func(context.Context, kafka.Message) error {
		calls++
		if calls < 3 {
			return errors.New("db down")
		}
		return nil
	}
	ok := c.process(context.Background(), 0, h, kafka.Message{Partition: 0, Offset: 41})
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int64{41}, commits.offsets)
}

func TestFailingMessageIsNeverCommittedOnShutdown(t *testing.T) {
	var commits commitLog
	c := testConsumer(&commits)
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	h := func(context.Context, kafka.Message) error {
		calls++
		if calls == 5 {
			cancel()
		}
		return errors.New("still failing")
	}
	ok := c.process(ctx, 0, h, kafka.Message{Partition: 0, Offset: 7})
	assert.False(t, ok)
	assert.Equal(t, 5, calls)
	assert.Empty(t, commits.offsets, "the partition must not move past offset 7")
}
