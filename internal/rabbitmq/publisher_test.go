package rabbitmq

import (
	"encoding/json"
	"testing"

	"github.com/ariefcatur/marketplace-fulfillment/internal/events"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishingCarriesEnvelope(t *testing.T) {
	env, err := events.New(events.EventDeliveryConfirmed, "api", "req-1", "order-9", events.DeliveryConfirmed{OrderID: "order-9"})
	require.NoError(t, err)

	msg, err := Publishing(env)
	require.NoError(t, err)

	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, env.EventID, msg.MessageId)
	assert.Equal(t, "order-9", msg.CorrelationId)
	assert.Equal(t, events.EventDeliveryConfirmed, msg.Headers[events.HeaderEventType])
	assert.Equal(t, int32(1), msg.Headers[events.HeaderEventVersion])
	require.NoError(t, msg.Headers.Validate())

	var back events.Envelope
	require.NoError(t, json.Unmarshal(msg.Body, &back))
	assert.Equal(t, env.EventID, back.EventID)
	assert.Equal(t, "req-1", back.TraceID)
}
