package redisx

import "time"

const (
	// Cache status order: order_status:{order_id} -> StatusView JSON
	KeyOrderStatus = "order_status:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Failed delivery code attempts: delivery_attempts:{handler_id} -> counter
	KeyDeliveryAttempts = "delivery_attempts:%s"
)

var (
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)
