package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/marketplace-fulfillment/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// StatusCache keeps the latest status view of an order. Redis failures are
// logged and treated as a miss; the database stays the source of truth.
type StatusCache struct {
	Redis *redis.Client
	TTL   time.Duration
}

func NewStatusCache(rdb *redis.Client) *StatusCache {
	return &StatusCache{Redis: rdb, TTL: TTLStatusCache}
}

func (c *StatusCache) Put(ctx context.Context, v domain.StatusView) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("order_id", v.OrderID.String()).Msg("encode status view")
		return
	}
	if err := c.Redis.Set(ctx, fmt.Sprintf(KeyOrderStatus, v.OrderID), b, c.TTL).Err(); err != nil {
		log.Warn().Err(err).Str("order_id", v.OrderID.String()).Msg("cache order status")
	}
}

func (c *StatusCache) Get(ctx context.Context, id uuid.UUID) (domain.StatusView, bool) {
	b, err := c.Redis.Get(ctx, fmt.Sprintf(KeyOrderStatus, id)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Str("order_id", id.String()).Msg("read cached order status")
		}
		return domain.StatusView{}, false
	}
	var v domain.StatusView
	if err := json.Unmarshal(b, &v); err != nil {
		return domain.StatusView{}, false
	}
	return v, true
}

func (c *StatusCache) Forget(ctx context.Context, ids ...uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, fmt.Sprintf(KeyOrderStatus, id))
	}
	if err := c.Redis.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Int("orders", len(ids)).Msg("drop cached order status")
	}
}
