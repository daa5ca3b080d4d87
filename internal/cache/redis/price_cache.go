package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/velobridge/settle/internal/domain"
)

// PriceCache implements domain.PriceCache using Redis hashes. Each asset's
// market observation is a hash at "price:{asset}" with fields "price",
// "volatility" (both 1e6 ticks) and "ts" (Unix nanosecond timestamp).
type PriceCache struct {
	rdb *redis.Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func priceKey(asset string) string {
	return "price:" + asset
}

// SetPrice stores the latest price and volatility for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price, volatility int64, ts time.Time) error {
	fields := map[string]interface{}{
		"price":      strconv.FormatInt(price, 10),
		"volatility": strconv.FormatInt(volatility, 10),
		"ts":         strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := pc.rdb.HSet(ctx, priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %s: %w", asset, err)
	}
	return nil
}

// GetPrice retrieves the latest price, volatility, and timestamp for an
// asset. Returns domain.ErrNotFound when no observation is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (int64, int64, time.Time, error) {
	vals, err := pc.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", asset, err)
	}
	if len(vals) == 0 {
		return 0, 0, time.Time{}, domain.ErrNotFound
	}

	price, err := parseHashInt(vals, "price")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: price %s: %w", asset, err)
	}
	volatility, err := parseHashInt(vals, "volatility")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: price %s: %w", asset, err)
	}
	tsNano, err := parseHashInt(vals, "ts")
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("redis: price %s: %w", asset, err)
	}
	return price, volatility, time.Unix(0, tsNano), nil
}

func parseHashInt(vals map[string]string, field string) (int64, error) {
	s, ok := vals[field]
	if !ok {
		return 0, domain.ErrNotFound
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return n, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
