package domain

import (
	"context"
	"time"
)

// PriceCache lands advisory price-feed data: the latest price and volatility
// per asset, both fixed-point 1e6 ticks.
type PriceCache interface {
	SetPrice(ctx context.Context, asset string, price, volatility int64, ts time.Time) error
	GetPrice(ctx context.Context, asset string) (price, volatility int64, ts time.Time, err error)
}

// LockManager provides per-entity locking keyed by id. Request transitions
// take the request lock so match/settle/redeem/refund never interleave.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// RateLimiter bounds request admission per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// StreamMessage is a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus carries facts out of the core: escrow-created events to execution
// agents (pub/sub) and the durable settlement event stream.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
