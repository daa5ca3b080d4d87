package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/velobridge/settle/internal/domain"
)

// Bus implements domain.SignalBus in process. Pub/sub delivery is best-effort
// with a bounded buffer per subscriber; stream entries are retained in order.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
	nextID  uint64
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
		nextID:  1,
	}
}

// Publish delivers the payload to current subscribers. Slow subscribers drop.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of payloads published to the given channel. The
// subscription ends when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)

	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, sub := range subs {
			if sub == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// StreamAppend appends a durable entry to the stream.
func (b *Bus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      strconv.FormatUint(b.nextID, 10),
		Payload: payload,
	})
	b.nextID++
	return nil
}

// StreamRead returns up to count entries with id greater than lastID.
func (b *Bus) StreamRead(ctx context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var after uint64
	if lastID != "" && lastID != "0" {
		n, err := strconv.ParseUint(lastID, 10, 64)
		if err != nil {
			return nil, err
		}
		after = n
	}

	var out []domain.StreamMessage
	for _, msg := range b.streams[stream] {
		id, _ := strconv.ParseUint(msg.ID, 10, 64)
		if id <= after {
			continue
		}
		out = append(out, msg)
		if count > 0 && len(out) >= count {
			break
		}
	}
	return out, nil
}

var _ domain.SignalBus = (*Bus)(nil)

// LockManager implements domain.LockManager with process-local mutexes.
type LockManager struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLockManager creates an empty in-process lock manager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]struct{})}
}

// Acquire takes the named lock, returning domain.ErrLockHeld if another
// holder has it. The ttl is ignored; in-process locks are released
// explicitly.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if _, ok := lm.held[key]; ok {
		return nil, domain.ErrLockHeld
	}
	lm.held[key] = struct{}{}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			delete(lm.held, key)
		})
	}
	return unlock, nil
}

var _ domain.LockManager = (*LockManager)(nil)

// PriceCache implements domain.PriceCache in process.
type PriceCache struct {
	mu     sync.Mutex
	prices map[string]priceEntry
}

type priceEntry struct {
	price      int64
	volatility int64
	ts         time.Time
}

// NewPriceCache creates an empty in-process price cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]priceEntry)}
}

// SetPrice stores the latest price and volatility for an asset.
func (pc *PriceCache) SetPrice(ctx context.Context, asset string, price, volatility int64, ts time.Time) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.prices[asset] = priceEntry{price: price, volatility: volatility, ts: ts}
	return nil
}

// GetPrice returns the latest price and volatility for an asset.
func (pc *PriceCache) GetPrice(ctx context.Context, asset string) (int64, int64, time.Time, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	entry, ok := pc.prices[asset]
	if !ok {
		return 0, 0, time.Time{}, domain.ErrNotFound
	}
	return entry.price, entry.volatility, entry.ts, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
