// Package marketdatacache decorates a marketdata.Manager with a
// Redis-backed cache of CurrentBar lookups, so repeated reads for the
// same (bartime, product_type, symbol) within a run, or across a Runner
// restart against the same bar range, skip the underlying feed.
package marketdatacache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rsheftel/barrunner/marketdata"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by get when the key is absent.
var ErrNotFound = errors.New("marketdatacache: not found")

// Config tunes the Redis connection.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// DefaultConfig targets a local Redis with a one-hour TTL.
func DefaultConfig() Config {
	return Config{
		Address: "localhost:6379",
		DB:      0,
		Prefix:  "barrunner",
		TTL:     time.Hour,
	}
}

type barEntry struct {
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume int64  `json:"volume"`
}

// Cache wraps a marketdata.Manager, caching CurrentBar results in Redis.
type Cache struct {
	inner  marketdata.Manager
	client *redis.Client
	prefix string
	ttl    time.Duration

	mu     sync.Mutex
	hits   int64
	misses int64
}

// New connects to Redis per cfg and wraps inner.
func New(ctx context.Context, inner marketdata.Manager, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("marketdatacache: connecting to redis: %w", err)
	}
	return &Cache{inner: inner, client: client, prefix: cfg.Prefix, ttl: cfg.TTL}, nil
}

// Close releases the Redis client.
func (c *Cache) Close() error { return c.client.Close() }

// Stats returns the cumulative hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

func (c *Cache) key(productType, symbol string, bartime time.Time) string {
	return fmt.Sprintf("%s:bar:%s:%s:%d", c.prefix, productType, symbol, bartime.UnixNano())
}

func (c *Cache) Bartime() time.Time          { return c.inner.Bartime() }
func (c *Cache) SetBartime(t time.Time)      { c.inner.SetBartime(t) }
func (c *Cache) Update(productType, frequency string) error {
	return c.inner.Update(productType, frequency)
}
func (c *Cache) PriorClose(productType, symbol string) (decimal.Decimal, error) {
	return c.inner.PriorClose(productType, symbol)
}

// CurrentPrice delegates straight to the wrapped manager; it neither reads
// nor fills the Redis cache.
func (c *Cache) CurrentPrice(productType, symbol string) (decimal.Decimal, error) {
	return c.inner.CurrentPrice(productType, symbol)
}

// CurrentBar serves from Redis when present, otherwise reads through to
// inner and populates the cache.
func (c *Cache) CurrentBar(productType, symbol string) (marketdata.Bar, error) {
	ctx := context.Background()
	key := c.key(productType, symbol, c.inner.Bartime())

	if cached, err := c.get(ctx, key); err == nil {
		c.mu.Lock()
		c.hits++
		c.mu.Unlock()
		return cached, nil
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()

	bar, err := c.inner.CurrentBar(productType, symbol)
	if err != nil {
		return marketdata.Bar{}, err
	}
	_ = c.set(ctx, key, bar)
	return bar, nil
}

func (c *Cache) get(ctx context.Context, key string) (marketdata.Bar, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return marketdata.Bar{}, ErrNotFound
		}
		return marketdata.Bar{}, err
	}
	var e barEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return marketdata.Bar{}, err
	}
	open, _ := decimal.NewFromString(e.Open)
	high, _ := decimal.NewFromString(e.High)
	low, _ := decimal.NewFromString(e.Low)
	closeP, _ := decimal.NewFromString(e.Close)
	return marketdata.Bar{Open: open, High: high, Low: low, Close: closeP, Volume: e.Volume}, nil
}

func (c *Cache) set(ctx context.Context, key string, bar marketdata.Bar) error {
	data, err := json.Marshal(barEntry{
		Open:   bar.Open.String(),
		High:   bar.High.String(),
		Low:    bar.Low.String(),
		Close:  bar.Close.String(),
		Volume: bar.Volume,
	})
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, data, c.ttl).Err()
}

var _ marketdata.Manager = (*Cache)(nil)
