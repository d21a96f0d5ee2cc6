package oracle

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL = 5 * time.Minute
	// NativeScale is the number of decimal places kept on converted amounts.
	NativeScale = 8
)

// DefaultFallbackRate is served when no rate was ever observed.
var DefaultFallbackRate = decimal.RequireFromString("0.5")

var rateLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tipbot_oracle_rate_lookups_total",
	Help: "Price lookups by how they were served",
}, []string{"result"})

const (
	resultHit      = "hit"
	resultMiss     = "miss"
	resultStale    = "stale"
	resultFallback = "fallback"
)

// Cache serves the USD price of one native unit. It never fails: a failed
// refresh falls back to the last known rate of any age, then to the
// fallback constant.
type Cache struct {
	fetcher  Fetcher
	mirror   Mirror
	ttl      time.Duration
	fallback decimal.Decimal
	now      func() time.Time

	mu        sync.RWMutex
	rate      decimal.Decimal
	fetchedAt time.Time
	group     singleflight.Group
}

type Option func(*Cache)

func WithMirror(m Mirror) Option {
	return func(c *Cache) { c.mirror = m }
}

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithFallback(rate decimal.Decimal) Option {
	return func(c *Cache) {
		if rate.IsPositive() {
			c.fallback = rate
		}
	}
}

func withClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func NewCache(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		ttl:      DefaultTTL,
		fallback: DefaultFallbackRate,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) cached() (decimal.Decimal, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rate, c.fetchedAt, !c.fetchedAt.IsZero()
}

func (c *Cache) set(rate decimal.Decimal, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.fetchedAt) {
		c.rate = rate
		c.fetchedAt = at
	}
}

// Rate returns USD per native unit.
func (c *Cache) Rate(ctx context.Context) decimal.Decimal {
	if rate, at, ok := c.cached(); ok && c.now().Sub(at) < c.ttl {
		rateLookups.WithLabelValues(resultHit).Inc()
		return rate
	}

	v, err, _ := c.group.Do("rate", func() (any, error) {
		return c.refresh(ctx)
	})
	if err == nil {
		rateLookups.WithLabelValues(resultMiss).Inc()
		return v.(decimal.Decimal)
	}

	zapLog := zap.L().With(zap.Error(err))

	if rate, at, ok := c.cached(); ok {
		rateLookups.WithLabelValues(resultStale).Inc()
		zapLog.Warn("price refresh failed, serving stale rate", zap.Time("fetched_at", at))
		return rate
	}

	if c.mirror != nil {
		rate, at, merr := c.mirror.Load(ctx)
		if merr == nil && rate.IsPositive() {
			c.set(rate, at)
			rateLookups.WithLabelValues(resultStale).Inc()
			zapLog.Warn("price refresh failed, serving mirrored rate", zap.Time("fetched_at", at))
			return rate
		}
	}

	rateLookups.WithLabelValues(resultFallback).Inc()
	zapLog.Warn("price refresh failed, serving fallback rate", zap.String("rate", c.fallback.String()))
	return c.fallback
}

func (c *Cache) refresh(ctx context.Context) (decimal.Decimal, error) {
	rate, err := c.fetcher.Fetch(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	at := c.now()
	c.set(rate, at)

	if c.mirror != nil {
		if err := c.mirror.Store(ctx, rate, at); err != nil {
			zap.L().Warn("failed to mirror price", zap.Error(err))
		}
	}
	return rate, nil
}

// Convert turns a USD amount into native units at the current rate.
func (c *Cache) Convert(ctx context.Context, usd decimal.Decimal) (native, rate decimal.Decimal) {
	rate = c.Rate(ctx)
	if !rate.IsPositive() {
		rate = c.fallback
	}
	return usd.Div(rate).Round(NativeScale), rate
}
