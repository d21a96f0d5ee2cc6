package oracle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tipbot/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// Mirror keeps the last known rate outside the process.
type Mirror interface {
	Load(ctx context.Context) (decimal.Decimal, time.Time, error)
	Store(ctx context.Context, rate decimal.Decimal, at time.Time) error
}

var errNoMirroredRate = errors.New("no mirrored rate")

type redisMirror struct {
	rdb *redis.Client
}

func NewRedisMirror(rdb *redis.Client) Mirror {
	return &redisMirror{rdb: rdb}
}

// Values are stored as "<rate>|<unix millis>".
func (m *redisMirror) Load(ctx context.Context) (decimal.Decimal, time.Time, error) {
	raw, err := m.rdb.Get(ctx, rediskey.BuildOracleRateKey()).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, time.Time{}, errNoMirroredRate
	}
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}

	rateStr, atStr, ok := strings.Cut(raw, "|")
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("malformed mirrored rate %q", raw)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	ms, err := strconv.ParseInt(atStr, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	return rate, time.UnixMilli(ms).UTC(), nil
}

func (m *redisMirror) Store(ctx context.Context, rate decimal.Decimal, at time.Time) error {
	value := rate.String() + "|" + strconv.FormatInt(at.UnixMilli(), 10)
	return m.rdb.Set(ctx, rediskey.BuildOracleRateKey(), value, 0).Err()
}
