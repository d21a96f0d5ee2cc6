package oracle

import (
	"tipbot/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("oracle",
	fx.Provide(
		NewHTTPFetcher,
		ProvideCache,
	),
)

type Params struct {
	fx.In
	Config  *config.Config
	Fetcher Fetcher
	Redis   *redis.Client `optional:"true"`
}

func ProvideCache(p Params) *Cache {
	opts := []Option{WithTTL(p.Config.Oracle.TTL)}

	if p.Config.Oracle.Fallback != "" {
		fallback, err := decimal.NewFromString(p.Config.Oracle.Fallback)
		if err != nil {
			zap.L().Warn("invalid oracle fallback, using default", zap.String("fallback", p.Config.Oracle.Fallback), zap.Error(err))
		} else {
			opts = append(opts, WithFallback(fallback))
		}
	}

	if p.Redis != nil {
		opts = append(opts, WithMirror(NewRedisMirror(p.Redis)))
	}

	return NewCache(p.Fetcher, opts...)
}
