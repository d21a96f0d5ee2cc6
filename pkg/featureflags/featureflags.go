package featureflags

import (
	"context"

	"tipbot/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

const (
	// SplitTips gates split-tip actions per scope.
	SplitTips = "split_tips"
)

type FeatureFlag interface {
	Features(ctx context.Context) ([]flagsmith.Flag, error)
	Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error)
	// Enabled reports whether feature is on for identifier. Lookup failures
	// and an unconfigured client yield fallback.
	Enabled(ctx context.Context, identifier, feature string, fallback bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		zap.L().Info("flagsmith not configured, feature flags use fallbacks")
		return &featureflag{}
	}

	opts := []flagsmith.Option{
		flagsmith.WithBaseURL(p.Config.Flagsmith.Addr),
		flagsmith.WithAnalytics(),
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Features(ctx context.Context) ([]flagsmith.Flag, error) {
	if s.client == nil {
		return nil, nil
	}

	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		return nil, err
	}

	return flags.AllFlags(), nil
}

func (s *featureflag) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	var traitSlice []*flagsmith.Trait
	if len(traits) > 0 {
		traitSlice = traits
	}

	return s.client.GetIdentityFlags(identifier, traitSlice)
}

func (s *featureflag) Enabled(ctx context.Context, identifier, feature string, fallback bool) bool {
	if s.client == nil {
		return fallback
	}

	zapLog := zap.L().With(zap.String("identifier", identifier), zap.String("feature", feature))

	flags, err := s.Flags(ctx, identifier)
	if err != nil {
		zapLog.Warn("failed to fetch identity flags", zap.Error(err))
		return fallback
	}

	enabled, err := flags.IsFeatureEnabled(feature)
	if err != nil {
		zapLog.Warn("feature lookup failed", zap.Error(err))
		return fallback
	}

	return enabled
}

// Static is a FeatureFlag answering from a fixed map. Used in tests and when
// flags are pinned by configuration.
type Static map[string]bool

func (s Static) Features(ctx context.Context) ([]flagsmith.Flag, error) { return nil, nil }

func (s Static) Flags(ctx context.Context, identifier string, traits ...*flagsmith.Trait) (flagsmith.Flags, error) {
	return flagsmith.Flags{}, nil
}

func (s Static) Enabled(ctx context.Context, identifier, feature string, fallback bool) bool {
	if v, ok := s[identifier+"/"+feature]; ok {
		return v
	}
	if v, ok := s[feature]; ok {
		return v
	}
	return fallback
}
