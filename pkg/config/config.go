package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr     string        `mapstructure:"ADDR"`
		Insecure bool          `mapstructure:"INSECURE"`
		Timeout  time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"OTEL"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string        `mapstructure:"TYPE"`
		Host           string        `mapstructure:"HOST"`
		Port           string        `mapstructure:"PORT"`
		DBNAME         string        `mapstructure:"DBNAME"`
		User           string        `mapstructure:"USER"`
		Password       string        `mapstructure:"PASSWORD"`
		SSLMode        string        `mapstructure:"SSLMODE"`
		Timezone       string        `mapstructure:"TIMEZONE"`
		SlowQuery      time.Duration `mapstructure:"SLOW_QUERY"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	Oracle struct {
		URL      string        `mapstructure:"URL"`
		CoinID   string        `mapstructure:"COIN_ID"`
		TTL      time.Duration `mapstructure:"TTL"`
		Timeout  time.Duration `mapstructure:"TIMEOUT"`
		Fallback string        `mapstructure:"FALLBACK"`
	} `mapstructure:"ORACLE"`
	Chat struct {
		BaseURL string        `mapstructure:"BASE_URL"`
		Token   string        `mapstructure:"TOKEN"`
		Timeout time.Duration `mapstructure:"TIMEOUT"`
	} `mapstructure:"CHAT"`
	Settlement struct {
		BaseURL       string        `mapstructure:"BASE_URL"`
		APIKey        string        `mapstructure:"API_KEY"`
		WebhookKey    string        `mapstructure:"WEBHOOK_KEY"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
		Network       string        `mapstructure:"NETWORK"`
		Currency      string        `mapstructure:"CURRENCY"`
		EscrowAddress string        `mapstructure:"ESCROW_ADDRESS"`
		Treasury      string        `mapstructure:"TREASURY_ADDRESS"`
	} `mapstructure:"SETTLEMENT"`
	Reconcile struct {
		RetentionWindow time.Duration `mapstructure:"RETENTION_WINDOW"`
		MaxAge          time.Duration `mapstructure:"MAX_AGE"`
		PurgeInterval   time.Duration `mapstructure:"PURGE_INTERVAL"`
		ConfirmLockTTL  time.Duration `mapstructure:"CONFIRM_LOCK_TTL"`
	} `mapstructure:"RECONCILE"`
}

// MinMaxAge is the smallest accepted max age for pending rows. Settlement
// confirmations and retries must land well inside it.
const MinMaxAge = 24 * time.Hour

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

// envOnlyKeys have no useful default. They are registered empty so that
// AutomaticEnv values reach Unmarshal.
var envOnlyKeys = []string{
	"APP_VERSION",
	"OTEL.ADDR",
	"DATABASE.HOST", "DATABASE.PORT", "DATABASE.DBNAME", "DATABASE.USER", "DATABASE.PASSWORD",
	"REDIS.PASSWORD",
	"FLAGSMITH.ADDR", "FLAGSMITH.API_KEY",
	"ORACLE.URL", "ORACLE.COIN_ID",
	"CHAT.BASE_URL", "CHAT.TOKEN",
	"SETTLEMENT.BASE_URL", "SETTLEMENT.API_KEY", "SETTLEMENT.WEBHOOK_KEY", "SETTLEMENT.NETWORK",
	"SETTLEMENT.CURRENCY", "SETTLEMENT.ESCROW_ADDRESS", "SETTLEMENT.TREASURY_ADDRESS",
}

func setDefaults(v *viper.Viper) {
	for _, key := range envOnlyKeys {
		v.SetDefault(key, "")
	}
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("APP_NAME", "tipbot")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL.INSECURE", true)
	v.SetDefault("OTEL.TIMEOUT", 10*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SLOW_QUERY", 200*time.Millisecond)
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("ORACLE.TTL", 5*time.Minute)
	v.SetDefault("ORACLE.TIMEOUT", 5*time.Second)
	v.SetDefault("ORACLE.FALLBACK", "0.5")
	v.SetDefault("CHAT.TIMEOUT", 10*time.Second)
	v.SetDefault("SETTLEMENT.TIMEOUT", 30*time.Second)
	v.SetDefault("RECONCILE.RETENTION_WINDOW", 72*time.Hour)
	v.SetDefault("RECONCILE.MAX_AGE", 30*24*time.Hour)
	v.SetDefault("RECONCILE.PURGE_INTERVAL", time.Hour)
	v.SetDefault("RECONCILE.CONFIRM_LOCK_TTL", 30*time.Second)
}

func LoadConfig(p Params) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if p.Vault != nil {
		if err := loadSecrets(context.Background(), p.Vault, &cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadSecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		zap.L().Error("failed get secret from vault", zap.Error(err))
		return fmt.Errorf("vault read: %w", err)
	}
	zap.L().Info("Success Get Secret")

	get := func(key, current string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return current
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key", cfg.Flagsmith.ApiKey)
	cfg.Chat.Token = get("chat_token", cfg.Chat.Token)
	cfg.Settlement.APIKey = get("settlement_api_key", cfg.Settlement.APIKey)
	cfg.Settlement.WebhookKey = get("settlement_webhook_key", cfg.Settlement.WebhookKey)
	return nil
}

// Validate rejects purge settings that could delete a row while its
// settlement callback may still arrive.
func (c *Config) Validate() error {
	r := c.Reconcile
	if r.RetentionWindow <= 0 {
		return fmt.Errorf("reconcile.retention_window must be positive")
	}
	if r.MaxAge < MinMaxAge {
		return fmt.Errorf("reconcile.max_age must be at least %s, got %s", MinMaxAge, r.MaxAge)
	}
	if r.MaxAge <= r.RetentionWindow {
		return fmt.Errorf("reconcile.max_age (%s) must exceed reconcile.retention_window (%s)", r.MaxAge, r.RetentionWindow)
	}
	if c.TLS.Enable && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("tls enabled but TLS.CERT_PATH or TLS.KEY_PATH not provided")
	}
	return nil
}
