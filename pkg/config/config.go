package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

type Config struct {
	App      AppConfig
	API      APIConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Cart     CartConfig
	Checkout CheckoutConfig
	Payment  PaymentConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Cart.validateBackend(); err != nil {
		return nil, err
	}
	if _, err := cfg.Checkout.TaxRate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"TABLETAP_APP_ENV" default:"dev"`
	LogLevel     string `envconfig:"TABLETAP_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"TABLETAP_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type APIConfig struct {
	BaseURL        string        `envconfig:"TABLETAP_API_BASE_URL" required:"true"`
	RequestTimeout time.Duration `envconfig:"TABLETAP_API_REQUEST_TIMEOUT" default:"15s"`
	RefreshTimeout time.Duration `envconfig:"TABLETAP_API_REFRESH_TIMEOUT" default:"10s"`
	UserAgent      string        `envconfig:"TABLETAP_API_USER_AGENT" default:"tabletap-client"`
}

type StorageConfig struct {
	Path string `envconfig:"TABLETAP_STORAGE_PATH" default:"tabletap.db"`
}

type RedisConfig struct {
	URL          string        `envconfig:"TABLETAP_REDIS_URL"`
	Address      string        `envconfig:"TABLETAP_REDIS_ADDR"`
	Password     string        `envconfig:"TABLETAP_REDIS_PASSWORD"`
	DB           int           `envconfig:"TABLETAP_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"TABLETAP_REDIS_POOL_SIZE" default:"4"`
	DialTimeout  time.Duration `envconfig:"TABLETAP_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"TABLETAP_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"TABLETAP_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Configured reports whether a Redis endpoint was supplied at all.
func (r RedisConfig) Configured() bool {
	return r.URL != "" || r.Address != ""
}

type CartConfig struct {
	CacheBackend string        `envconfig:"TABLETAP_CART_CACHE_BACKEND" default:"sqlite"`
	CacheTTL     time.Duration `envconfig:"TABLETAP_CART_CACHE_TTL" default:"72h"`
}

func (c CartConfig) validateBackend() error {
	switch strings.ToLower(strings.TrimSpace(c.CacheBackend)) {
	case CartCacheSQLite, CartCacheRedis:
		return nil
	default:
		return fmt.Errorf("cart cache backend must be %q or %q", CartCacheSQLite, CartCacheRedis)
	}
}

// UseRedisCache reports whether the shared Redis cart cache is selected.
func (c CartConfig) UseRedisCache() bool {
	return strings.EqualFold(strings.TrimSpace(c.CacheBackend), CartCacheRedis)
}

type CheckoutConfig struct {
	TaxRatePercent  string        `envconfig:"TABLETAP_CHECKOUT_TAX_RATE_PERCENT" default:"18"`
	Currency        string        `envconfig:"TABLETAP_CHECKOUT_CURRENCY" default:"INR"`
	FinalizeBackoff time.Duration `envconfig:"TABLETAP_CHECKOUT_FINALIZE_BACKOFF" default:"2s"`
}

// TaxRate parses the configured percentage into a decimal fraction (18 -> 0.18).
func (c CheckoutConfig) TaxRate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TaxRatePercent))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing tax rate %q: %w", c.TaxRatePercent, err)
	}
	if rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("tax rate must be non-negative")
	}
	return rate.Div(decimal.NewFromInt(100)), nil
}

type PaymentConfig struct {
	CallbackAddr   string        `envconfig:"TABLETAP_PAYMENT_CALLBACK_ADDR" default:"127.0.0.1:0"`
	PageBaseURL    string        `envconfig:"TABLETAP_PAYMENT_PAGE_BASE_URL" default:"https://checkout.tabletap.example/pay"`
	PresentTimeout time.Duration `envconfig:"TABLETAP_PAYMENT_PRESENT_TIMEOUT" default:"10m"`
}
