package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"APP_ENV"`
	AllowedOrigin string `mapstructure:"ALLOWED_ORIGIN"`
	LogLevel      string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr              string `mapstructure:"REDIS_ADDR"`
	RedisPassword          string `mapstructure:"REDIS_PASSWORD"`
	RedisDB                int    `mapstructure:"REDIS_DB"`
	CatalogCacheTTLSeconds int    `mapstructure:"CATALOG_CACHE_TTL_SECONDS"`

	AuthSecret string `mapstructure:"AUTH_SECRET"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`

	StoreName         string `mapstructure:"STORE_NAME"`
	StoreWhatsApp     string `mapstructure:"STORE_WHATSAPP"`
	StoreLocale       string `mapstructure:"STORE_LOCALE"`
	CurrencySymbol    string `mapstructure:"CURRENCY_SYMBOL"`
	DeliveryCostCents int64  `mapstructure:"DELIVERY_COST_CENTS"`

	LedgerMaxAttempts int `mapstructure:"LEDGER_MAX_ATTEMPTS"`
	OrderRateLimit    int `mapstructure:"ORDER_RATE_LIMIT_PER_MINUTE"`
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"APP_ENV":                     "development",
	"ALLOWED_ORIGIN":              "http://127.0.0.1:3000",
	"LOG_LEVEL":                   "info",
	"DATABASE_URL":                "",
	"REDIS_ADDR":                  "",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"CATALOG_CACHE_TTL_SECONDS":   30,
	"AUTH_SECRET":                 "",
	"KAFKA_BROKERS":               "",
	"KAFKA_TOPIC":                 "confi.events",
	"STORE_NAME":                  "Confi",
	"STORE_WHATSAPP":              "",
	"STORE_LOCALE":                "id-ID",
	"CURRENCY_SYMBOL":             "Rp",
	"DELIVERY_COST_CENTS":         0,
	"LEDGER_MAX_ATTEMPTS":         3,
	"ORDER_RATE_LIMIT_PER_MINUTE": 30,
}

// Load reads configuration from the environment, falling back to an
// optional .env file in the working directory.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read .env: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))

	if cfg.CatalogCacheTTLSeconds < 1 {
		cfg.CatalogCacheTTLSeconds = 30
	}
	if cfg.LedgerMaxAttempts < 1 {
		cfg.LedgerMaxAttempts = 3
	}
	if cfg.DeliveryCostCents < 0 {
		return Config{}, fmt.Errorf("DELIVERY_COST_CENTS must not be negative")
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) Production() bool {
	return c.Env == "production"
}

func (c Config) CatalogCacheTTL() time.Duration {
	return time.Duration(c.CatalogCacheTTLSeconds) * time.Second
}
