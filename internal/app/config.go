package app

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix — префикс переменных окружения: FULFILLMENT_HTTP_ADDR и т.д.
const EnvPrefix = "FULFILLMENT"

// Role определяет, какие части саги запускает процесс.
type Role string

const (
	RoleOrder     Role = "order"
	RolePayment   Role = "payment"
	RoleInventory Role = "inventory"
	// RoleAll запускает все сервисы в одном процессе; без Kafka события ходят через брокер в памяти.
	RoleAll Role = "all"
)

// Драйверы хранилища и кэша.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
	CacheDriverMemory     = "memory"
	CacheDriverRedis      = "redis"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	Role            Role          `mapstructure:"role"`
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	StorageDriver       string `mapstructure:"storage_driver"`
	PostgresDSN         string `mapstructure:"postgres_dsn"`
	PostgresAutoMigrate bool   `mapstructure:"postgres_auto_migrate"`

	CacheDriver    string `mapstructure:"cache_driver"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`
	RedisNamespace string `mapstructure:"redis_namespace"`

	KafkaBrokers     []string `mapstructure:"kafka_brokers"`
	KafkaGroupPrefix string   `mapstructure:"kafka_group_prefix"`
	KafkaDLQTopic    string   `mapstructure:"kafka_dlq_topic"`
	KafkaFromOldest  bool     `mapstructure:"kafka_from_oldest"`

	RetryMaxRetries   int           `mapstructure:"retry_max_retries"`
	RetryInitialDelay time.Duration `mapstructure:"retry_initial_delay"`
	RetryMultiplier   float64       `mapstructure:"retry_multiplier"`
	RetryMaxDelay     time.Duration `mapstructure:"retry_max_delay"`
	DedupTTL          time.Duration `mapstructure:"dedup_ttl"`
	StatusTTL         time.Duration `mapstructure:"status_ttl"`

	PaymentMinAmount       string        `mapstructure:"payment_min_amount"`
	PaymentMaxAmount       string        `mapstructure:"payment_max_amount"`
	DefaultCurrency        string        `mapstructure:"default_currency"`
	RefundWindow           time.Duration `mapstructure:"refund_window"`
	PaymentTimeout         time.Duration `mapstructure:"payment_timeout"`
	GatewayTimeout         time.Duration `mapstructure:"gateway_timeout"`
	GatewayCriticalTimeout time.Duration `mapstructure:"gateway_critical_timeout"`
	BreakerMaxFailures     int           `mapstructure:"breaker_max_failures"`
	BreakerResetTimeout    time.Duration `mapstructure:"breaker_reset_timeout"`
	WebhookSecret          string        `mapstructure:"webhook_secret"`

	// OutboxPublishAll направляет все события через outbox, а не только отложенные.
	OutboxPublishAll   bool          `mapstructure:"outbox_publish_all"`
	OutboxPollInterval time.Duration `mapstructure:"outbox_poll_interval"`
	OutboxBatchSize    int           `mapstructure:"outbox_batch_size"`
	OutboxMaxAttempts  int           `mapstructure:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `mapstructure:"outbox_retry_delay"`

	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatchSize int           `mapstructure:"cleanup_batch_size"`
}

// DefaultConfig возвращает настройки для локального запуска: все роли, память, без Kafka.
func DefaultConfig() Config {
	return Config{
		Role:            RoleAll,
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		ShutdownTimeout: 10 * time.Second,

		LogLevel:  "info",
		LogFormat: "text",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		CacheDriver:    CacheDriverMemory,
		RedisAddr:      "localhost:6379",
		RedisNamespace: "fulfillment",

		KafkaGroupPrefix: "fulfillment",
		KafkaDLQTopic:    "fulfillment.dlq",

		RetryMaxRetries:   3,
		RetryInitialDelay: 100 * time.Millisecond,
		RetryMultiplier:   2,
		RetryMaxDelay:     5 * time.Second,
		DedupTTL:          7 * 24 * time.Hour,
		StatusTTL:         24 * time.Hour,

		PaymentMinAmount:       "0.50",
		PaymentMaxAmount:       "999999.99",
		DefaultCurrency:        "USD",
		RefundWindow:           30 * 24 * time.Hour,
		PaymentTimeout:         15 * time.Minute,
		GatewayTimeout:         30 * time.Second,
		GatewayCriticalTimeout: 10 * time.Second,
		BreakerMaxFailures:     5,
		BreakerResetTimeout:    30 * time.Second,
		WebhookSecret:          "whsec_local",

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   200 * time.Millisecond,

		CleanupInterval:  10 * time.Minute,
		CleanupBatchSize: 500,
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл (если path не пуст),
// затем .env и переменные окружения с префиксом FULFILLMENT_.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	defaults := map[string]any{
		"role":                     string(d.Role),
		"http_addr":                d.HTTPAddr,
		"grpc_addr":                d.GRPCAddr,
		"shutdown_timeout":         d.ShutdownTimeout,
		"log_level":                d.LogLevel,
		"log_format":               d.LogFormat,
		"storage_driver":           d.StorageDriver,
		"postgres_dsn":             d.PostgresDSN,
		"postgres_auto_migrate":    d.PostgresAutoMigrate,
		"cache_driver":             d.CacheDriver,
		"redis_addr":               d.RedisAddr,
		"redis_password":           d.RedisPassword,
		"redis_db":                 d.RedisDB,
		"redis_namespace":          d.RedisNamespace,
		"kafka_brokers":            append([]string{}, d.KafkaBrokers...),
		"kafka_group_prefix":       d.KafkaGroupPrefix,
		"kafka_dlq_topic":          d.KafkaDLQTopic,
		"kafka_from_oldest":        d.KafkaFromOldest,
		"retry_max_retries":        d.RetryMaxRetries,
		"retry_initial_delay":      d.RetryInitialDelay,
		"retry_multiplier":         d.RetryMultiplier,
		"retry_max_delay":          d.RetryMaxDelay,
		"dedup_ttl":                d.DedupTTL,
		"status_ttl":               d.StatusTTL,
		"payment_min_amount":       d.PaymentMinAmount,
		"payment_max_amount":       d.PaymentMaxAmount,
		"default_currency":         d.DefaultCurrency,
		"refund_window":            d.RefundWindow,
		"payment_timeout":          d.PaymentTimeout,
		"gateway_timeout":          d.GatewayTimeout,
		"gateway_critical_timeout": d.GatewayCriticalTimeout,
		"breaker_max_failures":     d.BreakerMaxFailures,
		"breaker_reset_timeout":    d.BreakerResetTimeout,
		"webhook_secret":           d.WebhookSecret,
		"outbox_publish_all":       d.OutboxPublishAll,
		"outbox_poll_interval":     d.OutboxPollInterval,
		"outbox_batch_size":        d.OutboxBatchSize,
		"outbox_max_attempts":      d.OutboxMaxAttempts,
		"outbox_retry_delay":       d.OutboxRetryDelay,
		"cleanup_interval":         d.CleanupInterval,
		"cleanup_batch_size":       d.CleanupBatchSize,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// normalize приводит строковые значения к каноничному виду.
func (c *Config) normalize() {
	c.Role = Role(strings.ToLower(strings.TrimSpace(string(c.Role))))
	c.StorageDriver = strings.ToLower(strings.TrimSpace(c.StorageDriver))
	c.CacheDriver = strings.ToLower(strings.TrimSpace(c.CacheDriver))
	c.PostgresDSN = strings.TrimSpace(c.PostgresDSN)
	c.DefaultCurrency = strings.ToUpper(strings.TrimSpace(c.DefaultCurrency))

	brokers := c.KafkaBrokers[:0]
	for _, b := range c.KafkaBrokers {
		for _, part := range strings.Split(b, ",") {
			if part = strings.TrimSpace(part); part != "" {
				brokers = append(brokers, part)
			}
		}
	}
	c.KafkaBrokers = brokers
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleOrder, RolePayment, RoleInventory, RoleAll:
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.Role != RoleAll && len(c.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("role %q requires kafka_brokers: split roles exchange events through kafka", c.Role))
	}

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}

	switch c.CacheDriver {
	case CacheDriverMemory:
	case CacheDriverRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for redis cache"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown cache driver %q", c.CacheDriver))
	}

	minAmount, errMin := decimal.NewFromString(c.PaymentMinAmount)
	maxAmount, errMax := decimal.NewFromString(c.PaymentMaxAmount)
	switch {
	case errMin != nil:
		errs = append(errs, fmt.Errorf("payment_min_amount: %w", errMin))
	case errMax != nil:
		errs = append(errs, fmt.Errorf("payment_max_amount: %w", errMax))
	case !minAmount.IsPositive() || maxAmount.LessThan(minAmount):
		errs = append(errs, fmt.Errorf("payment amount bounds [%s, %s] are invalid", c.PaymentMinAmount, c.PaymentMaxAmount))
	}

	if c.RetryMaxRetries <= 0 {
		errs = append(errs, errors.New("retry_max_retries must be > 0"))
	}
	if c.RetryMultiplier < 1 {
		errs = append(errs, errors.New("retry_multiplier must be >= 1"))
	}
	if c.PaymentTimeout <= 0 {
		errs = append(errs, errors.New("payment_timeout must be > 0"))
	}
	if c.OutboxPollInterval <= 0 || c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox poll interval, batch size and max attempts must be > 0"))
	}
	if c.CleanupInterval <= 0 || c.CleanupBatchSize <= 0 {
		errs = append(errs, errors.New("cleanup interval and batch size must be > 0"))
	}
	if c.WebhookSecret == "" {
		errs = append(errs, errors.New("webhook_secret is required"))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// paymentBounds возвращает проверенные Validate границы суммы платежа.
func (c Config) paymentBounds() (decimal.Decimal, decimal.Decimal) {
	return decimal.RequireFromString(c.PaymentMinAmount), decimal.RequireFromString(c.PaymentMaxAmount)
}
