package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/version"
)

// ConfigPathEnv — переменная окружения с путём к YAML-конфигурации.
const ConfigPathEnv = EnvPrefix + "_CONFIG"

// LoadServiceConfig читает конфигурацию и фиксирует роль бинарника. Пустая роль берётся из конфигурации.
func LoadServiceConfig(role Role, path string) (Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if role != "" {
		cfg.Role = role
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Main — общая точка входа сервисов: конфигурация, логирование, сигналы, запуск.
func Main(role Role) {
	cfg, err := LoadServiceConfig(role, os.Getenv(ConfigPathEnv))
	if err != nil {
		log.WithError(err).Fatal("failed to load config")
	}
	if err := ConfigureLogging(cfg.LogLevel, cfg.LogFormat); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.WithFields(version.Current().Fields()).WithFields(log.Fields{
		"service":   serviceName(cfg.Role),
		"http_addr": cfg.HTTPAddr,
		"grpc_addr": cfg.GRPCAddr,
		"storage":   cfg.StorageDriver,
		"cache":     cfg.CacheDriver,
	})
	logger.Info("starting service")

	if err := Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Fatal("service stopped with error")
	}
	logger.Info("service stopped")
}
