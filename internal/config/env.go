package config

import (
	"context"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "SCHEDD_"

// EnvOverrides are applied on top of the file config. Empty/zero values
// leave the file value alone.
type EnvOverrides struct {
	Host      string `env:"HOST"`
	Port      int    `env:"PORT"`
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
}

// LoadEnv loads a .env file from the working directory into the process
// environment. Callers usually ignore os.IsNotExist errors.
func LoadEnv() error {
	return godotenv.Load()
}

// LoadEnvOverrides reads SCHEDD_* variables through lookuper. A nil
// lookuper reads the process environment.
func LoadEnvOverrides(ctx context.Context, lookuper envconfig.Lookuper) (EnvOverrides, error) {
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	var ov EnvOverrides
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &ov,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	})
	return ov, err
}

// Apply copies the set overrides into cfg.
func (ov EnvOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if s := strings.TrimSpace(ov.Host); s != "" {
		cfg.Server.Host = s
	}
	if ov.Port > 0 {
		cfg.Server.Port = ov.Port
	}
	if s := strings.TrimSpace(ov.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(ov.LogFormat); s != "" {
		cfg.Logging.Format = s
	}
	if s := strings.TrimSpace(ov.RedisAddr); s != "" {
		cfg.Actions.Redis.Addr = s
	}
	if ov.RedisPassword != "" {
		cfg.Actions.Redis.Password = ov.RedisPassword
	}
}

// EnvOverlay returns a ConfigManager override hook that re-reads the
// environment on every parse.
func EnvOverlay(lookuper envconfig.Lookuper) func(*Config) error {
	return func(cfg *Config) error {
		ov, err := LoadEnvOverrides(context.Background(), lookuper)
		if err != nil {
			return err
		}
		ov.Apply(cfg)
		return nil
	}
}
