package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Port                  string `mapstructure:"PORT"`
	Env                   string `mapstructure:"ENV"`
	LogLevel              string `mapstructure:"LOG_LEVEL"`
	StoreDriver           string `mapstructure:"STORE_DRIVER"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32  `mapstructure:"DB_MIN_CONNS"`
	SQLitePath            string `mapstructure:"SQLITE_PATH"`
	ClinicTimezone        string `mapstructure:"CLINIC_TIMEZONE"`
	RoomConflictCheck     bool   `mapstructure:"ROOM_CONFLICT_CHECK"`
	RateLimitPerMinute    int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst        int    `mapstructure:"RATE_LIMIT_BURST"`
	ClinicRateLimitPerMin int    `mapstructure:"CLINIC_RATE_LIMIT_PER_MIN"`
	ClinicRateLimitBurst  int    `mapstructure:"CLINIC_RATE_LIMIT_BURST"`
	OTLPEndpoint          string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure          bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DB_MAX_CONNS", "DB_MIN_CONNS", "SQLITE_PATH",
	"CLINIC_TIMEZONE", "ROOM_CONFLICT_CHECK", "RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST",
	"CLINIC_RATE_LIMIT_PER_MIN", "CLINIC_RATE_LIMIT_BURST",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SQLITE_PATH", "queue.db")
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("ROOM_CONFLICT_CHECK", true)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("CLINIC_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("CLINIC_RATE_LIMIT_BURST", 120)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}
	// DB_DSN is accepted for older deployments.
	_ = v.BindEnv("DATABASE_URL", "DATABASE_URL", "DB_DSN")

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE, the fallback zone for clinics without one.
func (c *Config) Location() (*time.Location, error) {
	if c.ClinicTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

func (c *Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
		if c.DBMaxConns <= 0 {
			return fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns)
		}
		if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS, got %d", c.DBMinConns)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q, %q or %q, got %q", DriverPostgres, DriverSQLite, DriverMemory, c.StoreDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
