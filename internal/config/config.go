// Package config loads CLI configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL         string `mapstructure:"DATABASE_URL"`
	MigrationsDir       string `mapstructure:"MIGRATIONS_DIR"`
	SharedMigrationsDir string `mapstructure:"SHARED_MIGRATIONS_DIR"`
	MigrationsTable     string `mapstructure:"MIGRATIONS_TABLE"`
	SharedTable         string `mapstructure:"SHARED_MIGRATIONS_TABLE"`
	TableFormat         string `mapstructure:"TABLE_FORMAT"`
	SchemaPrefix        string `mapstructure:"SCHEMA_PREFIX"`
	MaxPools            int    `mapstructure:"MAX_POOLS"`
	PoolTTLMs           int    `mapstructure:"POOL_TTL_MS"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32  `mapstructure:"DB_MIN_CONNS"`
	Concurrency         int    `mapstructure:"CONCURRENCY"`
	Tenants             string `mapstructure:"TENANTS"`
	LogLevel            string `mapstructure:"LOG_LEVEL"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("SHARED_MIGRATIONS_DIR", "migrations/shared")
	v.SetDefault("TABLE_FORMAT", "auto")
	v.SetDefault("SCHEMA_PREFIX", "tenant_")
	v.SetDefault("MAX_POOLS", 50)
	v.SetDefault("POOL_TTL_MS", 0)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CONCURRENCY", 10)
	v.SetDefault("LOG_LEVEL", "info")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("DATABASE_URL")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("SHARED_MIGRATIONS_DIR")
	v.BindEnv("MIGRATIONS_TABLE")
	v.BindEnv("SHARED_MIGRATIONS_TABLE")
	v.BindEnv("TABLE_FORMAT")
	v.BindEnv("SCHEMA_PREFIX")
	v.BindEnv("MAX_POOLS")
	v.BindEnv("POOL_TTL_MS")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CONCURRENCY")
	v.BindEnv("TENANTS")
	v.BindEnv("LOG_LEVEL")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

// TenantList splits the comma-separated TENANTS value.
func (c *Config) TenantList() []string {
	if c.Tenants == "" {
		return nil
	}
	parts := strings.Split(c.Tenants, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PoolTTL converts POOL_TTL_MS to a duration; zero disables the TTL sweep.
func (c *Config) PoolTTL() time.Duration {
	return time.Duration(c.PoolTTLMs) * time.Millisecond
}

// SchemaName applies the SCHEMA_PREFIX template, folding dashes to
// underscores.
func (c *Config) SchemaName(tenantID string) string {
	return c.SchemaPrefix + strings.ReplaceAll(tenantID, "-", "_")
}
