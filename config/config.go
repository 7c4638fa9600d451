/*
config.go - Environment-driven server configuration

PURPOSE:
  Reads server and billing settings from the process environment, with an
  optional .env file loaded first. Values already in the environment win
  over the file.

KEYS:
  PORT                        HTTP port (8080)
  DB_PATH                     SQLite path (./billing.db)
  OVERTIME_THRESHOLD_HOURS    per-person run threshold (40)
  DEFAULT_OT_MULTIPLIER       fallback overtime multiplier (1.5)
  LABOR_TAX_RATE              tax on document subtotals (0)
  ACCOUNTING_SYNC_URL         webhook for committed documents; empty logs only
  ACCOUNTING_SYNC_TIMEOUT     per-push HTTP timeout (10s)
  SYNC_RETRY_ENABLED          run the retry scheduler (true)
  SYNC_RETRY_INTERVAL         retry tick (5m)
  LOG_LEVEL                   debug, info, warn, error (info)

Billing numbers are parsed as decimals and rejected when malformed rather
than silently defaulted; a bad threshold must stop the server from starting.
*/
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/labor-billing/billing"
)

type Config struct {
	Port   string
	DBPath string

	Billing billing.Settings

	AccountingSyncURL     string
	AccountingSyncTimeout time.Duration
	SyncRetryEnabled      bool
	SyncRetryInterval     time.Duration

	LogLevel slog.Level
}

// Load reads envFiles (if present) and then the environment.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := Config{
		Port:                  getenv("PORT", "8080"),
		DBPath:                getenv("DB_PATH", "./billing.db"),
		AccountingSyncURL:     getenv("ACCOUNTING_SYNC_URL", ""),
		AccountingSyncTimeout: getDuration("ACCOUNTING_SYNC_TIMEOUT", 10*time.Second),
		SyncRetryEnabled:      getBool("SYNC_RETRY_ENABLED", true),
		SyncRetryInterval:     getDuration("SYNC_RETRY_INTERVAL", 5*time.Minute),
	}

	defaults := billing.DefaultSettings()
	var err error
	if cfg.Billing.WeeklyOvertimeThreshold, err = getDecimal("OVERTIME_THRESHOLD_HOURS", defaults.WeeklyOvertimeThreshold); err != nil {
		return Config{}, err
	}
	if cfg.Billing.DefaultOvertimeMultiplier, err = getDecimal("DEFAULT_OT_MULTIPLIER", defaults.DefaultOvertimeMultiplier); err != nil {
		return Config{}, err
	}
	if cfg.Billing.LaborTaxRate, err = getDecimal("LABOR_TAX_RATE", defaults.LaborTaxRate); err != nil {
		return Config{}, err
	}
	if err := cfg.Billing.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.LogLevel, err = parseLevel(getenv("LOG_LEVEL", "info")); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, &billing.ConfigError{Field: "LOG_LEVEL", Reason: err.Error()}
	}
	return level, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getDecimal(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(v))
	if err != nil {
		return decimal.Zero, &billing.ConfigError{Field: key, Reason: fmt.Sprintf("not a number: %q", v)}
	}
	return d, nil
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
