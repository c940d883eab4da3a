package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds server-level config.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// StoreConfig holds the SQLite store config.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// LedgerConfig holds repayment-ledger tunables.
type LedgerConfig struct {
	DefaultGracePeriodDays int    `yaml:"default_grace_period_days"`
	LateFeeFlatAmount      string `yaml:"late_fee_flat_amount"` // decimal string, e.g. "50.00"
	SweepIntervalSeconds   int    `yaml:"sweep_interval_seconds"`
}

// SweepInterval is the reconciliation sweep period as a duration.
func (c LedgerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the full application configuration.
type AppConfig struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Ledger LedgerConfig `yaml:"ledger"`
	Log    LogConfig    `yaml:"log"`
}

// Load reads the .env file (if any), then the YAML config named by
// CONFIG_PATH, applies defaults and validates.
func Load() (*AppConfig, error) {
	_ = godotenv.Load() // absent .env is fine

	path := GetEnvOrDefaultAsString("CONFIG_PATH", "configs/config.yaml")
	return LoadFile(path)
}

// LoadFile reads and validates a YAML config file. A missing file yields the
// defaults, so the binary runs out of the box.
func LoadFile(path string) (*AppConfig, error) {
	var cfg AppConfig
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = GetEnvOrDefaultAsInt("SERVER_PORT", 8080)
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = GetEnvOrDefaultAsString("STORE_PATH", "ledger.db")
	}
	if cfg.Ledger.DefaultGracePeriodDays == 0 {
		cfg.Ledger.DefaultGracePeriodDays = GetEnvOrDefaultAsInt("DEFAULT_GRACE_PERIOD_DAYS", 5)
	}
	if cfg.Ledger.LateFeeFlatAmount == "" {
		cfg.Ledger.LateFeeFlatAmount = GetEnvOrDefaultAsString("LATE_FEE_FLAT_AMOUNT", "50.00")
	}
	if cfg.Ledger.SweepIntervalSeconds == 0 {
		cfg.Ledger.SweepIntervalSeconds = GetEnvOrDefaultAsInt("SWEEP_INTERVAL_SECONDS", 3600)
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = GetEnvOrDefaultAsString("LOG_LEVEL", "info")
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port, got %d", cfg.Server.Port)
	}
	if cfg.Ledger.DefaultGracePeriodDays < 0 {
		return fmt.Errorf("ledger.default_grace_period_days must not be negative, got %d", cfg.Ledger.DefaultGracePeriodDays)
	}
	if cfg.Ledger.SweepIntervalSeconds < 1 {
		return fmt.Errorf("ledger.sweep_interval_seconds must be at least one second, got %d", cfg.Ledger.SweepIntervalSeconds)
	}
	return nil
}

// GetEnvOrDefaultAsInt returns the env variable as an int, or the default if
// unset or invalid.
func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return int(value)
}

func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return defaultVal
}
