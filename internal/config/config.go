package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration shape. YAML and TOML files are both
// accepted; the decoder is picked from the file extension.
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server"`
	Database DatabaseConfig `yaml:"database" toml:"database"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth"`
	Ledger   LedgerConfig   `yaml:"ledger" toml:"ledger"`
	Market   MarketConfig   `yaml:"market" toml:"market"`
	Pricing  PricingConfig  `yaml:"pricing" toml:"pricing"`
	Log      LogConfig      `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Port        string   `yaml:"port" toml:"port"`
	Env         string   `yaml:"env" toml:"env"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite or postgres
	DSN    string `yaml:"dsn" toml:"dsn"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	APIKey    string `yaml:"api_key" toml:"api_key"`
	APISecret string `yaml:"api_secret" toml:"api_secret"`
}

type LedgerConfig struct {
	// Replacing more existing rows than this needs explicit confirmation.
	// A negative value disables the check.
	ConfirmThreshold      int64  `yaml:"confirm_threshold" toml:"confirm_threshold"`
	ExcludedProductPrefix string `yaml:"excluded_product_prefix" toml:"excluded_product_prefix"`
}

type MarketConfig struct {
	Timezone      string `yaml:"timezone" toml:"timezone"`
	ProductPrefix string `yaml:"product_prefix" toml:"product_prefix"`
}

type PricingConfig struct {
	Workers int `yaml:"workers" toml:"workers"`
	// Zero disables the periodic recompute.
	ScheduleInterval time.Duration `yaml:"schedule_interval" toml:"schedule_interval"`
	TrailingWindow   time.Duration `yaml:"trailing_window" toml:"trailing_window"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

// Defaults returns the configuration used when a key is absent.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: "8080",
			Env:  "development",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "afrr.db",
		},
		Ledger: LedgerConfig{
			ConfirmThreshold:      10000,
			ExcludedProductPrefix: "POS",
		},
		Market: MarketConfig{
			Timezone:      "Europe/Berlin",
			ProductPrefix: "NEG",
		},
		Pricing: PricingConfig{
			Workers:        4,
			TrailingWindow: 48 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path on top of Defaults, loads a .env file when
// present and applies AFRR_* environment overrides, then validates.
// An empty path skips the file and uses defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Server.Port, "AFRR_PORT")
	setStr(&cfg.Server.Port, "PORT")
	setStr(&cfg.Server.Env, "AFRR_ENV")
	setStr(&cfg.Server.Env, "ENV")
	setList(&cfg.Server.CORSOrigins, "AFRR_CORS_ORIGINS")

	setStr(&cfg.Database.Driver, "AFRR_DB_DRIVER")
	setStr(&cfg.Database.DSN, "AFRR_DB_DSN")

	setStr(&cfg.Auth.JWTSecret, "AFRR_JWT_SECRET")
	setStr(&cfg.Auth.APIKey, "AFRR_API_KEY")
	setStr(&cfg.Auth.APISecret, "AFRR_API_SECRET")

	setInt64(&cfg.Ledger.ConfirmThreshold, "AFRR_CONFIRM_THRESHOLD")
	setStr(&cfg.Ledger.ExcludedProductPrefix, "AFRR_EXCLUDED_PRODUCT_PREFIX")

	setStr(&cfg.Market.Timezone, "AFRR_MARKET_TIMEZONE")
	setStr(&cfg.Market.ProductPrefix, "AFRR_PRODUCT_PREFIX")

	setInt(&cfg.Pricing.Workers, "AFRR_PRICING_WORKERS")
	setDuration(&cfg.Pricing.ScheduleInterval, "AFRR_PRICING_SCHEDULE_INTERVAL")
	setDuration(&cfg.Pricing.TrailingWindow, "AFRR_PRICING_TRAILING_WINDOW")

	setStr(&cfg.Log.Level, "AFRR_LOG_LEVEL")
	if os.Getenv("DEBUG") == "true" {
		cfg.Log.Level = "debug"
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Server.Env == "production" && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required in production"))
	}
	if c.Market.ProductPrefix == "" {
		errs = append(errs, errors.New("market.product_prefix is required"))
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("market.timezone: %w", err))
	}
	if c.Pricing.Workers < 1 {
		errs = append(errs, errors.New("pricing.workers must be at least 1"))
	}
	if c.Pricing.ScheduleInterval > 0 && c.Pricing.TrailingWindow <= 0 {
		errs = append(errs, errors.New("pricing.trailing_window is required when the schedule is enabled"))
	}

	return errors.Join(errs...)
}

// Location returns the market timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
