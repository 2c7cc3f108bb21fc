package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime settings for the settlement service
type Config struct {
	Env            string
	Debug          bool
	Port           string
	JWTSecret      string
	TokenTTL       time.Duration
	OperatorKey    string
	OperatorSecret string

	Database  Database
	Scheduler Scheduler
	Valuation Valuation
	Redis     Redis
	Kafka     Kafka
}

type Database struct {
	Driver string // sqlite or postgres
	DSN    string
}

type Scheduler struct {
	Enabled          bool
	Cron             string
	Workers          int
	MaxBackfillHours int
}

type Valuation struct {
	BaseURL       string
	APIKey        string
	ValuePath     string
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
	Mock          bool
}

type Redis struct {
	Addr    string
	LockTTL time.Duration
}

type Kafka struct {
	Brokers []string
	Topic   string
}

const defaultJWTSecret = "klear-secret-key"

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("debug", false)
	v.SetDefault("port", "8080")
	v.SetDefault("jwt_secret", defaultJWTSecret)
	v.SetDefault("token_ttl", 24*time.Hour)
	v.SetDefault("operator_api_key", "ops")
	v.SetDefault("operator_api_secret", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:profit.db?_busy_timeout=5000")

	v.SetDefault("scheduler.enabled", true)
	// minute five of every hour, leaves venues time to publish the hour's balances
	v.SetDefault("scheduler.cron", "0 5 * * * *")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.max_backfill_hours", 168)

	v.SetDefault("valuation.base_url", "")
	v.SetDefault("valuation.api_key", "")
	v.SetDefault("valuation.value_path", "data.total_usd")
	v.SetDefault("valuation.timeout", 10*time.Second)
	v.SetDefault("valuation.max_retries", 3)
	v.SetDefault("valuation.rate_per_second", 5.0)
	v.SetDefault("valuation.mock", false)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.lock_ttl", 2*time.Minute)

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "allocation.settled")
}

// Load reads configuration from the environment and, when CONFIG_FILE is set,
// from that file. Environment variables win over file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	cfg := &Config{
		Env:            v.GetString("env"),
		Debug:          v.GetBool("debug"),
		Port:           v.GetString("port"),
		JWTSecret:      v.GetString("jwt_secret"),
		TokenTTL:       v.GetDuration("token_ttl"),
		OperatorKey:    v.GetString("operator_api_key"),
		OperatorSecret: v.GetString("operator_api_secret"),
		Database: Database{
			Driver: v.GetString("database.driver"),
			DSN:    v.GetString("database.dsn"),
		},
		Scheduler: Scheduler{
			Enabled:          v.GetBool("scheduler.enabled"),
			Cron:             v.GetString("scheduler.cron"),
			Workers:          v.GetInt("scheduler.workers"),
			MaxBackfillHours: v.GetInt("scheduler.max_backfill_hours"),
		},
		Valuation: Valuation{
			BaseURL:       v.GetString("valuation.base_url"),
			APIKey:        v.GetString("valuation.api_key"),
			ValuePath:     v.GetString("valuation.value_path"),
			Timeout:       v.GetDuration("valuation.timeout"),
			MaxRetries:    v.GetInt("valuation.max_retries"),
			RatePerSecond: v.GetFloat64("valuation.rate_per_second"),
			Mock:          v.GetBool("valuation.mock"),
		},
		Redis: Redis{
			Addr:    v.GetString("redis.addr"),
			LockTTL: v.GetDuration("redis.lock_ttl"),
		},
		Kafka: Kafka{
			Brokers: splitList(v.GetString("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler workers must be at least 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.MaxBackfillHours < 1 {
		return fmt.Errorf("scheduler max backfill hours must be at least 1, got %d", c.Scheduler.MaxBackfillHours)
	}
	if c.Valuation.MaxRetries < 0 {
		return fmt.Errorf("valuation max retries must not be negative")
	}
	if c.IsProduction() && c.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("JWT_SECRET must be set in production")
	}
	if !c.Valuation.Mock && c.Valuation.BaseURL == "" {
		return fmt.Errorf("VALUATION_BASE_URL is required unless VALUATION_MOCK is enabled")
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
