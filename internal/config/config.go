package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PurchaseConfig tunes the purchase transaction and the reward rules shared by every box.
type PurchaseConfig struct {
	TopCooldown    time.Duration `yaml:"top_cooldown"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// ClickHouseConfig holds the audit warehouse connection.
type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// AuditConfig drives the audit consumer's anomaly rules.
type AuditConfig struct {
	ConsumerGroup      string        `yaml:"consumer_group"`
	FrequencyThreshold int           `yaml:"frequency_threshold"`
	FrequencyWindow    time.Duration `yaml:"frequency_window"`
}

// RateLimitConfig bounds purchases per account.
type RateLimitConfig struct {
	// Algorithm is "fixed" (INCR per window) or "sliding" (sorted set).
	Algorithm string        `yaml:"algorithm"`
	Limit     int           `yaml:"limit"`
	Window    time.Duration `yaml:"window"`
}

type Config struct {
	App struct {
		Env string `yaml:"env"`
		// Store selects the purchase store: "postgres" or "memory".
		Store string `yaml:"store"`
		// CatalogFile seeds boxes (and, for the memory store, accounts) at startup.
		CatalogFile string `yaml:"catalog_file"`
	} `yaml:"app"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Postgres struct {
		DSN       string `yaml:"dsn"`
		Isolation string `yaml:"isolation"`
	} `yaml:"postgres"`
	Kafka struct {
		BootstrapServers string `yaml:"bootstrap_servers"`
		Topic            string `yaml:"topic"`
		DLQTopic         string `yaml:"dlq_topic"`
	} `yaml:"kafka"`
	Redis struct {
		Addr       string          `yaml:"addr"`
		CatalogTTL time.Duration   `yaml:"catalog_ttl"`
		RateLimit  RateLimitConfig `yaml:"rate_limit"`
	} `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Jaeger     struct {
		PortGrpc string `yaml:"port_grpc"`
		// SampleRatio is the share of root spans exported, in (0,1].
		SampleRatio float64 `yaml:"sample_ratio"`
	} `yaml:"jaeger"`
	OIDC struct {
		URL      string `yaml:"url"`
		ClientID string `yaml:"client_id"`
	} `yaml:"oidc"`
	JWT struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"jwt"`
	Purchase PurchaseConfig `yaml:"purchase"`
	Audit    AuditConfig    `yaml:"audit"`
}

// Path returns the config file location, CONFIG_PATH overriding the default.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "configs/config.yaml"
}

func Load(configPath string) (*Config, error) {
	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return Parse(file)
}

// Parse expands environment variables in raw YAML, decodes it and applies defaults.
func Parse(raw []byte) (*Config, error) {
	config := &Config{}

	// First, we substitute environment variables into the raw YAML file.
	expandedFile := os.ExpandEnv(string(raw))

	if err := yaml.Unmarshal([]byte(expandedFile), config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "production"
	}
	if c.App.Store == "" {
		c.App.Store = "postgres"
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Postgres.Isolation == "" {
		c.Postgres.Isolation = "read_committed"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "purchases.completed"
	}
	if c.Kafka.DLQTopic == "" {
		c.Kafka.DLQTopic = c.Kafka.Topic + ".dlq"
	}
	if c.Redis.CatalogTTL == 0 {
		c.Redis.CatalogTTL = 30 * time.Second
	}
	if c.Redis.RateLimit.Algorithm == "" {
		c.Redis.RateLimit.Algorithm = "fixed"
	}
	if c.Redis.RateLimit.Limit == 0 {
		c.Redis.RateLimit.Limit = 30
	}
	if c.Redis.RateLimit.Window == 0 {
		c.Redis.RateLimit.Window = time.Minute
	}
	if c.Jaeger.SampleRatio == 0 {
		c.Jaeger.SampleRatio = 1
	}
	if c.Purchase.TopCooldown == 0 {
		c.Purchase.TopCooldown = 7 * 24 * time.Hour
	}
	if c.Purchase.MaxRetries == 0 {
		c.Purchase.MaxRetries = 3
	}
	if c.Purchase.RetryBaseDelay == 0 {
		c.Purchase.RetryBaseDelay = 10 * time.Millisecond
	}
	if c.Purchase.RetryMaxDelay == 0 {
		c.Purchase.RetryMaxDelay = 200 * time.Millisecond
	}
	if c.Audit.ConsumerGroup == "" {
		c.Audit.ConsumerGroup = "purchase-audit-group"
	}
	if c.Audit.FrequencyThreshold == 0 {
		c.Audit.FrequencyThreshold = 20
	}
	if c.Audit.FrequencyWindow == 0 {
		c.Audit.FrequencyWindow = time.Minute
	}
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	switch c.App.Store {
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required when app.store is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown app.store %q", c.App.Store)
	}
	switch c.Postgres.Isolation {
	case "read_committed", "repeatable_read", "serializable":
	default:
		return fmt.Errorf("unknown postgres.isolation %q", c.Postgres.Isolation)
	}
	switch c.Redis.RateLimit.Algorithm {
	case "fixed", "sliding":
	default:
		return fmt.Errorf("unknown redis.rate_limit.algorithm %q", c.Redis.RateLimit.Algorithm)
	}
	if c.Jaeger.SampleRatio < 0 || c.Jaeger.SampleRatio > 1 {
		return fmt.Errorf("jaeger.sample_ratio must be in (0,1]")
	}
	if c.Purchase.TopCooldown < 0 {
		return fmt.Errorf("purchase.top_cooldown must not be negative")
	}
	if c.Purchase.MaxRetries < 0 {
		return fmt.Errorf("purchase.max_retries must not be negative")
	}
	if c.Purchase.RetryMaxDelay < c.Purchase.RetryBaseDelay {
		return fmt.Errorf("purchase.retry_max_delay must be >= retry_base_delay")
	}
	return nil
}
