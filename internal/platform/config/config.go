package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Webhooks  WebhooksConfig  `mapstructure:"webhooks"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// RedisConfig is optional; an empty Addr disables delivery analytics.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Retention time.Duration `mapstructure:"retention"`
}

type JWTConfig struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type RateLimitConfig struct {
	APIReadPerMinute  int `mapstructure:"api_read_per_minute"`
	APIWritePerMinute int `mapstructure:"api_write_per_minute"`
	TriggerPerMinute  int `mapstructure:"trigger_per_minute"`
}

type WebhooksConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	Multiplier        float64       `mapstructure:"multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	DeliveryTimeout   time.Duration `mapstructure:"delivery_timeout"`
	ProbeTimeout      time.Duration `mapstructure:"probe_timeout"`
	RetryWorkers      int           `mapstructure:"retry_workers"`
	MaxPendingRetries int           `mapstructure:"max_pending_retries"`
	FanoutLimit       int           `mapstructure:"fanout_limit"`
	LogRetention      time.Duration `mapstructure:"log_retention"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.url", "file:data/pricedeck.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("redis.retention", 7*24*time.Hour)

	v.SetDefault("jwt.issuer", "pricedeck")

	v.SetDefault("rate_limit.api_read_per_minute", 1000)
	v.SetDefault("rate_limit.api_write_per_minute", 100)
	v.SetDefault("rate_limit.trigger_per_minute", 300)

	v.SetDefault("webhooks.max_attempts", 3)
	v.SetDefault("webhooks.base_delay", time.Second)
	v.SetDefault("webhooks.multiplier", 2.0)
	v.SetDefault("webhooks.max_delay", 30*time.Second)
	v.SetDefault("webhooks.delivery_timeout", 10*time.Second)
	v.SetDefault("webhooks.probe_timeout", 5*time.Second)
	v.SetDefault("webhooks.retry_workers", 4)
	v.SetDefault("webhooks.max_pending_retries", 10000)
	v.SetDefault("webhooks.fanout_limit", 0)
	v.SetDefault("webhooks.log_retention", 30*24*time.Hour)
	v.SetDefault("webhooks.retention_interval", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Load reads the YAML file at path. Every key can be overridden from the
// environment, e.g. WEBHOOKS_MAX_ATTEMPTS=5. An empty path loads defaults
// and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
