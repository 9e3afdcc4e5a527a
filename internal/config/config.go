package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
// It is assembled once at process start and handed to every component.
type Config struct {
	DatabaseURL string `mapstructure:"database_url" validate:"required"`
	RedisURL    string `mapstructure:"redis_url"`
	NATSURL     string `mapstructure:"nats_url"`
	Port        string `mapstructure:"port" validate:"required,numeric"`

	Bridge      BridgeConfig      `mapstructure:"bridge"`
	Autopilot   AutopilotConfig   `mapstructure:"autopilot"`
	Auth        AuthConfig        `mapstructure:"auth"`
	KPI         KPIConfig         `mapstructure:"kpi"`
	Remediation RemediationConfig `mapstructure:"remediation"`
}

// BridgeConfig configures the partner outbox/inbox bridge.
// PartnerURL and SigningSecret may be empty at load time; the bridge refuses
// to run (configuration error) until both are set.
type BridgeConfig struct {
	PartnerURL      string        `mapstructure:"partner_url" validate:"omitempty,url"`
	SigningSecret   string        `mapstructure:"signing_secret"`
	HeaderPrefix    string        `mapstructure:"header_prefix" validate:"required"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	DefaultMaxBatch int           `mapstructure:"default_max_batch" validate:"gte=1,lte=100"`
	MaxAttempts     int           `mapstructure:"max_attempts" validate:"gte=1"`
	StaleAfter      time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	Source          string        `mapstructure:"source" validate:"required"`
	DispatchEvery   time.Duration `mapstructure:"dispatch_interval" validate:"gt=0"`
}

type AutopilotConfig struct {
	CronSecret     string        `mapstructure:"cron_secret"`
	CronSecretHash string        `mapstructure:"cron_secret_hash"` // bcrypt
	MaxIncidents   int           `mapstructure:"max_incidents" validate:"gte=1,lte=500"`
	Interval       time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type KPIConfig struct {
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type RemediationConfig struct {
	// Transport used to emit corrective signals: redis, nats or db
	Transport string `mapstructure:"transport" validate:"oneof=redis nats db"`
}

// BridgeReady reports whether outbound dispatch and inbound verification can run
func (c *Config) BridgeReady() bool {
	return c.Bridge.PartnerURL != "" && c.Bridge.SigningSecret != ""
}

// Load reads configuration from an optional YAML file and environment variables
func Load(path string) (*Config, error) {
	// Auto-load .env file if present (Local Development Convenience)
	if err := godotenv.Load(); err == nil {
		log.Println("✅ Loaded .env file")
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("bridge.header_prefix", "x-opsbridge")
	v.SetDefault("bridge.request_timeout", "10s")
	v.SetDefault("bridge.default_max_batch", 20)
	v.SetDefault("bridge.max_attempts", 5)
	v.SetDefault("bridge.stale_after", "5m")
	v.SetDefault("bridge.source", "opsbridge")
	v.SetDefault("bridge.dispatch_interval", "30s")
	v.SetDefault("autopilot.max_incidents", 50)
	v.SetDefault("autopilot.interval", "1m")
	v.SetDefault("kpi.interval", "24h")
	v.SetDefault("remediation.transport", "db")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("opsbridge")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("opsbridge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("nats_url", "NATS_URL")
	_ = v.BindEnv("port", "PORT")

	_ = v.BindEnv("bridge.partner_url", "PARTNER_WEBHOOK_URL")
	_ = v.BindEnv("bridge.signing_secret", "BRIDGE_SIGNING_SECRET")
	_ = v.BindEnv("autopilot.cron_secret", "AUTOPILOT_CRON_SECRET")
	_ = v.BindEnv("autopilot.cron_secret_hash", "AUTOPILOT_CRON_SECRET_HASH")
	_ = v.BindEnv("auth.jwt_secret", "AUTH_JWT_SECRET")
	_ = v.BindEnv("auth.issuer", "AUTH_ISSUER")
	_ = v.BindEnv("remediation.transport", "REMEDIATION_TRANSPORT")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("ℹ️  No config file found, using defaults and environment variables")
		} else {
			return nil, fmt.Errorf("read config error: %w", err)
		}
	} else {
		log.Printf("✅ Loaded config from: %s", v.ConfigFileUsed())
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	if err := validator.New().Struct(c); err != nil {
		return nil, fmt.Errorf("validate config error: %w", err)
	}

	if !c.BridgeReady() {
		log.Println("⚠️  Partner bridge is not configured (partner_url/signing_secret); dispatch and callbacks will be refused")
	}

	return &c, nil
}
