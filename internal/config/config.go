// Package config loads YAML configuration with environment overrides.
package config

import (
    "os"
    "strconv"
    "time"

    "gopkg.in/yaml.v3"
)

// Config is the top-level application configuration shared by the API
// server and the courier engine.
type Config struct {
    Listen string `yaml:"listen"`

    DatabaseURL  string `yaml:"database_url"`
    RedisURL     string `yaml:"redis_url"`
    KafkaBrokers string `yaml:"kafka_brokers"`
    Migrate      bool   `yaml:"migrate"`

    Auth     AuthConfig     `yaml:"auth"`
    Webhooks WebhookConfig  `yaml:"webhooks"`
    Ingest   IngestConfig   `yaml:"ingest"`
    Courier  CourierConfig  `yaml:"courier"`
}

type AuthConfig struct {
    Mode       string `yaml:"mode"` // dev, hmac, jwks
    HMACSecret string `yaml:"hmac_secret"`
    JWKSURL    string `yaml:"jwks_url"`
}

type WebhookConfig struct {
    MaxAttempts int `yaml:"max_attempts"`
}

// IngestConfig bounds the websocket position firehose per connection.
type IngestConfig struct {
    RateRPS   float64 `yaml:"rate_rps"`
    RateBurst int     `yaml:"rate_burst"`
}

// CourierConfig drives the driver-side engine.
type CourierConfig struct {
    APIBaseURL   string        `yaml:"api_base_url"`
    Token        string        `yaml:"token"`
    DriverID     string        `yaml:"driver_id"`
    SessionPath  string        `yaml:"session_path"`
    PollInterval time.Duration `yaml:"-"`
}

// UnmarshalYAML accepts poll_interval as a duration string ("30s") and
// leaves fields absent from the document at their current values.
func (c *CourierConfig) UnmarshalYAML(value *yaml.Node) error {
    var raw struct {
        APIBaseURL   string `yaml:"api_base_url"`
        Token        string `yaml:"token"`
        DriverID     string `yaml:"driver_id"`
        SessionPath  string `yaml:"session_path"`
        PollInterval string `yaml:"poll_interval"`
    }
    if err := value.Decode(&raw); err != nil {
        return err
    }
    if raw.APIBaseURL != "" { c.APIBaseURL = raw.APIBaseURL }
    if raw.Token != "" { c.Token = raw.Token }
    if raw.DriverID != "" { c.DriverID = raw.DriverID }
    if raw.SessionPath != "" { c.SessionPath = raw.SessionPath }
    if raw.PollInterval != "" {
        d, err := time.ParseDuration(raw.PollInterval)
        if err != nil {
            return err
        }
        c.PollInterval = d
    }
    return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
    return &Config{
        Listen:   ":8080",
        Migrate:  true,
        Auth:     AuthConfig{Mode: "dev"},
        Webhooks: WebhookConfig{MaxAttempts: 10},
        Ingest:   IngestConfig{RateRPS: 5, RateBurst: 10},
        Courier: CourierConfig{
            APIBaseURL:   "http://localhost:8080",
            SessionPath:  "courier.db",
            PollInterval: 30 * time.Second,
        },
    }
}

// Load reads path (when non-empty and present) and applies env overrides.
func Load(path string) (*Config, error) {
    cfg := Default()
    if path != "" {
        b, err := os.ReadFile(path)
        if err != nil {
            if !os.IsNotExist(err) {
                return nil, err
            }
        } else if err := yaml.Unmarshal(b, cfg); err != nil {
            return nil, err
        }
    }
    cfg.applyEnv()
    if cfg.PollIntervalOrDefault() <= 0 {
        cfg.Courier.PollInterval = 30 * time.Second
    }
    return cfg, nil
}

func (c *Config) applyEnv() {
    if v := os.Getenv("PORT"); v != "" { c.Listen = ":" + v }
    if v := os.Getenv("DATABASE_URL"); v != "" { c.DatabaseURL = v }
    if v := os.Getenv("REDIS_URL"); v != "" { c.RedisURL = v }
    if v := os.Getenv("KAFKA_BROKERS"); v != "" { c.KafkaBrokers = v }
    if v := os.Getenv("DB_MIGRATE"); v != "" { c.Migrate = v != "false" }
    if v := os.Getenv("AUTH_MODE"); v != "" { c.Auth.Mode = v }
    if v := os.Getenv("AUTH_HMAC_SECRET"); v != "" { c.Auth.HMACSecret = v }
    if v := os.Getenv("AUTH_JWKS_URL"); v != "" { c.Auth.JWKSURL = v }
    if v := os.Getenv("WEBHOOK_MAX_ATTEMPTS"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { c.Webhooks.MaxAttempts = n }
    }
    if v := os.Getenv("RATE_RPS"); v != "" {
        if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 { c.Ingest.RateRPS = f }
    }
    if v := os.Getenv("RATE_BURST"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { c.Ingest.RateBurst = n }
    }
    if v := os.Getenv("COURIER_API_URL"); v != "" { c.Courier.APIBaseURL = v }
    if v := os.Getenv("COURIER_TOKEN"); v != "" { c.Courier.Token = v }
    if v := os.Getenv("COURIER_DRIVER_ID"); v != "" { c.Courier.DriverID = v }
    if v := os.Getenv("COURIER_SESSION_PATH"); v != "" { c.Courier.SessionPath = v }
    if v := os.Getenv("COURIER_POLL_INTERVAL"); v != "" {
        if d, err := time.ParseDuration(v); err == nil && d > 0 { c.Courier.PollInterval = d }
    }
}

// PollIntervalOrDefault never returns zero: the poller must not spin.
func (c *Config) PollIntervalOrDefault() time.Duration {
    if c.Courier.PollInterval <= 0 {
        return 30 * time.Second
    }
    return c.Courier.PollInterval
}
