// Package config binds the agent and verifier settings from flags,
// environment and an optional config file, in that precedence order.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	OrganizationID string

	Redis struct {
		Host          string
		Port          int
		Password      string
		StreamPattern string
		Group         string
		ConsumerName  string
	}

	S3 struct {
		Bucket    string
		Region    string
		AccessKey string
		SecretKey string
	}

	NEAR struct {
		Account  string
		Network  string
		Contract string
	}

	Batch struct {
		MaxSize     int
		MinSize     int
		ReadTimeout time.Duration
		ForceFlush  time.Duration
	}

	Timezone string
}

// envBindings maps config keys to the environment variables the reference
// deployment uses. These names predate this tool, so they do not share one
// prefix.
var envBindings = map[string]string{
	"organization_id": "ETRAP_ORG_ID",
	"redis.host":      "REDIS_HOST",
	"redis.port":      "REDIS_PORT",
	"redis.password":  "REDIS_PASSWORD",
	"s3.bucket":       "ETRAP_S3_BUCKET",
	"s3.region":       "AWS_DEFAULT_REGION",
	"s3.access_key":   "AWS_ACCESS_KEY_ID",
	"s3.secret_key":   "AWS_SECRET_ACCESS_KEY",
	"near.account":    "NEAR_ACCOUNT",
	"near.network":    "NEAR_ENV",
	"timezone":        "ETRAP_TIMEZONE",
}

// SetDefaults installs defaults and environment bindings on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.stream_pattern", "etrap.public.*")
	v.SetDefault("redis.group", "etrap-agent")
	v.SetDefault("redis.consumer_name", "agent-1")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("near.network", "testnet")
	v.SetDefault("batch.max_size", 1000)
	v.SetDefault("batch.min_size", 1)
	v.SetDefault("batch.read_timeout", "60s")
	v.SetDefault("batch.force_flush", "300s")

	for key, env := range envBindings {
		_ = v.BindEnv(key, env)
	}
}

// Load resolves a Config from v.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	cfg.OrganizationID = v.GetString("organization_id")
	cfg.Timezone = v.GetString("timezone")

	cfg.Redis.Host = v.GetString("redis.host")
	cfg.Redis.Port = v.GetInt("redis.port")
	cfg.Redis.Password = v.GetString("redis.password")
	cfg.Redis.StreamPattern = v.GetString("redis.stream_pattern")
	cfg.Redis.Group = v.GetString("redis.group")
	cfg.Redis.ConsumerName = v.GetString("redis.consumer_name")

	cfg.S3.Bucket = v.GetString("s3.bucket")
	cfg.S3.Region = v.GetString("s3.region")
	cfg.S3.AccessKey = v.GetString("s3.access_key")
	cfg.S3.SecretKey = v.GetString("s3.secret_key")

	cfg.NEAR.Account = v.GetString("near.account")
	cfg.NEAR.Network = v.GetString("near.network")
	cfg.NEAR.Contract = v.GetString("near.contract")
	if cfg.NEAR.Contract == "" {
		// By convention the organisation account hosts the contract.
		cfg.NEAR.Contract = cfg.NEAR.Account
	}

	cfg.Batch.MaxSize = v.GetInt("batch.max_size")
	cfg.Batch.MinSize = v.GetInt("batch.min_size")
	cfg.Batch.ReadTimeout = v.GetDuration("batch.read_timeout")
	cfg.Batch.ForceFlush = v.GetDuration("batch.force_flush")

	return cfg, nil
}

// RedisAddr returns the broker address in host:port form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// ValidateAgent checks the settings the agent cannot run without.
func (c *Config) ValidateAgent() error {
	if c.OrganizationID == "" {
		return fmt.Errorf("organization id not set (ETRAP_ORG_ID)")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3 bucket not set (ETRAP_S3_BUCKET)")
	}
	if c.NEAR.Account == "" {
		return fmt.Errorf("near account not set (NEAR_ACCOUNT)")
	}
	return nil
}

// Location resolves the configured timezone; empty means the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
