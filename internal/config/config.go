package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Fpm         FpmConfig         `mapstructure:"fpm"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Flush       FlushConfig       `mapstructure:"flush"`
	WarmRestart WarmRestartConfig `mapstructure:"warm_restart"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

type FpmConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	ApplDB   int    `mapstructure:"appl_db"`
	ConfigDB int    `mapstructure:"config_db"`
	StateDB  int    `mapstructure:"state_db"`
}

type FlushConfig struct {
	TimeoutMS    int `mapstructure:"timeout_ms"`
	SmallTraffic int `mapstructure:"small_traffic"`
}

type WarmRestartConfig struct {
	DefaultIntervalSec int `mapstructure:"default_interval_sec"`
	DefaultEoiuHoldSec int `mapstructure:"default_eoiu_hold_sec"`
}

type AdminConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func (f FlushConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutMS) * time.Millisecond
}

func (w WarmRestartConfig) DefaultInterval() time.Duration {
	return time.Duration(w.DefaultIntervalSec) * time.Second
}

func (w WarmRestartConfig) DefaultEoiuHold() time.Duration {
	return time.Duration(w.DefaultEoiuHoldSec) * time.Second
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("fpm.listen_addr", ":2620")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.appl_db", 0)
	v.SetDefault("redis.config_db", 4)
	v.SetDefault("redis.state_db", 6)
	v.SetDefault("flush.timeout_ms", 500)
	v.SetDefault("flush.small_traffic", 500)
	v.SetDefault("warm_restart.default_interval_sec", 120)
	v.SetDefault("warm_restart.default_eoiu_hold_sec", 3)
	v.SetDefault("admin.enabled", true)
	v.SetDefault("admin.listen_addr", ":9092")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Environment variable support
	v.SetEnvPrefix("FPMSYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("redis.password", "FPMSYNCD_REDIS_PASSWORD")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("fpmsyncd")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/fpmsyncd")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Fpm.ListenAddr == "" {
		return fmt.Errorf("fpm.listen_addr is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	for name, db := range map[string]int{
		"redis.appl_db":   c.Redis.ApplDB,
		"redis.config_db": c.Redis.ConfigDB,
		"redis.state_db":  c.Redis.StateDB,
	} {
		if db < 0 || db > 15 {
			return fmt.Errorf("%s must be between 0 and 15, got %d", name, db)
		}
	}
	if c.Redis.ApplDB == c.Redis.ConfigDB || c.Redis.ApplDB == c.Redis.StateDB || c.Redis.ConfigDB == c.Redis.StateDB {
		return fmt.Errorf("redis database indexes must be distinct")
	}
	if c.Flush.TimeoutMS < 1 {
		return fmt.Errorf("flush.timeout_ms must be >= 1")
	}
	if c.Flush.SmallTraffic < 1 {
		return fmt.Errorf("flush.small_traffic must be >= 1")
	}
	if c.WarmRestart.DefaultIntervalSec < 1 {
		return fmt.Errorf("warm_restart.default_interval_sec must be >= 1")
	}
	if c.Admin.Enabled && c.Admin.ListenAddr == "" {
		return fmt.Errorf("admin.listen_addr is required when admin.enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	return nil
}
