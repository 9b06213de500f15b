package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/caesar-terminal/depthbook/internal/feed"
)

// Config holds all application configuration.
type Config struct {
	Env        string `mapstructure:"env"`
	Feed       FeedConfig
	Controller ControllerConfig
	Log        LogConfig
	HTTP       HTTPConfig
	GRPC       GRPCConfig
	Health     HealthConfig
	Redis      RedisConfig
}

// FeedConfig holds the book feed endpoint and protocol timing.
type FeedConfig struct {
	URL                string `mapstructure:"url"`
	Tag                string `mapstructure:"tag"`
	Primary            string `mapstructure:"primary"`
	Alternate          string `mapstructure:"alternate"`
	SettleMS           int    `mapstructure:"settle_ms"`
	ThrottleMS         int    `mapstructure:"throttle_ms"`
	HandshakeTimeoutMS int    `mapstructure:"handshake_timeout_ms"`
	ReadBuffer         int    `mapstructure:"read_buffer"`
	WriteBuffer        int    `mapstructure:"write_buffer"`
}

func (f FeedConfig) Settle() time.Duration   { return ms(f.SettleMS) }
func (f FeedConfig) Throttle() time.Duration { return ms(f.ThrottleMS) }
func (f FeedConfig) HandshakeTimeout() time.Duration {
	return ms(f.HandshakeTimeoutMS)
}

// ControllerConfig governs connect and reconnect behaviour.
type ControllerConfig struct {
	Autoconnect      bool `mapstructure:"autoconnect"`
	Reconnect        bool `mapstructure:"reconnect"`
	ReconnectDelayMS int  `mapstructure:"reconnect_delay_ms"`
	ConfirmChanges   bool `mapstructure:"confirm_changes"`
	ConfirmTimeoutMS int  `mapstructure:"confirm_timeout_ms"`
}

func (c ControllerConfig) ReconnectDelay() time.Duration { return ms(c.ReconnectDelayMS) }
func (c ControllerConfig) ConfirmTimeout() time.Duration { return ms(c.ConfirmTimeoutMS) }

// LogConfig holds logger settings. File is optional; when set, logs are
// also written to a rotating file.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// GRPCConfig holds the BookService listener. Network is "unix" or "tcp".
type GRPCConfig struct {
	Network string `mapstructure:"network"`
	Address string `mapstructure:"address"`
}

type HealthConfig struct {
	StaleMS   int `mapstructure:"stale_ms"`
	CoolOffMS int `mapstructure:"cool_off_ms"`
}

func (h HealthConfig) Stale() time.Duration   { return ms(h.StaleMS) }
func (h HealthConfig) CoolOff() time.Duration { return ms(h.CoolOffMS) }

// RedisConfig holds Redis connection settings. An empty Addr disables the
// top-of-book sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// LoadDotEnv loads variables from a .env file into the environment. A
// missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables prefixed with
// DEPTHBOOK_. When file is non-empty it is read first; the environment
// still takes precedence.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEPTHBOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("env", "development")

	// Feed defaults
	v.SetDefault("feed.url", feed.DefaultURL)
	v.SetDefault("feed.tag", feed.BookUIFeed)
	v.SetDefault("feed.primary", "PI_XBTUSD")
	v.SetDefault("feed.alternate", "PI_ETHUSD")
	v.SetDefault("feed.settle_ms", feed.DefaultSettle.Milliseconds())
	v.SetDefault("feed.throttle_ms", feed.DefaultThrottle.Milliseconds())
	v.SetDefault("feed.handshake_timeout_ms", 10000)
	v.SetDefault("feed.read_buffer", 4096)
	v.SetDefault("feed.write_buffer", 4096)

	// Controller defaults
	v.SetDefault("controller.autoconnect", true)
	v.SetDefault("controller.reconnect", false)
	v.SetDefault("controller.reconnect_delay_ms", 2000)
	v.SetDefault("controller.confirm_changes", false)
	v.SetDefault("controller.confirm_timeout_ms", 5000)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	// Surfaces
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("grpc.network", "unix")
	v.SetDefault("grpc.address", "/tmp/depthbook.sock")
	v.SetDefault("health.stale_ms", 5000)
	v.SetDefault("health.cool_off_ms", 2000)

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("env")

	cfg.Feed = FeedConfig{
		URL:                v.GetString("feed.url"),
		Tag:                v.GetString("feed.tag"),
		Primary:            v.GetString("feed.primary"),
		Alternate:          v.GetString("feed.alternate"),
		SettleMS:           v.GetInt("feed.settle_ms"),
		ThrottleMS:         v.GetInt("feed.throttle_ms"),
		HandshakeTimeoutMS: v.GetInt("feed.handshake_timeout_ms"),
		ReadBuffer:         v.GetInt("feed.read_buffer"),
		WriteBuffer:        v.GetInt("feed.write_buffer"),
	}

	cfg.Controller = ControllerConfig{
		Autoconnect:      v.GetBool("controller.autoconnect"),
		Reconnect:        v.GetBool("controller.reconnect"),
		ReconnectDelayMS: v.GetInt("controller.reconnect_delay_ms"),
		ConfirmChanges:   v.GetBool("controller.confirm_changes"),
		ConfirmTimeoutMS: v.GetInt("controller.confirm_timeout_ms"),
	}

	cfg.Log = LogConfig{
		Level:      v.GetString("log.level"),
		File:       v.GetString("log.file"),
		MaxSizeMB:  v.GetInt("log.max_size_mb"),
		MaxBackups: v.GetInt("log.max_backups"),
		MaxAgeDays: v.GetInt("log.max_age_days"),
	}

	cfg.HTTP = HTTPConfig{Addr: v.GetString("http.addr")}
	cfg.GRPC = GRPCConfig{
		Network: v.GetString("grpc.network"),
		Address: v.GetString("grpc.address"),
	}
	cfg.Health = HealthConfig{
		StaleMS:   v.GetInt("health.stale_ms"),
		CoolOffMS: v.GetInt("health.cool_off_ms"),
	}

	cfg.Redis = RedisConfig{
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Feed.URL)
	if err != nil {
		return fmt.Errorf("feed.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("feed.url: scheme must be ws or wss, got %q", u.Scheme)
	}
	if c.Feed.Tag == "" {
		return errors.New("feed.tag is required")
	}
	if c.Feed.Primary == "" || c.Feed.Alternate == "" {
		return errors.New("feed.primary and feed.alternate are required")
	}
	if c.Feed.SettleMS < 0 {
		return fmt.Errorf("feed.settle_ms must not be negative, got %d", c.Feed.SettleMS)
	}
	if c.Feed.ThrottleMS <= 0 {
		return fmt.Errorf("feed.throttle_ms must be positive, got %d", c.Feed.ThrottleMS)
	}
	if c.Controller.ConfirmChanges && c.Controller.ConfirmTimeoutMS <= 0 {
		return errors.New("controller.confirm_timeout_ms must be positive when confirm_changes is set")
	}
	if c.Controller.Reconnect && c.Controller.ReconnectDelayMS < 0 {
		return errors.New("controller.reconnect_delay_ms must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.GRPC.Network != "unix" && c.GRPC.Network != "tcp" {
		return fmt.Errorf("grpc.network must be unix or tcp, got %q", c.GRPC.Network)
	}
	return nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
