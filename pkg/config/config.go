// Package config loads notesync settings from an optional YAML file with NOTESYNC_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`
	Server struct {
		Addr             string        `mapstructure:"addr"`
		KeepAlive        time.Duration `mapstructure:"keepalive"`
		SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
		ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
		// ReadOnly lists display names that may watch but not edit.
		ReadOnly []string `mapstructure:"read_only"`
	} `mapstructure:"server"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		Workers   int      `mapstructure:"workers"`
		QueueSize int      `mapstructure:"queue_size"`
		MaxRetry  int      `mapstructure:"max_retry"`
	} `mapstructure:"kafka"`
	Client struct {
		URL            string        `mapstructure:"url"`
		Name           string        `mapstructure:"name"`
		ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	} `mapstructure:"client"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("server.addr", "localhost:8080")
	v.SetDefault("server.keepalive", 30*time.Second)
	v.SetDefault("server.snapshot_interval", 5*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.read_only", []string{})
	v.SetDefault("store.path", "notesync.sqlite3")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presence_ttl", time.Minute)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "notesync.notes")
	v.SetDefault("kafka.workers", 2)
	v.SetDefault("kafka.queue_size", 1024)
	v.SetDefault("kafka.max_retry", 3)
	v.SetDefault("client.url", "http://localhost:8080")
	v.SetDefault("client.name", "anonymous")
	v.SetDefault("client.reconnect_delay", time.Second)
}

// Load reads path, or notesync.yaml from the working directory or ./config when path is empty. A missing default
// file is fine; a missing explicit file is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("NOTESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("notesync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Server.KeepAlive <= 0 {
		return fmt.Errorf("server.keepalive must be positive, got %s", c.Server.KeepAlive)
	}
	if c.Server.SnapshotInterval <= 0 {
		return fmt.Errorf("server.snapshot_interval must be positive, got %s", c.Server.SnapshotInterval)
	}
	// the client derives both the http and the websocket endpoints from the server's base url
	if u, err := url.Parse(c.Client.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("client.url must be an http(s) base url, got %q", c.Client.URL)
	}
	return nil
}

func (c *Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("invalid log.level %q: %w", c.Log.Level, err)
	}
	return l, nil
}
