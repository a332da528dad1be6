// Package config loads the server configuration from a YAML file and
// CLOUDOCS_* environment variables. Environment variables win over the file,
// and the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr string `yaml:"addr"`
	// FlushInterval is how often changed documents are written to redis.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// SendQueue is the per-connection outgoing message buffer. A participant
	// that falls this far behind is disconnected.
	SendQueue       int           `yaml:"send_queue"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxMessageSize  int64         `yaml:"max_message_size"`
}

type Redis struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type Mediator struct {
	DigestHistory int `yaml:"digest_history"`
	MaxPending    int `yaml:"max_pending"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Config struct {
	Server   Server   `yaml:"server"`
	Redis    Redis    `yaml:"redis"`
	Mediator Mediator `yaml:"mediator"`
	Log      Log      `yaml:"log"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            "0.0.0.0:8080",
			FlushInterval:   5 * time.Second,
			SendQueue:       256,
			PingInterval:    30 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxMessageSize:  1 << 20,
		},
		Redis: Redis{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		Mediator: Mediator{
			DigestHistory: 256,
			MaxPending:    4096,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads path, if not empty, then applies environment overrides and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("CLOUDOCS_ADDR", &c.Server.Addr)
	dur("CLOUDOCS_FLUSH_INTERVAL", &c.Server.FlushInterval)
	num("CLOUDOCS_SEND_QUEUE", &c.Server.SendQueue)
	str("CLOUDOCS_REDIS_ADDR", &c.Redis.Addr)
	str("CLOUDOCS_REDIS_PASSWORD", &c.Redis.Password)
	num("CLOUDOCS_REDIS_DB", &c.Redis.DB)
	num("CLOUDOCS_DIGEST_HISTORY", &c.Mediator.DigestHistory)
	num("CLOUDOCS_MAX_PENDING", &c.Mediator.MaxPending)
	str("CLOUDOCS_LOG_LEVEL", &c.Log.Level)
	flag("CLOUDOCS_LOG_CONSOLE", &c.Log.Console)
	return errors.Join(errs...)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is empty"))
	}
	if c.Server.FlushInterval <= 0 {
		errs = append(errs, errors.New("server.flush_interval must be positive"))
	}
	if c.Server.SendQueue <= 0 {
		errs = append(errs, errors.New("server.send_queue must be positive"))
	}
	if c.Server.PingInterval <= 0 || c.Server.WriteTimeout <= 0 {
		errs = append(errs, errors.New("server.ping_interval and server.write_timeout must be positive"))
	}
	if c.Server.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("server.max_message_size must be positive"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is empty"))
	}
	if c.Mediator.DigestHistory <= 0 || c.Mediator.MaxPending <= 0 {
		errs = append(errs, errors.New("mediator limits must be positive"))
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}
