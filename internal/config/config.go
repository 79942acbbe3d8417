// Package config loads scenesync settings from defaults, an optional YAML
// file, a .env file and SCENESYNC_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SCENESYNC_"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Room      RoomConfig      `yaml:"room"`
	Awareness AwarenessConfig `yaml:"awareness"`
	Persist   PersistConfig   `yaml:"persist"`
	Storage   StorageConfig   `yaml:"storage"`
	Relay     RelayConfig     `yaml:"relay"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" validate:"gt=0"`
}

type AuthConfig struct {
	Secret    string `yaml:"secret" validate:"required_if=DevHeader false"`
	Issuer    string `yaml:"issuer"`
	DevHeader bool   `yaml:"devHeader"`
}

type RoomConfig struct {
	// GracePeriod keeps an empty room in memory so a quick reconnect skips
	// the reload from storage.
	GracePeriod time.Duration `yaml:"gracePeriod" validate:"gte=0"`
	SendBuffer  int           `yaml:"sendBuffer" validate:"gt=0"`
}

type AwarenessConfig struct {
	TTL           time.Duration `yaml:"ttl" validate:"gt=0"`
	SweepInterval time.Duration `yaml:"sweepInterval" validate:"gt=0"`
}

type PersistConfig struct {
	Debounce      time.Duration `yaml:"debounce" validate:"gt=0"`
	Workers       int           `yaml:"workers" validate:"gt=0"`
	QueueSize     int           `yaml:"queueSize" validate:"gt=0"`
	RetryInitial  time.Duration `yaml:"retryInitial" validate:"gt=0"`
	RetryMax      time.Duration `yaml:"retryMax" validate:"gtefield=RetryInitial"`
	RetryAttempts int           `yaml:"retryAttempts" validate:"gte=1"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory bolt redis postgres"`
	Path        string `yaml:"path" validate:"required_if=Driver bolt"`
	DSN         string `yaml:"dsn" validate:"required_if=Driver postgres"`
	RedisAddr   string `yaml:"redisAddr" validate:"required_if=Driver redis"`
	RedisPrefix string `yaml:"redisPrefix"`
}

type RelayConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redisAddr" validate:"required_if=Enabled true"`
	NodeID    string `yaml:"nodeId"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Issuer:    "scenesync",
			DevHeader: true,
		},
		Room: RoomConfig{
			GracePeriod: 30 * time.Second,
			SendBuffer:  256,
		},
		Awareness: AwarenessConfig{
			TTL:           30 * time.Second,
			SweepInterval: 5 * time.Second,
		},
		Persist: PersistConfig{
			Debounce:      2 * time.Second,
			Workers:       4,
			QueueSize:     128,
			RetryInitial:  100 * time.Millisecond,
			RetryMax:      5 * time.Second,
			RetryAttempts: 5,
		},
		Storage: StorageConfig{
			Driver:      DriverMemory,
			Path:        "scenesync.db",
			RedisPrefix: "scenesync",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads configFile (optional) and .env from the working directory and
// applies the process environment.
func Load(configFile string) (Config, error) {
	return LoadFrom(configFile, ".env", os.LookupEnv)
}

// LoadFrom is Load with explicit sources. Variables from lookup take
// precedence over those in envFile, which is skipped when missing.
func LoadFrom(configFile, envFile string, lookup LookupFunc) (Config, error) {
	cfg := Default()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", configFile, err)
		}
	}

	dotenv := map[string]string{}

	if envFile != "" {
		values, err := godotenv.Read(envFile)

		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read %s: %w", envFile, err)
		default:
			dotenv = values
		}
	}

	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}

		v, ok := dotenv[key]

		return v, ok
	}

	if err := cfg.applyEnv(env); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	return nil
}

func (c *Config) applyEnv(env LookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := env(EnvPrefix + key); ok {
			*dst = v
		}
	}

	list := func(key string, dst *[]string) {
		if v, ok := env(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}

	boolean := func(key string, dst *bool) {
		if v, ok := env(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))

				return
			}

			*dst = b
		}
	}

	integer := func(key string, dst *int) {
		if v, ok := env(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))

				return
			}

			*dst = n
		}
	}

	duration := func(key string, dst *time.Duration) {
		if v, ok := env(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))

				return
			}

			*dst = d
		}
	}

	str("SERVER_ADDR", &c.Server.Addr)
	list("SERVER_ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	duration("SERVER_SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)

	str("AUTH_SECRET", &c.Auth.Secret)
	str("AUTH_ISSUER", &c.Auth.Issuer)
	boolean("AUTH_DEV_HEADER", &c.Auth.DevHeader)

	duration("ROOM_GRACE_PERIOD", &c.Room.GracePeriod)
	integer("ROOM_SEND_BUFFER", &c.Room.SendBuffer)

	duration("AWARENESS_TTL", &c.Awareness.TTL)
	duration("AWARENESS_SWEEP_INTERVAL", &c.Awareness.SweepInterval)

	duration("PERSIST_DEBOUNCE", &c.Persist.Debounce)
	integer("PERSIST_WORKERS", &c.Persist.Workers)
	integer("PERSIST_QUEUE_SIZE", &c.Persist.QueueSize)
	duration("PERSIST_RETRY_INITIAL", &c.Persist.RetryInitial)
	duration("PERSIST_RETRY_MAX", &c.Persist.RetryMax)
	integer("PERSIST_RETRY_ATTEMPTS", &c.Persist.RetryAttempts)

	str("STORAGE_DRIVER", &c.Storage.Driver)
	str("STORAGE_PATH", &c.Storage.Path)
	str("STORAGE_DSN", &c.Storage.DSN)
	str("STORAGE_REDIS_ADDR", &c.Storage.RedisAddr)
	str("STORAGE_REDIS_PREFIX", &c.Storage.RedisPrefix)

	boolean("RELAY_ENABLED", &c.Relay.Enabled)
	str("RELAY_REDIS_ADDR", &c.Relay.RedisAddr)
	str("RELAY_NODE_ID", &c.Relay.NodeID)

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string

	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}
