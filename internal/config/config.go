package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "DIFFLOG"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "difflog.db"
	defaultLogLevel        = "info"
	defaultVariant         = VariantRanked
	defaultStorageBackend  = BackendSQLite
	defaultPebbleDir       = "difflog-pebble"
	defaultPebbleFsync     = FsyncInterval
	defaultPostgresMaxConn = 10
	defaultStreamMaxLimit  = 1000
	defaultTokenTTLMinutes = 30 * 24 * 60
)

// Log variants.
const (
	VariantRanked = "ranked"
	VariantStream = "stream"
)

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPebble   = "pebble"
	BackendPostgres = "postgres"
)

// Pebble fsync modes.
const (
	FsyncAlways   = "always"
	FsyncInterval = "interval"
	FsyncNever    = "never"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	LogLevel         string
	Variant          string
	StorageBackend   string
	DatabasePath     string
	PostgresDSN      string
	PostgresMaxConns int32
	PebbleDir        string
	PebbleFsync      string
	StreamMaxLimit   int
	// SigningSecret enables jwt credentials when set.
	SigningSecret string
	TokenTTL      time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.variant", defaultVariant)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("postgres.max_conns", defaultPostgresMaxConn)
	configViper.SetDefault("pebble.dir", defaultPebbleDir)
	configViper.SetDefault("pebble.fsync", defaultPebbleFsync)
	configViper.SetDefault("stream.max_limit", defaultStreamMaxLimit)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		LogLevel:         configViper.GetString("log.level"),
		Variant:          strings.ToLower(strings.TrimSpace(configViper.GetString("log.variant"))),
		StorageBackend:   strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
		DatabasePath:     configViper.GetString("database.path"),
		PostgresDSN:      configViper.GetString("postgres.dsn"),
		PostgresMaxConns: configViper.GetInt32("postgres.max_conns"),
		PebbleDir:        configViper.GetString("pebble.dir"),
		PebbleFsync:      strings.ToLower(strings.TrimSpace(configViper.GetString("pebble.fsync"))),
		StreamMaxLimit:   configViper.GetInt("stream.max_limit"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.Variant {
	case VariantRanked, VariantStream:
	default:
		return fmt.Errorf("log.variant must be %q or %q, got %q", VariantRanked, VariantStream, c.Variant)
	}
	switch c.StorageBackend {
	case BackendSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case BackendPebble:
		if strings.TrimSpace(c.PebbleDir) == "" {
			return fmt.Errorf("pebble.dir is required")
		}
		switch c.PebbleFsync {
		case FsyncAlways, FsyncInterval, FsyncNever:
		default:
			return fmt.Errorf("pebble.fsync must be one of always, interval, never, got %q", c.PebbleFsync)
		}
	case BackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("postgres.dsn is required")
		}
		if c.PostgresMaxConns < 0 {
			return fmt.Errorf("postgres.max_conns must not be negative")
		}
	default:
		return fmt.Errorf("storage.backend must be one of sqlite, pebble, postgres, got %q", c.StorageBackend)
	}
	if c.StreamMaxLimit <= 0 {
		return fmt.Errorf("stream.max_limit must be positive")
	}
	if c.SigningSecret != "" && c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return nil
}
