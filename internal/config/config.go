package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "COLABDOCS"
	defaultHTTPAddress      = "0.0.0.0:9999"
	defaultDatabaseDriver   = DriverSQLite
	defaultDatabasePath     = "colabdocs.db"
	defaultLogLevel         = "info"
	defaultLogFormat        = "json"
	defaultAuthIssuer       = "colabdocs-auth"
	defaultTokenTTL         = 24 * time.Hour
	defaultPersistDebounce  = 3 * time.Second
	defaultPersistMaxWait   = 10 * time.Second
	defaultOutboundBuffer   = 256
	defaultAllowedOrigins   = "*"
	minimumPersistDebounce  = 10 * time.Millisecond
	minimumOutboundCapacity = 8
)

const (
	// DriverSQLite stores snapshots in an embedded SQLite file through gorm.
	DriverSQLite = "sqlite"
	// DriverPostgres stores snapshots in PostgreSQL through pgx.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress     string
	DatabaseDriver  string
	DatabasePath    string
	DatabaseURL     string
	SigningSecret   string
	AuthIssuer      string
	TokenTTL        time.Duration
	LogLevel        string
	LogFormat       string
	PersistDebounce time.Duration
	PersistMaxWait  time.Duration
	OutboundBuffer  int
	RedisURL        string
	AllowedOrigins  []string
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.url", "")
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("persistence.debounce", defaultPersistDebounce)
	configViper.SetDefault("persistence.max_debounce", defaultPersistMaxWait)
	configViper.SetDefault("collab.outbound_buffer", defaultOutboundBuffer)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("cors.allowed_origins", defaultAllowedOrigins)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseURL:     configViper.GetString("database.url"),
		SigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:      configViper.GetString("auth.issuer"),
		TokenTTL:        configViper.GetDuration("auth.token_ttl"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       configViper.GetString("log.format"),
		PersistDebounce: configViper.GetDuration("persistence.debounce"),
		PersistMaxWait:  configViper.GetDuration("persistence.max_debounce"),
		OutboundBuffer:  configViper.GetInt("collab.outbound_buffer"),
		RedisURL:        strings.TrimSpace(configViper.GetString("redis.url")),
		AllowedOrigins:  splitList(configViper.GetString("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return fmt.Errorf("database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.PersistDebounce < minimumPersistDebounce {
		return fmt.Errorf("persistence.debounce must be at least %s", minimumPersistDebounce)
	}
	if c.PersistMaxWait < c.PersistDebounce {
		return fmt.Errorf("persistence.max_debounce must not be shorter than persistence.debounce")
	}
	if c.OutboundBuffer < minimumOutboundCapacity {
		return fmt.Errorf("collab.outbound_buffer must be at least %d", minimumOutboundCapacity)
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
