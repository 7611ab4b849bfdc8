package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rpattn/versionlog/internal/changes"
	"github.com/rpattn/versionlog/internal/db"
	"github.com/rpattn/versionlog/internal/domain"
	"github.com/rpattn/versionlog/internal/history"
	"github.com/rpattn/versionlog/internal/identity"
)

// EnvPrefix prefixes every environment override, e.g. VERSIONLOG_DATABASE_HOST.
const EnvPrefix = "VERSIONLOG"

// Config is the process configuration, read once at startup.
type Config struct {
	Database  db.Config
	History   history.Config
	Isolation sql.IsolationLevel
	Kinds     []KindConfig
	Server    ServerConfig
	Logging   LoggingConfig
}

// KindConfig declares a tracked table whose history is served.
type KindConfig struct {
	Tag      string `mapstructure:"tag"`
	Table    string `mapstructure:"table"`
	IDColumn string `mapstructure:"id_column"`
	IDKind   string `mapstructure:"id_kind"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string
	Development bool
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Database:  db.DefaultConfig(),
		History:   history.DefaultConfig(),
		Isolation: sql.LevelSerializable,
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"http://localhost:3000"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads config.yaml from configPath, if present, and applies
// environment overrides.
func Load(configPath string, logger *zap.Logger) (Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		logger.Info("no config.yaml found, using defaults and env vars", zap.String("path", configPath))
	} else {
		logger.Info("loaded config file", zap.String("file", v.ConfigFileUsed()))
	}

	cfg.Database = db.Config{
		Host:            v.GetString("database.host"),
		Port:            v.GetInt("database.port"),
		User:            v.GetString("database.user"),
		Password:        v.GetString("database.password"),
		DBName:          v.GetString("database.dbname"),
		SSLMode:         v.GetString("database.sslmode"),
		MaxConns:        v.GetInt32("database.max_conns"),
		MinConns:        v.GetInt32("database.min_conns"),
		MaxConnLifetime: v.GetDuration("database.max_conn_lifetime"),
		MaxConnIdleTime: v.GetDuration("database.max_conn_idle_time"),
	}

	mode, err := identity.ParseIDMode(v.GetString("history.id_mode"))
	if err != nil {
		return Config{}, err
	}
	cfg.History = history.Config{
		Identity: identity.Config{IDMode: mode},
		Changes: changes.Options{
			Encoding:   changes.Encoding(v.GetString("history.encoding")),
			DeleteMode: changes.DeleteMode(v.GetString("history.delete_mode")),
			Ignore:     stringSlice(v, "history.ignore_fields"),
		},
		StrictOptions: v.GetBool("history.strict_options"),
	}
	if err := cfg.History.Validate(); err != nil {
		return Config{}, err
	}

	cfg.Isolation, err = ParseIsolation(v.GetString("history.isolation"))
	if err != nil {
		return Config{}, err
	}

	if err := v.UnmarshalKey("history.kinds", &cfg.Kinds); err != nil {
		return Config{}, fmt.Errorf("failed to read history.kinds: %w", err)
	}

	cfg.Server = ServerConfig{
		Addr:            v.GetString("server.addr"),
		AllowedOrigins:  v.GetStringSlice("server.allowed_origins"),
		ReadTimeout:     v.GetDuration("server.read_timeout"),
		WriteTimeout:    v.GetDuration("server.write_timeout"),
		IdleTimeout:     v.GetDuration("server.idle_timeout"),
		ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
	}
	cfg.Logging = LoggingConfig{
		Level:       v.GetString("logging.level"),
		Development: v.GetBool("logging.development"),
	}

	return cfg, nil
}

// DefaultIDKind is the identifier space of a configured kind without id_kind.
const DefaultIDKind = domain.IDKindInt

// Registry registers every configured kind as a row-backed kind.
func (c Config) Registry() (*identity.Registry, error) {
	registry := identity.NewRegistry()
	for _, kc := range c.Kinds {
		idKind := DefaultIDKind
		if kc.IDKind != "" {
			parsed, err := domain.ParseIDKind(kc.IDKind)
			if err != nil {
				return nil, fmt.Errorf("kind %q: %w", kc.Tag, err)
			}
			idKind = parsed
		}
		kind := identity.Kind{Tag: kc.Tag, Table: kc.Table, IDColumn: kc.IDColumn, IDKind: idKind}
		if err := registry.Register(kind); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// ParseIsolation converts an isolation name into a database/sql level.
func ParseIsolation(value string) (sql.IsolationLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "serializable":
		return sql.LevelSerializable, nil
	case "repeatable_read", "repeatable read":
		return sql.LevelRepeatableRead, nil
	case "read_committed", "read committed":
		return sql.LevelReadCommitted, nil
	}
	return 0, fmt.Errorf("unknown isolation level %q", value)
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)
	v.SetDefault("database.max_conns", cfg.Database.MaxConns)
	v.SetDefault("database.min_conns", cfg.Database.MinConns)
	v.SetDefault("database.max_conn_lifetime", cfg.Database.MaxConnLifetime)
	v.SetDefault("database.max_conn_idle_time", cfg.Database.MaxConnIdleTime)

	v.SetDefault("history.id_mode", string(cfg.History.Identity.IDMode))
	v.SetDefault("history.encoding", string(cfg.History.Changes.Encoding))
	v.SetDefault("history.delete_mode", string(cfg.History.Changes.DeleteMode))
	v.SetDefault("history.strict_options", cfg.History.StrictOptions)
	v.SetDefault("history.isolation", "serializable")

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.development", cfg.Logging.Development)
}

func stringSlice(v *viper.Viper, key string) []string {
	values := v.GetStringSlice(key)
	if len(values) == 0 {
		return nil
	}
	return values
}
