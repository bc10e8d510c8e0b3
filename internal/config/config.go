// Package config resolves runtime configuration from three layers, lowest
// to highest precedence: a TOML file, environment variables, then CLI
// flags, as described in spec §6.4.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

const (
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8080
	DefaultRingSize      = 1000
	DefaultLogLevel      = "info"
	DefaultLogPath       = "thq.log"
	DefaultLogMaxSizeMB  = 100
	DefaultLogMaxBackups = 10
	DefaultLogMaxAgeDays = 7
	DefaultLogCompress   = true

	// EnvTopologyPath is the environment variable carrying the line topology
	// file path. Load reads it only when topology_path was not set by the
	// file, THQ_TOPOLOGY_PATH, or the --topology-path flag.
	EnvTopologyPath = "THQ_LINE_TOPOLOGY_PATH"
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the thq server.
type Config struct {
	Host           string
	Port           int
	RingSize       int
	DatabaseURL    string
	WSAuthToken    string
	WSAuthRequired bool
	TopologyPath   string
	Logging        LoggingConfig
}

// Flags declares the CLI surface, layered on top of file and environment
// values by Load. Use with a urfave/cli App's Flags field.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a TOML configuration file"},
		&cli.StringFlag{Name: "host", Usage: "address to listen on"},
		&cli.IntFlag{Name: "port", Usage: "port to listen on"},
		&cli.IntFlag{Name: "ring-size", Usage: "hub replay buffer capacity"},
		&cli.StringFlag{Name: "database-url", Usage: "Postgres connection string; empty disables persistence"},
		&cli.StringFlag{Name: "ws-auth-token", Usage: "shared secret required on duplex/REST auth"},
		&cli.BoolFlag{Name: "ws-auth-required", Usage: "reject unauthenticated clients"},
		&cli.StringFlag{Name: "topology-path", Usage: "path to the line topology file"},
		&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn, or error"},
		&cli.StringFlag{Name: "log-path", Usage: "structured log output file"},
	}
}

// Load resolves configuration from, in ascending precedence: defaults, an
// optional TOML file (--config, or ./thq.toml if present), environment
// variables prefixed THQ_, then CLI flags explicitly set on c.
func Load(c *cli.Context) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("thq")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("host", DefaultHost)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("ring_size", DefaultRingSize)
	v.SetDefault("ws_auth_required", true)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_path", DefaultLogPath)
	v.SetDefault("log_max_size_mb", DefaultLogMaxSizeMB)
	v.SetDefault("log_max_backups", DefaultLogMaxBackups)
	v.SetDefault("log_max_age_days", DefaultLogMaxAgeDays)
	v.SetDefault("log_compress", DefaultLogCompress)

	configPath := "thq.toml"
	if c != nil {
		if p := c.String("config"); p != "" {
			configPath = p
		}
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && c != nil && c.String("config") != "" {
			return nil, fmt.Errorf("read config file %q: %w", configPath, err)
		}
	}

	if c != nil {
		bindString(v, c, "host", "host")
		bindInt(v, c, "port", "port")
		bindInt(v, c, "ring-size", "ring_size")
		bindString(v, c, "database-url", "database_url")
		bindString(v, c, "ws-auth-token", "ws_auth_token")
		bindBool(v, c, "ws-auth-required", "ws_auth_required")
		bindString(v, c, "topology-path", "topology_path")
		bindString(v, c, "log-level", "log_level")
		bindString(v, c, "log-path", "log_path")
	}

	cfg := &Config{
		Host:           v.GetString("host"),
		Port:           v.GetInt("port"),
		RingSize:       v.GetInt("ring_size"),
		DatabaseURL:    v.GetString("database_url"),
		WSAuthToken:    v.GetString("ws_auth_token"),
		WSAuthRequired: v.GetBool("ws_auth_required"),
		TopologyPath:   v.GetString("topology_path"),
		Logging: LoggingConfig{
			Level:      v.GetString("log_level"),
			Path:       v.GetString("log_path"),
			MaxSizeMB:  v.GetInt("log_max_size_mb"),
			MaxBackups: v.GetInt("log_max_backups"),
			MaxAgeDays: v.GetInt("log_max_age_days"),
			Compress:   v.GetBool("log_compress"),
		},
	}

	if cfg.TopologyPath == "" {
		cfg.TopologyPath = strings.TrimSpace(os.Getenv(EnvTopologyPath))
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// bindString/bindInt/bindBool push an explicitly-set CLI flag's value into
// viper, so it wins over both the file and environment layers per spec
// §6.4. A flag left at its zero value (never passed) does not override a
// lower layer.
func bindString(v *viper.Viper, c *cli.Context, flagName, key string) {
	if c.IsSet(flagName) {
		v.Set(key, c.String(flagName))
	}
}

func bindInt(v *viper.Viper, c *cli.Context, flagName, key string) {
	if c.IsSet(flagName) {
		v.Set(key, c.Int(flagName))
	}
}

func bindBool(v *viper.Viper, c *cli.Context, flagName, key string) {
	if c.IsSet(flagName) {
		v.Set(key, c.Bool(flagName))
	}
}

func (cfg *Config) validate() error {
	var problems []string
	if cfg.Port <= 0 || cfg.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port must be in range 1-65535, got %d", cfg.Port))
	}
	if cfg.RingSize < 1 {
		problems = append(problems, fmt.Sprintf("ring_size must be at least 1, got %d", cfg.RingSize))
	}
	if cfg.WSAuthRequired && strings.TrimSpace(cfg.WSAuthToken) == "" {
		problems = append(problems, "ws_auth_required is true but no ws_auth_token was configured")
	}
	if len(problems) > 0 {
		return fmt.Errorf(strings.Join(problems, "; "))
	}
	return nil
}

// DefaultPingInterval controls the keepalive cadence for WebSocket connections.
const DefaultPingInterval = 30 * time.Second
