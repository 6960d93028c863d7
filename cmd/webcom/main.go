package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.webcom/config.toml.
// Environment variables override file values.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Parse   ConfigParse   `toml:"parse"`
	Storage ConfigStorage `toml:"storage"`
	Client  ConfigClient  `toml:"client"`
	Log     ConfigLog     `toml:"log"`
}

// ConfigDefault selects the backend.
type ConfigDefault struct {
	// Backend is "parse" or "local".
	Backend string `toml:"backend" env:"WEBCOM_BACKEND"`
	LocalDB string `toml:"local_db" env:"WEBCOM_LOCAL_DB"`
}

// ConfigParse holds the Parse Server connection.
type ConfigParse struct {
	ServerURL    string `toml:"server_url" env:"PARSE_SERVER_URL"`
	AppID        string `toml:"app_id" env:"PARSE_APP_ID"`
	RESTKey      string `toml:"rest_key" env:"PARSE_REST_KEY"`
	MasterKey    string `toml:"master_key" env:"PARSE_MASTER_KEY"`
	LiveQueryURL string `toml:"livequery_url" env:"PARSE_LIVEQUERY_URL"`
	WebhookKey   string `toml:"webhook_key" env:"PARSE_WEBHOOK_KEY"`
}

// ConfigStorage selects the local cache driver.
type ConfigStorage struct {
	// Driver is "sqlite", "redis" or "memory".
	Driver        string `toml:"driver" env:"WEBCOM_STORAGE"`
	Path          string `toml:"path" env:"WEBCOM_CACHE_PATH"`
	RedisAddr     string `toml:"redis_addr" env:"WEBCOM_REDIS_ADDR"`
	RedisPassword string `toml:"redis_password" env:"WEBCOM_REDIS_PASSWORD"`
	RedisDB       int    `toml:"redis_db" env:"WEBCOM_REDIS_DB"`
}

// ConfigClient tunes the running client.
type ConfigClient struct {
	// FlushInterval is a duration such as "30s". Empty disables the
	// periodic offline flush.
	FlushInterval string `toml:"flush_interval" env:"WEBCOM_FLUSH_INTERVAL"`
}

func (c ConfigClient) flushInterval() (time.Duration, error) {
	if c.FlushInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.FlushInterval)
	if err != nil {
		return 0, fmt.Errorf("client.flush_interval: %w", err)
	}
	return d, nil
}

// ConfigLog configures the slog handler.
type ConfigLog struct {
	Level  string `toml:"level" env:"WEBCOM_LOG_LEVEL"`
	Format string `toml:"format" env:"WEBCOM_LOG_FORMAT"`
}

// ============================================================================
// Config helpers
// ============================================================================

var configDirOverride string

// configDir returns the path to ~/.webcom, creating it if needed.
func configDir() (string, error) {
	dir := configDirOverride
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".webcom")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// readConfigFile parses the config file without environment overrides.
// If the file does not exist, it returns a zero-value Config.
func readConfigFile() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// loadConfig reads the config file, then applies a .env file from the
// working directory and the process environment on top of it.
func loadConfig() (*Config, error) {
	cfg, err := readConfigFile()
	if err != nil {
		return nil, err
	}
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot load .env: %w", err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("cannot apply environment: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Default.Backend == "" {
		cfg.Default.Backend = "parse"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "warn"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "parse.app_id").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. parse.app_id)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "backend":
			if value != "parse" && value != "local" {
				return fmt.Errorf("backend must be parse or local")
			}
			cfg.Default.Backend = value
		case "local_db":
			cfg.Default.LocalDB = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "parse":
		switch field {
		case "server_url":
			cfg.Parse.ServerURL = value
		case "app_id":
			cfg.Parse.AppID = value
		case "rest_key":
			cfg.Parse.RESTKey = value
		case "master_key":
			cfg.Parse.MasterKey = value
		case "livequery_url":
			cfg.Parse.LiveQueryURL = value
		case "webhook_key":
			cfg.Parse.WebhookKey = value
		default:
			return fmt.Errorf("unknown field %q in section [parse]", field)
		}
	case "storage":
		switch field {
		case "driver":
			if value != "sqlite" && value != "redis" && value != "memory" {
				return fmt.Errorf("storage driver must be sqlite, redis or memory")
			}
			cfg.Storage.Driver = value
		case "path":
			cfg.Storage.Path = value
		case "redis_addr":
			cfg.Storage.RedisAddr = value
		case "redis_password":
			cfg.Storage.RedisPassword = value
		case "redis_db":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("redis_db must be a number: %w", err)
			}
			cfg.Storage.RedisDB = n
		default:
			return fmt.Errorf("unknown field %q in section [storage]", field)
		}
	case "client":
		switch field {
		case "flush_interval":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("flush_interval must be a duration: %w", err)
			}
			cfg.Client.FlushInterval = value
		default:
			return fmt.Errorf("unknown field %q in section [client]", field)
		}
	case "log":
		switch field {
		case "level":
			cfg.Log.Level = value
		case "format":
			cfg.Log.Format = value
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, parse, storage, client, log)", section)
	}
	return nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(cfg ConfigLog) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "webcom",
	Short: "Webcom chat CLI",
	Long:  "Command-line client for webcom hangouts.\nInvite peers, exchange messages and keep a local cache in sync with the backend.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDirOverride, "config-dir", "", "configuration directory (default ~/.webcom)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
