package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/LuminPulse-AI/parentsync"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.parentsync/config.toml.
type Config struct {
	Default ConfigDefault        `toml:"default"`
	Log     parentsync.LogConfig `toml:"log"`
}

// ConfigDefault holds general client settings.
type ConfigDefault struct {
	BaseURL  string `toml:"base_url"`
	DBPath   string `toml:"db_path"`
	PageSize int    `toml:"page_size"`
	Timeout  string `toml:"timeout"`
}

func (d ConfigDefault) timeout() time.Duration {
	if d.Timeout == "" {
		return parentsync.DefaultTimeout
	}
	t, err := time.ParseDuration(d.Timeout)
	if err != nil || t <= 0 {
		return parentsync.DefaultTimeout
	}
	return t
}

// resolve returns cfg with every unset field replaced by the value a command
// runs with. dir is the config directory.
func (c Config) resolve(dir string) Config {
	if c.Default.DBPath == "" {
		c.Default.DBPath = filepath.Join(dir, "parentsync.db")
	}
	if c.Default.PageSize <= 0 {
		c.Default.PageSize = parentsync.DefaultPageSize
	}
	c.Default.Timeout = c.Default.timeout().String()
	if c.Log.Path == "" {
		c.Log.Path = filepath.Join(dir, "logs")
	}
	c.Log = c.Log.WithDefaults()
	return c
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.parentsync (or $PARENTSYNC_HOME), creating
// it if needed.
func configDir() (string, error) {
	dir := os.Getenv("PARENTSYNC_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("cannot determine home directory: %w", err)
		}
		dir = filepath.Join(home, ".parentsync")
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

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
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

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = strings.TrimRight(value, "/")
		case "db_path":
			cfg.Default.DBPath = value
		case "page_size":
			n, err := positiveInt(key, value)
			if err != nil {
				return err
			}
			cfg.Default.PageSize = n
		case "timeout":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s must be a duration such as 15s: %w", key, err)
			}
			cfg.Default.Timeout = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "log":
		switch field {
		case "path":
			cfg.Log.Path = value
		case "file_name":
			cfg.Log.FileName = value
		case "level":
			switch value {
			case "debug", "info", "warn", "error":
			default:
				return fmt.Errorf("log.level must be one of debug, info, warn, error")
			}
			cfg.Log.Level = value
		case "max_size", "max_backups", "max_age":
			n, err := positiveInt(key, value)
			if err != nil {
				return err
			}
			switch field {
			case "max_size":
				cfg.Log.MaxSize = n
			case "max_backups":
				cfg.Log.MaxBackups = n
			default:
				cfg.Log.MaxAge = n
			}
		default:
			return fmt.Errorf("unknown field %q in section [log]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, log)", section)
	}
	return nil
}

func positiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", key)
	}
	return n, nil
}

// ============================================================================
// Root command
// ============================================================================

var devLogs bool

var rootCmd = &cobra.Command{
	Use:          "parentsync",
	Short:        "Offline-first school notifications client",
	Long:         "Command-line client for school notifications.\nCaches students and messages locally, records reads offline and delivers read receipts when the server is reachable.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&devLogs, "dev", false, "Also write logs to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
