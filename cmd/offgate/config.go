package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the gateway configuration stored in ~/.offgate/config.toml.
type Config struct {
	Server ConfigServer `toml:"server"`
	Cache  ConfigCache  `toml:"cache"`
	Queue  ConfigQueue  `toml:"queue"`
	Probe  ConfigProbe  `toml:"probe"`
	Push   ConfigPush   `toml:"push"`
}

// ConfigServer holds the listen address and upstream origin.
type ConfigServer struct {
	Listen   string `toml:"listen"`
	Upstream string `toml:"upstream"`
}

// ConfigCache holds cache generation and precache settings.
type ConfigCache struct {
	Version string   `toml:"version"`
	DBPath  string   `toml:"db_path"`
	Shell   []string `toml:"shell"`
}

// ConfigQueue holds retry and expiry settings for queued tasks.
type ConfigQueue struct {
	MaxRetries int `toml:"max_retries"`
	TTLHours   int `toml:"ttl_hours"`
}

// ConfigProbe holds connectivity probe backoff bounds.
type ConfigProbe struct {
	FloorSeconds   int `toml:"floor_seconds"`
	CeilingSeconds int `toml:"ceiling_seconds"`
}

// ConfigPush holds push webhook settings.
type ConfigPush struct {
	Secret string `toml:"secret"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.offgate, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".offgate")
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

// setConfigValue sets a config field using dot notation (e.g. "server.upstream").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. server.upstream)")
	}
	section, field := parts[0], parts[1]

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("field %s.%s expects an integer, got %q", section, field, value)
		}
		return n, nil
	}

	switch section {
	case "server":
		switch field {
		case "listen":
			cfg.Server.Listen = value
		case "upstream":
			cfg.Server.Upstream = value
		default:
			return fmt.Errorf("unknown field %q in section [server]", field)
		}
	case "cache":
		switch field {
		case "version":
			cfg.Cache.Version = value
		case "db_path":
			cfg.Cache.DBPath = value
		case "shell":
			cfg.Cache.Shell = strings.Split(value, ",")
		default:
			return fmt.Errorf("unknown field %q in section [cache]", field)
		}
	case "queue":
		n, err := atoi()
		if err != nil {
			return err
		}
		switch field {
		case "max_retries":
			cfg.Queue.MaxRetries = n
		case "ttl_hours":
			cfg.Queue.TTLHours = n
		default:
			return fmt.Errorf("unknown field %q in section [queue]", field)
		}
	case "probe":
		n, err := atoi()
		if err != nil {
			return err
		}
		switch field {
		case "floor_seconds":
			cfg.Probe.FloorSeconds = n
		case "ceiling_seconds":
			cfg.Probe.CeilingSeconds = n
		default:
			return fmt.Errorf("unknown field %q in section [probe]", field)
		}
	case "push":
		switch field {
		case "secret":
			cfg.Push.Secret = value
		default:
			return fmt.Errorf("unknown field %q in section [push]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: server, cache, queue, probe, push)", section)
	}
	return nil
}

// ============================================================================
// Config commands
// ============================================================================

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage offgate configuration",
	Long:  "View or modify the offgate configuration stored in ~/.offgate/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No configuration file found. Run 'offgate config set server.upstream <url>' to create one.")
				return nil
			}
			return fmt.Errorf("cannot read config file: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: offgate config set server.upstream https://api.example.com",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
