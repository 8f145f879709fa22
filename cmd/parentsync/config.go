package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage parentsync configuration",
	Long:  "View or modify the parentsync CLI configuration stored in ~/.parentsync/config.toml.",
}

// configEntry is one settable key with the value commands run with.
type configEntry struct {
	Key      string
	Value    string
	Explicit bool // set in the config file
}

// configEntries lists every key setConfigValue accepts. file is the config as
// read from disk, eff the same config after resolve.
func configEntries(file, eff Config) []configEntry {
	entry := func(key, fileValue, value string) configEntry {
		return configEntry{Key: key, Value: value, Explicit: fileValue != ""}
	}
	num := func(n int) string {
		if n == 0 {
			return ""
		}
		return strconv.Itoa(n)
	}
	return []configEntry{
		entry("default.base_url", file.Default.BaseURL, eff.Default.BaseURL),
		entry("default.db_path", file.Default.DBPath, eff.Default.DBPath),
		entry("default.page_size", num(file.Default.PageSize), strconv.Itoa(eff.Default.PageSize)),
		entry("default.timeout", file.Default.Timeout, eff.Default.Timeout),
		entry("log.path", file.Log.Path, eff.Log.Path),
		entry("log.file_name", file.Log.FileName, eff.Log.FileName),
		entry("log.level", file.Log.Level, eff.Log.Level),
		entry("log.max_size", num(file.Log.MaxSize), strconv.Itoa(eff.Log.MaxSize)),
		entry("log.max_backups", num(file.Log.MaxBackups), strconv.Itoa(eff.Log.MaxBackups)),
		entry("log.max_age", num(file.Log.MaxAge), strconv.Itoa(eff.Log.MaxAge)),
	}
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every configuration key with the value commands run with. Keys not set in the config file are marked (default).",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		dir, err := configDir()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Printf("Config file: %s\n\n", path)
		for _, e := range configEntries(*cfg, cfg.resolve(dir)) {
			value := e.Value
			if value == "" {
				value = "(not set)"
			}
			if !e.Explicit {
				value += "  (default)"
			}
			fmt.Printf("  %-18s %s\n", e.Key, value)
		}
		if cfg.Default.BaseURL == "" {
			fmt.Println("\nNo base URL configured. Run 'parentsync init <base-url>' first.")
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation. Keys are those listed by 'parentsync config show'.\nExample: parentsync config set default.page_size 50",
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

		dir, err := configDir()
		if err != nil {
			return err
		}
		for _, e := range configEntries(*cfg, cfg.resolve(dir)) {
			if e.Key == key {
				fmt.Printf("Set %s = %s\n", key, e.Value)
				return nil
			}
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
