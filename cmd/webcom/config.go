package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var configShowFile bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowFile, "file", false, "print the config file as stored, without environment overrides")
	configCmd.AddCommand(configShowCmd, configGetCmd, configSetCmd)
	rootCmd.AddCommand(configCmd)
}

// configEntry is one effective setting in dot notation.
type configEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Secret bool   `json:"secret,omitempty"`
}

// configEntries flattens cfg in the order `config set` accepts keys.
func configEntries(cfg *Config) []configEntry {
	return []configEntry{
		{Key: "default.backend", Value: cfg.Default.Backend},
		{Key: "default.local_db", Value: cfg.Default.LocalDB},
		{Key: "parse.server_url", Value: cfg.Parse.ServerURL},
		{Key: "parse.app_id", Value: cfg.Parse.AppID},
		{Key: "parse.rest_key", Value: cfg.Parse.RESTKey, Secret: true},
		{Key: "parse.master_key", Value: cfg.Parse.MasterKey, Secret: true},
		{Key: "parse.livequery_url", Value: cfg.Parse.LiveQueryURL},
		{Key: "parse.webhook_key", Value: cfg.Parse.WebhookKey, Secret: true},
		{Key: "storage.driver", Value: cfg.Storage.Driver},
		{Key: "storage.path", Value: cfg.Storage.Path},
		{Key: "storage.redis_addr", Value: cfg.Storage.RedisAddr},
		{Key: "storage.redis_password", Value: cfg.Storage.RedisPassword, Secret: true},
		{Key: "storage.redis_db", Value: strconv.Itoa(cfg.Storage.RedisDB)},
		{Key: "client.flush_interval", Value: cfg.Client.FlushInterval},
		{Key: "log.level", Value: cfg.Log.Level},
		{Key: "log.format", Value: cfg.Log.Format},
	}
}

func lookupConfigEntry(cfg *Config, key string) (configEntry, error) {
	for _, e := range configEntries(cfg) {
		if e.Key == key {
			return e, nil
		}
	}
	return configEntry{}, fmt.Errorf("unknown config key %q", key)
}

// display masks secrets; unset values print as "-".
func (e configEntry) display() string {
	switch {
	case e.Value == "":
		return "-"
	case e.Secret:
		return maskKey(e.Value)
	default:
		return e.Value
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage webcom configuration",
	Long:  "View or modify the webcom CLI configuration.\nValues come from ~/.webcom/config.toml, then a .env file, then the environment.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowFile {
			return printConfigFile()
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		entries := configEntries(cfg)
		if jsonOutput {
			for i := range entries {
				if entries[i].Secret && entries[i].Value != "" {
					entries[i].Value = maskKey(entries[i].Value)
				}
			}
			return printJSON(entries)
		}
		for _, e := range entries {
			fmt.Printf("%-24s %s\n", e.Key, e.display())
		}
		return nil
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print one effective configuration value",
	Long:  "Print one effective configuration value, unmasked.\nExample: webcom config get parse.server_url",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		e, err := lookupConfigEntry(cfg, args[0])
		if err != nil {
			return err
		}
		fmt.Println(e.Value)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
	Long:  "Set a configuration value using dot notation.\nExample: webcom config set client.flush_interval 30s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Environment overrides must not leak into the file.
		cfg, err := readConfigFile()
		if err != nil {
			return err
		}
		if err := setConfigValue(cfg, args[0], args[1]); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return err
		}
		fmt.Printf("Set %s = %s\n", args[0], args[1])
		return nil
	},
}

func printConfigFile() error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Println("No configuration file found. Run 'webcom init <app-id>' to create one.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	fmt.Print(string(data))
	return nil
}
