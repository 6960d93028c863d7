package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initServerURL string
	initLocal     bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initServerURL, "server-url", "", "Parse server URL")
	initCmd.Flags().BoolVar(&initLocal, "local", false, "use the embedded local backend instead of Parse")
}

var initCmd = &cobra.Command{
	Use:   "init [app-id]",
	Short: "Store backend settings in ~/.webcom/config.toml",
	Long:  "Initialize the webcom CLI with a Parse application id, or with --local for the embedded backend.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		switch {
		case initLocal:
			cfg.Default.Backend = "local"
		case len(args) == 1:
			cfg.Default.Backend = "parse"
			cfg.Parse.AppID = args[0]
			if initServerURL != "" {
				cfg.Parse.ServerURL = initServerURL
			}
		default:
			return fmt.Errorf("an app id is required unless --local is set")
		}
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Configuration saved to %s\n", path)
		return nil
	},
}
