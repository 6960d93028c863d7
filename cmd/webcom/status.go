package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()
		cfg := s.cfg

		fmt.Println("Configuration:")
		fmt.Printf("  Backend:     %s\n", cfg.Default.Backend)
		if cfg.Default.Backend == "parse" {
			fmt.Printf("  Server URL:  %s\n", valueOrDefault(cfg.Parse.ServerURL, "(default)"))
			fmt.Printf("  App ID:      %s\n", valueOrDefault(cfg.Parse.AppID, "(not set)"))
			if cfg.Parse.RESTKey != "" {
				fmt.Printf("  REST Key:    %s\n", maskKey(cfg.Parse.RESTKey))
			}
		}
		fmt.Printf("  Storage:     %s\n", cfg.Storage.Driver)

		fmt.Println()
		fmt.Println("Session:")
		sess := s.client.Session()
		if sess == nil {
			fmt.Println("  (logged out)")
			return nil
		}
		fmt.Printf("  Username:    %s\n", sess.Username)
		fmt.Printf("  Email:       %s\n", valueOrDefault(sess.Email, "(none)"))

		snap := s.client.Snapshot()
		fmt.Printf("  Hangouts:    %d\n", len(snap.Hangouts))
		fmt.Printf("  Unread:      %d\n", len(snap.Unread))
		fmt.Printf("  Queued:      %d\n", len(snap.OfflineHangouts))
		return nil
	},
}
