package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check if the token is expired, and fetch live account info.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Username != "" {
			fmt.Printf("  Username: %s\n", cfg.Auth.Username)
			fmt.Printf("  User ID:  %s\n", cfg.Auth.UserID)
		} else {
			fmt.Println("  Username: (not logged in)")
		}

		// Check token expiry.
		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				if err == nil {
					if time.Now().Before(expires) {
						tokenStatus = fmt.Sprintf("valid (expires %s)", expires.Format(time.RFC3339))
					} else {
						tokenStatus = fmt.Sprintf("EXPIRED (expired %s)", expires.Format(time.RFC3339))
					}
				} else {
					tokenStatus = fmt.Sprintf("present (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				}
			} else {
				tokenStatus = "present (no expiry set)"
			}
		}
		fmt.Printf("  Token:    %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		// Live status.
		fmt.Println()
		fmt.Println("Live status:")

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		me, err := client.Account.Me(ctx)
		if err != nil {
			fmt.Printf("  Error fetching account info: %v\n", err)
			return nil
		}

		fmt.Printf("  Username:      %s\n", me.Username)
		fmt.Printf("  Display Name:  %s\n", me.DisplayName)
		fmt.Printf("  Conversations: %d\n", me.Stats.ConversationCount)
		fmt.Printf("  Friends:       %d\n", me.Stats.FriendCount)
		fmt.Printf("  Messages Sent: %d\n", me.Stats.MessagesSent)
		fmt.Printf("  Unread:        %d\n", me.Stats.UnreadCount)
		return nil
	},
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
