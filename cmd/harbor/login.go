package main

import (
	"context"
	"fmt"
	"os"
	"time"

	harbor "github.com/harbor-social/harbor-go"
	"github.com/spf13/cobra"
)

var (
	loginPassword string

	registerPassword    string
	registerDisplayName string
)

func init() {
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (or set HARBOR_PASSWORD)")
	rootCmd.AddCommand(loginCmd)

	registerCmd.Flags().StringVar(&registerPassword, "password", "", "Account password")
	registerCmd.Flags().StringVar(&registerDisplayName, "display-name", "", "Display name for the account")
	rootCmd.AddCommand(registerCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Log in to Harbor",
	Long:  "Authenticate with the Harbor platform and store the returned token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		password := loginPassword
		if password == "" {
			password = os.Getenv("HARBOR_PASSWORD")
		}
		if password == "" {
			return fmt.Errorf("a password is required (use --password or HARBOR_PASSWORD)")
		}

		client, cfg := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		auth, err := client.Account.Login(ctx, &harbor.LoginOptions{
			Username: username,
			Password: password,
		})
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		return storeAuth(cfg, auth)
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create a Harbor account",
	Long:  "Register a new account with the Harbor platform and store the returned token locally.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		if registerPassword == "" {
			return fmt.Errorf("a password is required (use --password)")
		}

		displayName := registerDisplayName
		if displayName == "" {
			displayName = username
		}

		client, cfg := getAnonClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		auth, err := client.Account.Register(ctx, &harbor.RegisterOptions{
			Username:    username,
			DisplayName: displayName,
			Password:    registerPassword,
		})
		if err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}

		return storeAuth(cfg, auth)
	},
}

// storeAuth writes token and identity into the config file.
func storeAuth(cfg *Config, auth *harbor.AuthData) error {
	cfg.Auth.Token = auth.Token
	cfg.Auth.UserID = string(auth.UserID)
	cfg.Auth.Username = auth.Username
	cfg.Auth.TokenExpires = auth.ExpiresIn

	if err := saveConfig(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println("Logged in.")
	fmt.Printf("  User ID:  %s\n", auth.UserID)
	fmt.Printf("  Username: %s\n", auth.Username)
	if auth.ExpiresIn != "" {
		fmt.Printf("  Token expires: %s\n", auth.ExpiresIn)
	}
	return nil
}
