package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.AddCommand(friendsAddCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsRemoveCmd)
	rootCmd.AddCommand(friendsCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friends",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		friends, err := client.Friends.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(friends) == 0 {
			fmt.Println("No friends yet.")
			return nil
		}
		for _, f := range friends {
			name := f.DisplayName
			if name == "" {
				name = f.Username
			}
			fmt.Printf("%-20s %s\n", name, f.ID)
		}
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <peer>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Friends.Request(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Friend request sent.")
		return nil
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <peer>",
	Short: "Accept a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Friends.Accept(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Friend request accepted.")
		return nil
	},
}

var friendsRemoveCmd = &cobra.Command{
	Use:   "remove <peer>",
	Short: "Remove a friend",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Friends.Remove(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Println("Friend removed.")
		return nil
	},
}
