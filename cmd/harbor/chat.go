package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	harbor "github.com/harbor-social/harbor-go"
	"github.com/spf13/cobra"
)

var (
	chatListLimit    int
	chatHistoryLimit int
	chatSendGif      string
)

func init() {
	chatListCmd.Flags().IntVar(&chatListLimit, "limit", 50, "Maximum conversations to fetch")
	chatHistoryCmd.Flags().IntVar(&chatHistoryLimit, "limit", 50, "Maximum messages to fetch")
	chatSendCmd.Flags().StringVar(&chatSendGif, "gif", "", "GIF URL to attach")

	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatHistoryCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat commands",
	Long:  "List conversations, read history, send messages, and watch a conversation live.",
}

// ============================================================================
// chat list
// ============================================================================

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.ConversationsAPI.List(ctx, chatListLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			marker := "  "
			if c.UnreadCount > 0 {
				marker = fmt.Sprintf("%2d", c.UnreadCount)
			}
			name := c.DisplayName
			if name == "" {
				name = c.PeerKey
			}
			fmt.Printf("[%s] %-20s %s\n", marker, name, c.LastMessage.Body)
		}
		return nil
	},
}

// ============================================================================
// chat history
// ============================================================================

var chatHistoryCmd = &cobra.Command{
	Use:   "history <peer>",
	Short: "Show a conversation's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Direct.History(ctx, args[0], chatHistoryLimit)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		for _, p := range msgs {
			printPayload(p)
		}
		return nil
	},
}

// ============================================================================
// chat send
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <peer> <message>",
	Short: "Send a message",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		body := args[1]
		for _, a := range args[2:] {
			body += " " + a
		}

		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		draft := harbor.Draft{Body: body}
		if chatSendGif != "" {
			draft.Kind = harbor.KindGIF
			draft.GifURL = chatSendGif
		}

		ack, err := client.Direct.Send(ctx, peer, draft)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		fmt.Printf("Sent (id %s)\n", ack.ID)
		return nil
	},
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <peer>",
	Short: "Watch a conversation live",
	Long:  "Open the push channel, select the conversation, and print messages as they arrive. Ctrl-C to exit.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer := args[0]
		client, cfg := getClient()
		log := newLogger(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		session := client.NewSession(cfg.Auth.UserID, &harbor.SessionConfig{Logger: log})
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("session start failed: %w", err)
		}
		defer session.Close()

		rt := client.Realtime(&harbor.RealtimeConfig{
			AutoReconnect: true,
			Logger:        log,
		})
		session.AttachRealtime(rt)

		rt.OnPrivateMessage(func(p harbor.MessagePayload) {
			printPayload(p)
		})
		rt.OnTyping(func(t harbor.TypingPayload) {
			if t.IsTyping && string(t.From) == peer {
				fmt.Printf("  %s is typing...\n", t.From)
			}
		})
		rt.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d, in %s)\n", attempt, delay)
		})

		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("push channel connect failed: %w", err)
		}
		defer rt.Disconnect()

		if err := session.SelectConversation(ctx, peer); err != nil {
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		for _, m := range session.Messages() {
			printMessage(m)
		}
		fmt.Printf("-- watching %s --\n", peer)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

func printPayload(p harbor.MessagePayload) {
	name := p.SenderName
	if name == "" {
		name = string(p.From)
	}
	fmt.Printf("%s %s: %s\n", p.CreatedAt, name, p.Content)
}

func printMessage(m harbor.Message) {
	name := m.SenderName
	if name == "" {
		name = m.SenderID
	}
	if m.Mine {
		name = "me"
	}
	fmt.Printf("%s %s: %s\n", m.CreatedAt.Format(time.RFC3339), name, m.Body)
}
