package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	meowchat "github.com/meowgram/meowchat-go"
	"github.com/spf13/cobra"
)

var historyPages int

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.AddCommand(historyCmd)
	messagesCmd.AddCommand(sendCmd)
	messagesCmd.AddCommand(sendFileCmd)
	messagesCmd.AddCommand(editCmd)
	messagesCmd.AddCommand(deleteCmd)

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "Number of history pages to load")
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Read and write messages",
}

// viewFor builds a conversation view with the viewer and user roster loaded,
// so senders print as usernames instead of raw ids.
func viewFor(ctx context.Context, client *meowchat.Client, chatID string) (*meowchat.ConversationView, error) {
	roster := meowchat.NewRoster()
	me, err := client.Auth().Me(ctx)
	if err != nil {
		return nil, err
	}
	roster.SetViewer(me)
	if users, err := client.Auth().Users(ctx); err == nil {
		roster.Replace(users)
	}
	return meowchat.NewConversationView(client, roster, chatID), nil
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Show a conversation's messages, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newChatClient()
		view, err := viewFor(ctx, client, args[0])
		if err != nil {
			return err
		}
		if err := view.Open(ctx); err != nil {
			return err
		}
		for i := 1; i < historyPages && view.HasMore(); i++ {
			if err := view.LoadOlder(ctx); err != nil {
				return err
			}
		}

		for _, msg := range view.Messages() {
			printMessage(msg)
		}
		if view.HasMore() {
			fmt.Println("(older history available; use --pages to load more)")
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <content>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := newChatClient()
		view, err := viewFor(ctx, client, args[0])
		if err != nil {
			return err
		}
		if err := view.Send(ctx, args[1], meowchat.MessageTypeText); err != nil {
			return err
		}
		fmt.Println("Sent")
		return nil
	},
}

var sendFileCmd = &cobra.Command{
	Use:   "send-file <chat-id> <path>",
	Short: "Upload a file and send it as an attachment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}

		client := newChatClient()
		view, err := viewFor(ctx, client, args[0])
		if err != nil {
			return err
		}
		if err := view.SendFile(ctx, filepath.Base(args[1]), data); err != nil {
			return err
		}
		fmt.Println("Sent")
		return nil
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <chat-id> <message-id> <content>",
	Short: "Edit a message you sent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := newChatClient()
		view := meowchat.NewConversationView(client, meowchat.NewRoster(), args[0])
		if err := view.Edit(ctx, args[1], args[2]); err != nil {
			return err
		}
		fmt.Println("Edited")
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <chat-id> <message-id>",
	Short: "Delete a message you sent",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := newChatClient()
		view := meowchat.NewConversationView(client, meowchat.NewRoster(), args[0])
		if err := view.Delete(ctx, args[1]); err != nil {
			return err
		}
		fmt.Println("Deleted")
		return nil
	},
}

func printMessage(msg meowchat.ChatMessage) {
	name := "unknown"
	if msg.Sender.Resolved() && msg.Sender.User.Username != "" {
		name = msg.Sender.User.Username
	}
	stamp := msg.CreatedAt.Local().Format("2006-01-02 15:04")
	content := msg.Content
	if msg.Deleted {
		content = "(deleted)"
	}
	suffix := ""
	if msg.Edited {
		suffix = " (edited)"
	}
	fmt.Printf("[%s] %s  %s: %s%s\n", stamp, msg.ID, name, content, suffix)
}
