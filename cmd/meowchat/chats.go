package main

import (
	"context"
	"fmt"
	"time"

	meowchat "github.com/meowgram/meowchat-go"
	"github.com/spf13/cobra"
)

var (
	startChatName  string
	startChatGroup bool
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	chatsCmd.AddCommand(chatsStartCmd)

	chatsStartCmd.Flags().StringVar(&startChatName, "name", "", "Group chat name")
	chatsStartCmd.Flags().BoolVar(&startChatGroup, "group", false, "Create a group chat")
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Manage conversations",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent activity first",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := newChatClient()
		roster := meowchat.NewRoster()

		// Resolve the viewer so direct-chat names derive correctly.
		if me, err := client.Auth().Me(ctx); err == nil {
			roster.SetViewer(me)
		}

		dir := meowchat.NewConversationDirectory(client, roster)
		if err := dir.Load(ctx); err != nil {
			return err
		}

		chats := dir.List()
		if len(chats) == 0 {
			fmt.Println("No conversations yet.")
			return nil
		}
		for _, chat := range chats {
			display := dir.DisplayInfo(chat)
			line := fmt.Sprintf("%s  %s", chat.ID, display.Name)
			if chat.UnreadCount > 0 {
				line += fmt.Sprintf("  [%d unread]", chat.UnreadCount)
			}
			if chat.LastMessage != nil {
				line += "  " + previewContent(chat.LastMessage)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var chatsStartCmd = &cobra.Command{
	Use:   "start <user-id>...",
	Short: "Start a conversation with one or more users",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		client := newChatClient()
		dir := meowchat.NewConversationDirectory(client, meowchat.NewRoster())
		chat, err := dir.StartChat(ctx, args, startChatName, startChatGroup || len(args) > 1)
		if err != nil {
			return err
		}
		fmt.Printf("Chat created: %s\n", chat.ID)
		return nil
	},
}

func previewContent(msg *meowchat.ChatMessage) string {
	switch msg.MessageType {
	case meowchat.MessageTypeImage:
		return "[image]"
	case meowchat.MessageTypeFile:
		return "[file]"
	}
	if len(msg.Content) > 40 {
		return msg.Content[:40] + "..."
	}
	return msg.Content
}
