package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	meowchat "github.com/meowgram/meowchat-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect to the live stream and print events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newChatClient()
		roster := meowchat.NewRoster()

		me, err := client.Auth().Me(ctx)
		if err != nil {
			return err
		}
		roster.SetViewer(me)
		if users, err := client.Auth().Users(ctx); err == nil {
			roster.Replace(users)
		}

		cm := meowchat.NewConnectionManager(client)

		presence := meowchat.NewPresenceTracker()
		presence.Attach(cm)

		dir := meowchat.NewConversationDirectory(client, roster)
		if err := dir.Load(ctx); err != nil {
			return err
		}
		dir.Attach(cm)

		cm.Subscribe(meowchat.EventConnect, func(json.RawMessage) {
			fmt.Println("* connected")
		})
		cm.Subscribe(meowchat.EventDisconnect, func(json.RawMessage) {
			fmt.Println("* disconnected")
		})
		cm.Subscribe(meowchat.EventMessageReceived, func(data json.RawMessage) {
			var msg meowchat.ChatMessage
			if json.Unmarshal(data, &msg) != nil {
				return
			}
			sender := roster.Resolve(msg.Sender)
			fmt.Printf("%s: %s\n", sender.Username, msg.Content)
		})
		cm.Subscribe(meowchat.EventUserOnline, func(data json.RawMessage) {
			var u meowchat.ChatUser
			if json.Unmarshal(data, &u) == nil && u.ID != "" {
				fmt.Printf("* %s is online\n", u.Username)
			}
		})
		cm.Subscribe(meowchat.EventUserOffline, func(data json.RawMessage) {
			var id string
			if json.Unmarshal(data, &id) == nil && id != "" {
				if u, ok := roster.Lookup(id); ok {
					fmt.Printf("* %s went offline\n", u.Username)
				}
			}
		})

		if err := cm.Connect(ctx); err != nil {
			if meowchat.IsServerFault(err) {
				return fmt.Errorf("chat server unavailable: %w", err)
			}
			return err
		}
		defer cm.Disconnect()

		fmt.Printf("Watching as %s. Ctrl-C to stop.\n", me.Username)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig

		presence.Detach()
		dir.Detach()
		return nil
	},
}
