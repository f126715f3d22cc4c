package main

import (
	"context"
	"fmt"
	"time"

	meowchat "github.com/meowgram/meowchat-go"
	"github.com/spf13/cobra"
)

var (
	loginFirebaseToken string
	loginUID           string
	loginEmail         string
	loginDisplayName   string
	loginPhotoURL      string
	loginPassword      string
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(whoamiCmd)

	loginCmd.Flags().StringVar(&loginFirebaseToken, "firebase-token", "", "Firebase ID token to exchange for a chat session")
	loginCmd.Flags().StringVar(&loginUID, "uid", "", "Firebase UID (with --firebase-token)")
	loginCmd.Flags().StringVar(&loginEmail, "email", "", "Account email")
	loginCmd.Flags().StringVar(&loginDisplayName, "display-name", "", "Display name (with --firebase-token)")
	loginCmd.Flags().StringVar(&loginPhotoURL, "photo-url", "", "Avatar URL (with --firebase-token)")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Password (native login, with --email)")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Bridge a login into a chat session",
	Long: "Exchange a credential for a MeowChat session token.\n" +
		"Either bridge a Firebase identity (--firebase-token with --uid/--email)\n" +
		"or log in natively (--email with --password).\n" +
		"The session token is persisted in ~/.meowchat/config.toml.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := newChatClient()
		roster := meowchat.NewRoster()
		bridge := meowchat.NewIdentityBridge(client, roster)

		var user *meowchat.ChatUser
		var err error
		switch {
		case loginFirebaseToken != "":
			if loginUID == "" {
				return fmt.Errorf("--uid is required with --firebase-token")
			}
			primary := meowchat.PrimaryIdentity{
				UID:         loginUID,
				Email:       loginEmail,
				DisplayName: loginDisplayName,
				PhotoURL:    loginPhotoURL,
			}
			source := func(context.Context) (string, error) { return loginFirebaseToken, nil }
			user, err = bridge.Bridge(ctx, primary, source)
		case loginEmail != "" && loginPassword != "":
			user, err = bridge.BridgeWithPassword(ctx, loginEmail, loginPassword)
		default:
			return fmt.Errorf("provide either --firebase-token with --uid, or --email with --password")
		}
		if err != nil {
			if meowchat.Retryable(err) {
				return fmt.Errorf("login failed (retryable): %w", err)
			}
			return fmt.Errorf("login failed: %w", err)
		}

		cfg, cfgErr := loadConfig()
		if cfgErr == nil && user != nil {
			cfg.Auth.UserID = user.ID
			cfg.Auth.Username = user.Username
			_ = saveConfig(cfg)
		}

		if user != nil {
			fmt.Printf("Logged in as %s (%s)\n", user.Username, user.ID)
		} else {
			fmt.Println("Logged in")
		}
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the chat session and clear the stored token",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := newChatClient()
		bridge := meowchat.NewIdentityBridge(client, meowchat.NewRoster())
		bridge.Logout(ctx)
		fmt.Println("Logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the chat identity bound to the stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		requireSession()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client := newChatClient()
		user, err := client.Auth().Me(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s)\n", user.Username, user.ID)
		if user.Email != "" {
			fmt.Println(user.Email)
		}
		return nil
	},
}
