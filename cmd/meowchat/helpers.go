package main

import (
	"fmt"
	"os"

	meowchat "github.com/meowgram/meowchat-go"
	"go.uber.org/zap"
)

// fileTokenStore persists the chat session token in the CLI config, so a
// session survives between invocations and an auth rejection clears it from
// disk as well.
type fileTokenStore struct{}

func (fileTokenStore) Token() string {
	cfg, err := loadConfig()
	if err != nil {
		return ""
	}
	return cfg.Auth.Token
}

func (fileTokenStore) SetToken(token string) {
	cfg, err := loadConfig()
	if err != nil {
		return
	}
	cfg.Auth.Token = token
	_ = saveConfig(cfg)
}

func (fileTokenStore) Clear() {
	cfg, err := loadConfig()
	if err != nil {
		return
	}
	cfg.Auth.Token = ""
	cfg.Auth.UserID = ""
	cfg.Auth.Username = ""
	_ = saveConfig(cfg)
}

// newChatClient creates a client wired to the configured backend and the
// file-backed token store.
func newChatClient() *meowchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := zap.NewNop()
	if os.Getenv("MEOWCHAT_DEBUG") != "" {
		logger, _ = zap.NewDevelopment()
	}

	opts := []meowchat.ClientOption{
		meowchat.WithTokenStore(fileTokenStore{}),
		meowchat.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, meowchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return meowchat.NewClient(opts...)
}

// requireSession exits unless a session token is stored.
func requireSession() {
	if (fileTokenStore{}).Token() == "" {
		fmt.Fprintln(os.Stderr, "No chat session. Run 'meowchat login' first.")
		os.Exit(1)
	}
}
