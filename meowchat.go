// Package meowchat is a Go client for the MeowChat messaging backend.
//
// It covers the REST surface (auth bridging, chats, messages, uploads) and
// the realtime socket, and layers the client-side state the backend does not
// keep for you: a live conversation directory, per-conversation message
// reconciliation with optimistic sends, and presence tracking.
//
// Example:
//
//	client := meowchat.NewClient(meowchat.WithBaseURL("https://chat.example.com"))
//	roster := meowchat.NewRoster()
//	bridge := meowchat.NewIdentityBridge(client, roster)
//
//	user, _ := bridge.Bridge(ctx, primary, tokenSource)
//	conn := meowchat.NewConnectionManager(client)
//	_ = conn.Connect(ctx)
//
//	view := meowchat.NewConversationView(client, roster, chatID)
//	view.Attach(conn)
//	_ = view.Open(ctx)
//	_ = view.Send(ctx, "hello", meowchat.MessageTypeText)
package meowchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "http://localhost:5000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client is the REST client for the chat backend. The session token is read
// from the TokenStore on every request; only the IdentityBridge writes it.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	tokens     TokenStore

	auth     *AuthClient
	chats    *ChatsClient
	messages *MessagesClient
	uploads  *UploadsClient
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithTokenStore sets where the chat session token lives. The default is an
// in-memory store; the CLI uses a file-backed one.
func WithTokenStore(store TokenStore) ClientOption {
	return func(c *Client) { c.tokens = store }
}

// NewClient creates a new MeowChat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
		tokens: NewMemoryTokenStore(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.auth = &AuthClient{c: c}
	c.chats = &ChatsClient{c: c}
	c.messages = &MessagesClient{c: c}
	c.uploads = &UploadsClient{c: c}
	return c
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Tokens returns the session token store.
func (c *Client) Tokens() TokenStore { return c.tokens }

// Auth returns the auth sub-client.
func (c *Client) Auth() *AuthClient { return c.auth }

// Chats returns the chats sub-client.
func (c *Client) Chats() *ChatsClient { return c.chats }

// Messages returns the messages sub-client.
func (c *Client) Messages() *MessagesClient { return c.messages }

// Uploads returns the uploads sub-client.
func (c *Client) Uploads() *UploadsClient { return c.uploads }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + "/api" + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, u, "cannot reach chat server", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, u, "failed to read response", err)
	}
	return data, c.classifyStatus(resp.StatusCode, u, data)
}

// classifyStatus maps HTTP failures onto the error taxonomy. A 401 ends the
// chat session: the stored token is cleared and never retried as-is.
func (c *Client) classifyStatus(status int, endpoint string, body []byte) error {
	if status < 400 {
		return nil
	}

	msg := serverMessage(body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		c.tokens.Clear()
		c.logger.Warn("chat session rejected, clearing stored token",
			zap.Int("status", status), zap.String("endpoint", endpoint))
		if msg == "" {
			msg = "chat session rejected"
		}
		return &Error{Kind: KindAuthRejected, Endpoint: endpoint, Status: status, Message: msg}
	case status == http.StatusNotFound || status >= 500:
		if msg == "" {
			msg = "chat server unavailable"
		}
		return &Error{Kind: KindServerFault, Endpoint: endpoint, Status: status, Message: msg}
	default:
		if msg == "" {
			msg = fmt.Sprintf("request failed with status %d", status)
		}
		return &Error{Kind: KindNetwork, Endpoint: endpoint, Status: status, Message: msg}
	}
}

func serverMessage(body []byte) string {
	var m apiMessage
	if json.Unmarshal(body, &m) == nil {
		return m.Message
	}
	return ""
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth sub-client
// ============================================================================

// AuthClient covers the chat backend's auth surface. Token exchange itself
// lives on IdentityBridge, which owns the stored session token.
type AuthClient struct{ c *Client }

// Me returns the chat identity bound to the current session token.
func (a *AuthClient) Me(ctx context.Context) (*ChatUser, error) {
	data, err := a.c.doRequest(ctx, "GET", "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ChatUser](data)
}

// Users returns the directory of known chat users.
func (a *AuthClient) Users(ctx context.Context) ([]ChatUser, error) {
	data, err := a.c.doRequest(ctx, "GET", "/auth/users", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[usersResult](data)
	if err != nil {
		return nil, err
	}
	return res.Users, nil
}

// Logout invalidates the session server-side. Best effort; callers clear
// local state regardless.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.c.doRequest(ctx, "POST", "/auth/logout", nil, nil)
	return err
}

// ============================================================================
// Chats sub-client
// ============================================================================

// ChatsClient covers conversation management.
type ChatsClient struct{ c *Client }

// List fetches every conversation the viewer participates in.
func (cc *ChatsClient) List(ctx context.Context) ([]Chat, error) {
	data, err := cc.c.doRequest(ctx, "GET", "/chats", nil, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatsResult](data)
	if err != nil {
		return nil, err
	}
	return res.Chats, nil
}

// Create starts a new conversation.
func (cc *ChatsClient) Create(ctx context.Context, participantIDs []string, chatName string, isGroup bool) (*Chat, error) {
	payload := map[string]interface{}{
		"participantIds": participantIDs,
		"chatName":       chatName,
		"isGroup":        isGroup,
	}
	data, err := cc.c.doRequest(ctx, "POST", "/chats", payload, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[chatResult](data)
	if err == nil && res.Chat != nil {
		return res.Chat, nil
	}
	return decodeJSON[Chat](data)
}

// MarkRead zeroes the viewer's unread counter for a conversation.
func (cc *ChatsClient) MarkRead(ctx context.Context, chatID string) error {
	_, err := cc.c.doRequest(ctx, "PUT", "/chats/"+chatID+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages sub-client
// ============================================================================

// MessagesClient covers low-level message operations. ConversationView is
// the stateful layer on top of these.
type MessagesClient struct{ c *Client }

// History returns one page of a conversation's messages. Pages count from 1;
// the server returns newest pages first, messages within a page unsorted
// enough that callers re-sort by creation time.
func (m *MessagesClient) History(ctx context.Context, chatID string, page, limit int) ([]ChatMessage, error) {
	query := map[string]string{
		"page":  fmt.Sprintf("%d", page),
		"limit": fmt.Sprintf("%d", limit),
	}
	data, err := m.c.doRequest(ctx, "GET", "/messages/"+chatID, nil, query)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[messagesResult](data)
	if err != nil {
		return nil, err
	}
	return res.Messages, nil
}

// Send posts a message. The returned record is nil when the backend acks
// without a body and confirms over the socket instead.
func (m *MessagesClient) Send(ctx context.Context, chatID, content, messageType string) (*ChatMessage, error) {
	if messageType == "" {
		messageType = MessageTypeText
	}
	payload := map[string]string{"content": content, "messageType": messageType}
	data, err := m.c.doRequest(ctx, "POST", "/messages/"+chatID, payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeSentMessage(data), nil
}

// Edit replaces a message's content.
func (m *MessagesClient) Edit(ctx context.Context, messageID, content string) error {
	_, err := m.c.doRequest(ctx, "PUT", "/messages/"+messageID, map[string]string{"content": content}, nil)
	return err
}

// Delete removes a message.
func (m *MessagesClient) Delete(ctx context.Context, messageID string) error {
	_, err := m.c.doRequest(ctx, "DELETE", "/messages/"+messageID, nil, nil)
	return err
}

// ============================================================================
// Uploads sub-client
// ============================================================================

// UploadsClient uploads non-image attachments. Images go to the external
// media host directly; only the resulting URL passes through this backend.
type UploadsClient struct{ c *Client }

// UploadFile uploads a file bound to a chat and returns its public URL.
func (u *UploadsClient) UploadFile(ctx context.Context, chatID, fileName string, data []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", fileName)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := w.WriteField("chatId", chatID); err != nil {
		return "", fmt.Errorf("failed to write field: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	endpoint := u.c.baseURL + "/api/uploads"
	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, &buf)
	if err != nil {
		return "", fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if token := u.c.tokens.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := u.c.httpClient.Do(req)
	if err != nil {
		return "", newError(KindNetwork, endpoint, "cannot reach chat server", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", newError(KindNetwork, endpoint, "failed to read response", err)
	}
	if err := u.c.classifyStatus(resp.StatusCode, endpoint, body); err != nil {
		return "", err
	}

	res, err := decodeJSON[uploadResult](body)
	if err != nil {
		return "", err
	}
	return res.URL, nil
}
