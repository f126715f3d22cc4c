package meowchat

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// placeholderName is rendered when participant data is missing rather than
// failing the render.
const placeholderName = "Unknown User"

// ChatDisplay is the derived presentation of a conversation for the viewer.
// For private chats it comes from the other participant and is never stored.
type ChatDisplay struct {
	Name   string
	Avatar string
}

// ConversationDirectory keeps the viewer's conversation list live: loaded
// once over REST, then kept current by merging message-arrived and
// read-receipt events, sorted by last activity.
type ConversationDirectory struct {
	client *Client
	roster *Roster
	logger *zap.Logger

	mu     sync.RWMutex
	chats  []Chat
	active string
	unsubs []Unsubscribe
}

// NewConversationDirectory creates an empty directory.
func NewConversationDirectory(client *Client, roster *Roster) *ConversationDirectory {
	return &ConversationDirectory{
		client: client,
		roster: roster,
		logger: client.logger,
	}
}

// Load fetches the full conversation list.
func (d *ConversationDirectory) Load(ctx context.Context) error {
	chats, err := d.client.Chats().List(ctx)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.chats = chats
	d.sortLocked()
	d.mu.Unlock()
	return nil
}

// Attach subscribes the directory to live updates on the connection.
func (d *ConversationDirectory) Attach(cm *ConnectionManager) {
	d.unsubs = append(d.unsubs,
		cm.Subscribe(EventMessageReceived, d.onMessage),
		cm.Subscribe(EventMessageRead, d.onRead),
	)
}

// Detach unsubscribes from live updates.
func (d *ConversationDirectory) Detach() {
	for _, unsub := range d.unsubs {
		unsub()
	}
	d.unsubs = nil
}

// List returns the conversations sorted by last activity, most recent first.
func (d *ConversationDirectory) List() []Chat {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Chat, len(d.chats))
	copy(out, d.chats)
	return out
}

// SetActive marks which conversation is open in the UI. Inbound messages for
// the active conversation do not bump its unread counter, and opening a
// conversation zeroes it.
func (d *ConversationDirectory) SetActive(chatID string) {
	d.mu.Lock()
	d.active = chatID
	for i := range d.chats {
		if d.chats[i].ID == chatID {
			d.chats[i].UnreadCount = 0
		}
	}
	d.mu.Unlock()
}

// StartChat creates a conversation and inserts it into the list.
func (d *ConversationDirectory) StartChat(ctx context.Context, participantIDs []string, chatName string, isGroup bool) (*Chat, error) {
	chat, err := d.client.Chats().Create(ctx, participantIDs, chatName, isGroup)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	found := false
	for i := range d.chats {
		if d.chats[i].ID == chat.ID {
			d.chats[i] = *chat
			found = true
			break
		}
	}
	if !found {
		d.chats = append(d.chats, *chat)
	}
	d.sortLocked()
	d.mu.Unlock()
	return chat, nil
}

// DisplayInfo derives the name and avatar to render for a conversation.
// Private chats show the other participant; missing data falls back to a
// placeholder instead of failing.
func (d *ConversationDirectory) DisplayInfo(chat Chat) ChatDisplay {
	if chat.IsGroup() {
		name := chat.ChatName
		if name == "" {
			name = "Group Chat"
		}
		return ChatDisplay{Name: name, Avatar: chat.ChatImage}
	}

	other := d.otherParticipant(chat)
	if other == nil {
		return ChatDisplay{Name: placeholderName}
	}
	name := other.Username
	if name == "" {
		name = other.Email
	}
	if name == "" {
		name = placeholderName
	}
	return ChatDisplay{Name: name, Avatar: other.ProfilePicture}
}

// otherParticipant resolves "the other side" of a private chat by excluding
// the viewer's own id.
func (d *ConversationDirectory) otherParticipant(chat Chat) *ChatUser {
	viewer := d.roster.Viewer()
	for i := range chat.Participants {
		u := chat.Participants[i].User
		if viewer != nil && u.ID == viewer.ID {
			continue
		}
		if u.ID == "" {
			continue
		}
		return &u
	}
	return nil
}

// onMessage bumps the matching conversation's last message and activity, and
// its unread counter unless the conversation is open.
func (d *ConversationDirectory) onMessage(data json.RawMessage) {
	var msg ChatMessage
	if json.Unmarshal(data, &msg) != nil || msg.ChatID == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.chats {
		if d.chats[i].ID != msg.ChatID {
			continue
		}
		m := msg
		d.chats[i].LastMessage = &m
		d.chats[i].UpdatedAt = msg.CreatedAt
		if d.chats[i].ID == d.active {
			d.chats[i].UnreadCount = 0
		} else {
			d.chats[i].UnreadCount++
		}
		d.sortLocked()
		return
	}
	d.logger.Debug("message for unknown conversation", zap.String("chat", msg.ChatID))
}

// onRead zeroes the unread counter for the named conversation.
func (d *ConversationDirectory) onRead(data json.RawMessage) {
	var payload struct {
		ChatID string `json:"chatId"`
	}
	if json.Unmarshal(data, &payload) != nil || payload.ChatID == "" {
		return
	}
	d.mu.Lock()
	for i := range d.chats {
		if d.chats[i].ID == payload.ChatID {
			d.chats[i].UnreadCount = 0
			break
		}
	}
	d.mu.Unlock()
}

// sortLocked orders by last activity descending. Conversations that never
// saw a message sort by creation time.
func (d *ConversationDirectory) sortLocked() {
	sort.SliceStable(d.chats, func(i, j int) bool {
		return lastActivity(d.chats[i]).After(lastActivity(d.chats[j]))
	})
}

func lastActivity(chat Chat) time.Time {
	if chat.LastMessage != nil && !chat.LastMessage.CreatedAt.IsZero() {
		if chat.UpdatedAt.After(chat.LastMessage.CreatedAt) {
			return chat.UpdatedAt
		}
		return chat.LastMessage.CreatedAt
	}
	if !chat.UpdatedAt.IsZero() {
		return chat.UpdatedAt
	}
	return chat.CreatedAt
}
