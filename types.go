package meowchat

import (
	"encoding/json"
	"sync"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// ChatUser is the chat backend's representation of a user. The backend is
// inconsistent about its id key ("_id" vs "id"), so both are accepted on the
// wire and normalized into ID.
type ChatUser struct {
	ID             string `json:"_id"`
	Username       string `json:"username"`
	Email          string `json:"email,omitempty"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

func (u *ChatUser) UnmarshalJSON(data []byte) error {
	type wire struct {
		ID             string `json:"_id"`
		AltID          string `json:"id"`
		Username       string `json:"username"`
		Email          string `json:"email"`
		ProfilePicture string `json:"profilePicture"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	u.ID = w.ID
	if u.ID == "" {
		u.ID = w.AltID
	}
	u.Username = w.Username
	u.Email = w.Email
	u.ProfilePicture = w.ProfilePicture
	return nil
}

// UserRef is a message sender as it appears on the wire: either a bare user
// id or an embedded user object. Resolved() reports whether the full user is
// known; Roster.Resolve fills in the rest.
type UserRef struct {
	ID   string
	User *ChatUser
}

func (r *UserRef) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &r.ID)
	}
	var u ChatUser
	if err := json.Unmarshal(data, &u); err != nil {
		return err
	}
	r.User = &u
	r.ID = u.ID
	return nil
}

func (r UserRef) MarshalJSON() ([]byte, error) {
	if r.User != nil {
		return json.Marshal(r.User)
	}
	return json.Marshal(r.ID)
}

// Resolved reports whether the full user record is attached.
func (r UserRef) Resolved() bool {
	return r.User != nil
}

// ResolvedRef builds a resolved reference from a full user record.
func ResolvedRef(u ChatUser) UserRef {
	return UserRef{ID: u.ID, User: &u}
}

// ============================================================================
// Conversations & Messages
// ============================================================================

// Chat kinds as reported by the backend.
const (
	ChatTypePrivate = "private"
	ChatTypeGroup   = "group"
)

// Participant wraps a chat member.
type Participant struct {
	User ChatUser `json:"user"`
	Role string   `json:"role,omitempty"`
}

// Chat is one conversation the viewer participates in. For private chats the
// display name and avatar are derived from the other participant and are
// never stored; see ConversationDirectory.DisplayInfo.
type Chat struct {
	ID           string        `json:"_id"`
	Type         string        `json:"type"`
	ChatName     string        `json:"chatName,omitempty"`
	ChatImage    string        `json:"chatImage,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *ChatMessage  `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// IsGroup reports whether the chat is a group conversation.
func (c *Chat) IsGroup() bool {
	return c.Type != ChatTypePrivate
}

// Message kinds.
const (
	MessageTypeText  = "text"
	MessageTypeImage = "image"
	MessageTypeFile  = "file"
)

// ChatMessage is a single message. Pending is local-only state: true between
// an optimistic insert and its confirmation by the HTTP response or a socket
// echo, whichever lands first.
type ChatMessage struct {
	ID          string    `json:"_id"`
	ChatID      string    `json:"chat"`
	Sender      UserRef   `json:"sender"`
	Content     string    `json:"content"`
	MessageType string    `json:"messageType"`
	Edited      bool      `json:"edited,omitempty"`
	Deleted     bool      `json:"deleted,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`

	Pending bool `json:"-"`
}

// ============================================================================
// Roster
// ============================================================================

// Roster holds the viewer's chat identity and the directory of known users.
// It is the single sender-resolution point: page loads, send confirmations
// and live socket events all pass through Resolve so the three ingestion
// paths produce identical shapes.
type Roster struct {
	mu     sync.RWMutex
	viewer *ChatUser
	users  map[string]ChatUser
}

// NewRoster creates an empty roster.
func NewRoster() *Roster {
	return &Roster{users: make(map[string]ChatUser)}
}

// SetViewer records the viewer's own chat identity.
func (r *Roster) SetViewer(u *ChatUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewer = u
}

// Viewer returns the viewer's chat identity, or nil before bridging.
func (r *Roster) Viewer() *ChatUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewer
}

// Replace swaps the known-users directory wholesale.
func (r *Roster) Replace(users []ChatUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = make(map[string]ChatUser, len(users))
	for _, u := range users {
		r.users[u.ID] = u
	}
}

// Lookup returns a known user by id.
func (r *Roster) Lookup(id string) (ChatUser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// Reset clears the viewer and the known-users directory. Called when the
// primary identity changes so nothing from the previous session leaks into
// the next one.
func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.viewer = nil
	r.users = make(map[string]ChatUser)
}

// Resolve turns a sender reference into a full user record. Order: embedded
// object wins, then the known-users directory, then the viewer's own
// identity, then a synthesized placeholder.
func (r *Roster) Resolve(ref UserRef) ChatUser {
	if ref.User != nil {
		return *ref.User
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if u, ok := r.users[ref.ID]; ok {
		return u
	}
	if r.viewer != nil && r.viewer.ID == ref.ID {
		return *r.viewer
	}
	return ChatUser{ID: ref.ID, Username: "Unknown User"}
}

// ============================================================================
// REST envelopes
// ============================================================================

type loginResult struct {
	Token string    `json:"token"`
	User  *ChatUser `json:"user"`
}

type usersResult struct {
	Users []ChatUser `json:"users"`
}

type chatsResult struct {
	Chats []Chat `json:"chats"`
}

type chatResult struct {
	Chat *Chat `json:"chat"`
}

type messagesResult struct {
	Messages []ChatMessage `json:"messages"`
}

type uploadResult struct {
	URL string `json:"url"`
}

type apiMessage struct {
	Message string `json:"message"`
}

// decodeSentMessage extracts a server-confirmed message from a send response.
// Some backend versions wrap it ({"message": {...}}), some return it bare,
// and some ack with an empty body and only echo over the socket — in that
// case nil is returned and the caller keeps its optimistic entry.
func decodeSentMessage(data []byte) *ChatMessage {
	if len(data) == 0 {
		return nil
	}
	var wrapped struct {
		Message *ChatMessage `json:"message"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Message != nil && wrapped.Message.ID != "" {
		return wrapped.Message
	}
	var bare ChatMessage
	if err := json.Unmarshal(data, &bare); err == nil && bare.ID != "" {
		return &bare
	}
	return nil
}
