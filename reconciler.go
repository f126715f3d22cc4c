package meowchat

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultPageSize is the history page size. A full page implies more
	// history may exist; a short page means history is exhausted.
	DefaultPageSize = 30

	// localIDPrefix marks optimistic entries that have no authoritative id
	// yet.
	localIDPrefix = "local-"

	// echoMatchWindow bounds the content-based fallback used to match a
	// socket echo against an optimistic entry whose authoritative id is
	// still unknown. Known limitation: two identical sends inside the
	// window can collapse into one entry.
	echoMatchWindow = 60 * time.Second
)

// ConversationView is the loaded message window of one open conversation.
// It reconciles three inputs into a single list sorted by creation time:
// paginated history loads, the viewer's own optimistic sends, and live
// socket events. Each message is either pending (optimistic, awaiting
// confirmation) or confirmed; a confirmed message never becomes pending
// again, and the pending flag is cleared exactly once, by whichever of the
// HTTP response or the socket echo lands first.
//
// One view per open conversation. Switching conversations means Close on
// the old view and a fresh view for the new one; Close unsubscribes the
// socket listeners and discards any page load still in flight.
type ConversationView struct {
	client *Client
	roster *Roster
	logger *zap.Logger
	chatID string

	mu       sync.Mutex
	messages []ChatMessage
	page     int
	pageSize int
	hasMore  bool
	closed   bool
	unsubs   []Unsubscribe
}

// NewConversationView creates the view for one conversation.
func NewConversationView(client *Client, roster *Roster, chatID string) *ConversationView {
	return &ConversationView{
		client:   client,
		roster:   roster,
		logger:   client.logger,
		chatID:   chatID,
		page:     1,
		pageSize: DefaultPageSize,
		hasMore:  true,
	}
}

// Attach subscribes the view to live message events on the connection.
func (v *ConversationView) Attach(cm *ConnectionManager) {
	v.mu.Lock()
	v.unsubs = append(v.unsubs,
		cm.Subscribe(EventMessageReceived, v.onMessageReceived),
		cm.Subscribe(EventMessageEdited, v.onMessageEdited),
		cm.Subscribe(EventMessageDeleted, v.onMessageDeleted),
	)
	v.mu.Unlock()
}

// Open loads the first history page and marks the conversation read.
func (v *ConversationView) Open(ctx context.Context) error {
	if err := v.LoadOlder(ctx); err != nil {
		return err
	}
	v.markRead(ctx)
	return nil
}

// Close unsubscribes from the socket and poisons the view: late page-load
// responses and stray events are discarded instead of merging into whatever
// conversation the user switched to.
func (v *ConversationView) Close() {
	v.mu.Lock()
	v.closed = true
	unsubs := v.unsubs
	v.unsubs = nil
	v.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

// Messages returns the current window, sorted by creation time ascending.
func (v *ConversationView) Messages() []ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]ChatMessage, len(v.messages))
	copy(out, v.messages)
	return out
}

// HasMore reports whether older history may still exist.
func (v *ConversationView) HasMore() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hasMore
}

// LoadOlder fetches the next (older) history page and merges it in front of
// the window. Duplicates by id are dropped.
func (v *ConversationView) LoadOlder(ctx context.Context) error {
	v.mu.Lock()
	if v.closed || !v.hasMore {
		v.mu.Unlock()
		return nil
	}
	page := v.page
	size := v.pageSize
	v.mu.Unlock()

	msgs, err := v.client.Messages().History(ctx, v.chatID, page, size)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		// The user left this conversation while the page was in flight.
		return nil
	}
	for i := range msgs {
		v.resolveSender(&msgs[i])
		if v.indexByID(msgs[i].ID) < 0 {
			v.messages = append(v.messages, msgs[i])
		}
	}
	v.sortLocked()
	v.hasMore = len(msgs) == size
	v.page = page + 1
	return nil
}

// Send runs the optimistic send protocol: insert a pending entry under a
// local id, issue the request, then reconcile. A confirmed response replaces
// the local entry; an empty ack clears pending in place and leaves the local
// id for a socket echo to supersede; a failure removes the entry entirely.
func (v *ConversationView) Send(ctx context.Context, content, messageType string) error {
	if messageType == "" {
		messageType = MessageTypeText
	}
	viewer := v.roster.Viewer()
	if viewer == nil {
		return newError(KindSendFailed, "", "not logged in to chat", nil)
	}

	temp := ChatMessage{
		ID:          localIDPrefix + uuid.NewString(),
		ChatID:      v.chatID,
		Sender:      ResolvedRef(*viewer),
		Content:     content,
		MessageType: messageType,
		CreatedAt:   time.Now().UTC(),
		Pending:     true,
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return newError(KindSendFailed, "", "conversation is closed", nil)
	}
	v.messages = append(v.messages, temp)
	v.sortLocked()
	v.mu.Unlock()

	confirmed, err := v.client.Messages().Send(ctx, v.chatID, content, messageType)

	v.mu.Lock()
	defer v.mu.Unlock()

	if err != nil {
		// Roll back: no dangling pending bubble. The drop is silent in
		// the rendered list; the caller sees the error.
		v.removeByID(temp.ID)
		v.logger.Warn("message send failed", zap.String("chat", v.chatID), zap.Error(err))
		return newError(KindSendFailed, "", "failed to send message", err)
	}

	if confirmed == nil {
		// Backend acked without a body; the socket echo will carry the
		// authoritative record. Keep the local id, drop the pending flag.
		if i := v.indexByID(temp.ID); i >= 0 {
			v.messages[i].Pending = false
		}
		return nil
	}

	if confirmed.ChatID == "" {
		confirmed.ChatID = v.chatID
	}
	v.resolveSender(confirmed)
	confirmed.Pending = false

	if v.indexByID(confirmed.ID) >= 0 {
		// The socket echo won the race and already installed the
		// authoritative record; the local entry is redundant.
		v.removeByID(temp.ID)
	} else if i := v.indexByID(temp.ID); i >= 0 {
		v.messages[i] = *confirmed
	} else {
		v.messages = append(v.messages, *confirmed)
	}
	v.sortLocked()
	return nil
}

// SendFile uploads an attachment and sends its URL as a file message.
func (v *ConversationView) SendFile(ctx context.Context, fileName string, data []byte) error {
	url, err := v.client.Uploads().UploadFile(ctx, v.chatID, fileName, data)
	if err != nil {
		return err
	}
	return v.Send(ctx, url, MessageTypeFile)
}

// Edit replaces a message's content server-side; the local window updates
// when the message_edited event comes back.
func (v *ConversationView) Edit(ctx context.Context, messageID, content string) error {
	return v.client.Messages().Edit(ctx, messageID, content)
}

// Delete removes a message server-side; the local window updates on the
// message_deleted event.
func (v *ConversationView) Delete(ctx context.Context, messageID string) error {
	return v.client.Messages().Delete(ctx, messageID)
}

// ── Live events ──────────────────────────────────────────────────────────

// onMessageReceived merges a live message. The viewer's own echoes either
// supersede a waiting optimistic entry or are dropped (already rendered);
// everyone else's messages insert with id-based de-dup, and the
// conversation is re-marked read since it is open.
func (v *ConversationView) onMessageReceived(data json.RawMessage) {
	var msg ChatMessage
	if json.Unmarshal(data, &msg) != nil || msg.ChatID != v.chatID {
		return
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}

	viewer := v.roster.Viewer()
	own := viewer != nil && msg.Sender.ID == viewer.ID

	if own {
		if i := v.matchLocalEcho(msg); i >= 0 {
			v.resolveSender(&msg)
			msg.Pending = false
			v.messages[i] = msg
			v.sortLocked()
		}
		// Otherwise the send path already rendered it; drop the echo.
		v.mu.Unlock()
		return
	}

	if v.indexByID(msg.ID) >= 0 {
		v.mu.Unlock()
		return
	}
	v.resolveSender(&msg)
	v.messages = append(v.messages, msg)
	v.sortLocked()
	v.mu.Unlock()

	// The conversation is open, so the new message is immediately read.
	v.markRead(context.Background())
}

// onMessageEdited replaces the matching message in place; unknown ids no-op.
func (v *ConversationView) onMessageEdited(data json.RawMessage) {
	var msg ChatMessage
	if json.Unmarshal(data, &msg) != nil || msg.ID == "" {
		return
	}
	if msg.ChatID != "" && msg.ChatID != v.chatID {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	i := v.indexByID(msg.ID)
	if i < 0 {
		return
	}
	v.resolveSender(&msg)
	if msg.ChatID == "" {
		msg.ChatID = v.chatID
	}
	msg.Pending = false
	v.messages[i] = msg
	v.sortLocked()
}

// onMessageDeleted removes the matching message; unknown ids no-op. The
// payload is a bare message id on most backend versions.
func (v *ConversationView) onMessageDeleted(data json.RawMessage) {
	var id string
	if json.Unmarshal(data, &id) != nil {
		var payload struct {
			ID    string `json:"_id"`
			AltID string `json:"messageId"`
		}
		if json.Unmarshal(data, &payload) != nil {
			return
		}
		id = payload.ID
		if id == "" {
			id = payload.AltID
		}
	}
	if id == "" {
		return
	}

	v.mu.Lock()
	v.removeByID(id)
	v.mu.Unlock()
}

// ── Internals ────────────────────────────────────────────────────────────

// resolveSender applies the shared roster resolution so every ingestion
// path (page load, send confirmation, live event) yields the same shape.
func (v *ConversationView) resolveSender(m *ChatMessage) {
	m.Sender = ResolvedRef(v.roster.Resolve(m.Sender))
}

// matchLocalEcho finds an optimistic entry the echoed message confirms.
// Authoritative id equality cannot apply (local entries have none), so the
// fallback key is (sender, content, kind) within echoMatchWindow.
func (v *ConversationView) matchLocalEcho(msg ChatMessage) int {
	for i := range v.messages {
		m := &v.messages[i]
		if !strings.HasPrefix(m.ID, localIDPrefix) {
			continue
		}
		if m.Content != msg.Content || m.MessageType != msg.MessageType {
			continue
		}
		ref := msg.CreatedAt
		if ref.IsZero() {
			ref = time.Now().UTC()
		}
		if d := ref.Sub(m.CreatedAt); d < -echoMatchWindow || d > echoMatchWindow {
			continue
		}
		return i
	}
	return -1
}

func (v *ConversationView) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range v.messages {
		if v.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (v *ConversationView) removeByID(id string) {
	if i := v.indexByID(id); i >= 0 {
		v.messages = append(v.messages[:i], v.messages[i+1:]...)
	}
}

// sortLocked keeps the window in non-decreasing creation-time order.
// SliceStable preserves arrival order for equal timestamps.
func (v *ConversationView) sortLocked() {
	sort.SliceStable(v.messages, func(i, j int) bool {
		return v.messages[i].CreatedAt.Before(v.messages[j].CreatedAt)
	})
}

// markRead tells the backend the conversation was read. Failures are
// transient and swallowed; the next open retries naturally.
func (v *ConversationView) markRead(ctx context.Context) {
	if err := v.client.Chats().MarkRead(ctx, v.chatID); err != nil {
		v.logger.Debug("mark read failed", zap.String("chat", v.chatID), zap.Error(err))
	}
}
