package meowchat

import (
	"encoding/json"
	"sync"
)

// PresenceTracker maintains the live set of online users from socket push
// events. State lives only as long as one connection; a fresh snapshot
// replaces everything after a reconnect.
type PresenceTracker struct {
	mu     sync.RWMutex
	online map[string]ChatUser
	unsubs []Unsubscribe
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{online: make(map[string]ChatUser)}
}

// Attach subscribes the tracker to presence events on the connection.
func (p *PresenceTracker) Attach(cm *ConnectionManager) {
	p.unsubs = append(p.unsubs,
		cm.Subscribe(EventUsersOnline, p.onSnapshot),
		cm.Subscribe(EventUserOnline, p.onJoined),
		cm.Subscribe(EventUserOffline, p.onLeft),
		cm.Subscribe(EventDisconnect, func(json.RawMessage) { p.clear() }),
	)
}

// Detach unsubscribes from the connection and forgets all presence state.
func (p *PresenceTracker) Detach() {
	for _, unsub := range p.unsubs {
		unsub()
	}
	p.unsubs = nil
	p.clear()
}

// IsOnline reports whether the user is currently online.
func (p *PresenceTracker) IsOnline(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.online[id]
	return ok
}

// Online returns the current set of online users.
func (p *PresenceTracker) Online() []ChatUser {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]ChatUser, 0, len(p.online))
	for _, u := range p.online {
		users = append(users, u)
	}
	return users
}

// onSnapshot replaces the whole set.
func (p *PresenceTracker) onSnapshot(data json.RawMessage) {
	var users []ChatUser
	if json.Unmarshal(data, &users) != nil {
		return
	}
	p.mu.Lock()
	p.online = make(map[string]ChatUser, len(users))
	for _, u := range users {
		p.online[u.ID] = u
	}
	p.mu.Unlock()
}

// onJoined upserts one user; a repeat join replaces the record.
func (p *PresenceTracker) onJoined(data json.RawMessage) {
	var u ChatUser
	if json.Unmarshal(data, &u) != nil || u.ID == "" {
		return
	}
	p.mu.Lock()
	p.online[u.ID] = u
	p.mu.Unlock()
}

// onLeft removes one user. The payload is a bare id on most backend
// versions but an object on some; both are accepted. Unknown ids no-op.
func (p *PresenceTracker) onLeft(data json.RawMessage) {
	var id string
	if json.Unmarshal(data, &id) != nil {
		var u ChatUser
		if json.Unmarshal(data, &u) != nil || u.ID == "" {
			return
		}
		id = u.ID
	}
	p.mu.Lock()
	delete(p.online, id)
	p.mu.Unlock()
}

func (p *PresenceTracker) clear() {
	p.mu.Lock()
	p.online = make(map[string]ChatUser)
	p.mu.Unlock()
}
