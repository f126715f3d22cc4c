package meowchat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ============================================================================
// Token store
// ============================================================================

// TokenStore holds the chat session token. One string, scoped to one chat
// identity, cleared on logout or on an auth rejection. Only IdentityBridge
// writes it.
type TokenStore interface {
	Token() string
	SetToken(token string)
	Clear()
}

// MemoryTokenStore is the default, process-local token store.
type MemoryTokenStore struct {
	mu    sync.RWMutex
	token string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{}
}

func (s *MemoryTokenStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *MemoryTokenStore) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
}

func (s *MemoryTokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// ============================================================================
// Identity bridge
// ============================================================================

// PrimaryIdentity is the external auth provider's view of who is logged in.
// The bridge only observes it; the provider owns its lifecycle.
type PrimaryIdentity struct {
	UID           string
	Email         string
	DisplayName   string
	PhotoURL      string
	EmailVerified bool
}

// TokenSource mints a fresh primary-provider credential for the signed-in
// identity. Called at most once per exchange.
type TokenSource func(ctx context.Context) (string, error)

// IdentityBridge exchanges a primary identity for a chat session. It owns
// the stored session token and the roster's viewer entry, and guarantees a
// chat identity is never carried across different primary identities.
type IdentityBridge struct {
	client *Client
	roster *Roster
	logger *zap.Logger

	mu       sync.Mutex
	inflight map[string]*bridgeCall
	current  string // UID of the bridged primary identity
	identity *ChatUser
}

// bridgeCall is one in-flight exchange; concurrent triggers for the same
// primary identity wait on done instead of starting a second exchange.
type bridgeCall struct {
	done chan struct{}
	user *ChatUser
	err  error
}

// NewIdentityBridge creates a bridge over the given client and roster.
func NewIdentityBridge(client *Client, roster *Roster) *IdentityBridge {
	return &IdentityBridge{
		client:   client,
		roster:   roster,
		logger:   client.logger,
		inflight: make(map[string]*bridgeCall),
	}
}

// Identity returns the current chat identity, or nil before bridging.
func (b *IdentityBridge) Identity() *ChatUser {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.identity
}

// Bridge exchanges the primary identity for a chat session. Concurrent calls
// for the same primary identity collapse into a single exchange.
func (b *IdentityBridge) Bridge(ctx context.Context, primary PrimaryIdentity, source TokenSource) (*ChatUser, error) {
	b.mu.Lock()
	if call, ok := b.inflight[primary.UID]; ok {
		b.mu.Unlock()
		select {
		case <-call.done:
			return call.user, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &bridgeCall{done: make(chan struct{})}
	b.inflight[primary.UID] = call
	b.mu.Unlock()

	user, err := b.exchange(ctx, primary, source)

	b.mu.Lock()
	delete(b.inflight, primary.UID)
	if err == nil {
		b.current = primary.UID
		b.identity = user
	}
	b.mu.Unlock()

	call.user, call.err = user, err
	close(call.done)
	return user, err
}

func (b *IdentityBridge) exchange(ctx context.Context, primary PrimaryIdentity, source TokenSource) (*ChatUser, error) {
	endpoint := b.client.baseURL + "/api/auth/firebase-login"

	primaryToken, err := source(ctx)
	if err != nil {
		return nil, newError(KindTokenExchange, endpoint, "cannot obtain primary identity token", err)
	}

	displayName := primary.DisplayName
	if displayName == "" {
		displayName = primary.Email
	}
	payload := map[string]interface{}{
		"firebaseToken": primaryToken,
		"userData": map[string]string{
			"uid":         primary.UID,
			"email":       primary.Email,
			"displayName": displayName,
			"photoURL":    primary.PhotoURL,
		},
	}

	data, err := b.client.doRequest(ctx, "POST", "/auth/firebase-login", payload, nil)
	if err != nil {
		b.client.tokens.Clear()
		if IsAuthRejected(err) || IsServerFault(err) {
			return nil, err
		}
		return nil, newError(KindTokenExchange, endpoint, "chat login failed", err)
	}

	res, err := decodeJSON[loginResult](data)
	if err != nil {
		b.client.tokens.Clear()
		return nil, newError(KindTokenExchange, endpoint, "malformed login response", err)
	}
	if res.Token == "" {
		b.client.tokens.Clear()
		return nil, newError(KindTokenExchange, endpoint, "login response carried no token", nil)
	}

	b.client.tokens.SetToken(res.Token)

	user := res.User
	if user == nil {
		// Backend omitted the user record; synthesize one from the
		// primary profile so the session still has a viewer.
		user = &ChatUser{
			ID:             primary.UID,
			Username:       displayName,
			Email:          primary.Email,
			ProfilePicture: primary.PhotoURL,
		}
	}
	b.roster.SetViewer(user)

	if err := b.RefreshUsers(ctx); err != nil {
		b.logger.Warn("failed to fetch user directory after login", zap.Error(err))
	}
	return user, nil
}

// BridgeWithPassword logs in with native chat credentials instead of a
// bridged primary identity.
func (b *IdentityBridge) BridgeWithPassword(ctx context.Context, email, password string) (*ChatUser, error) {
	endpoint := b.client.baseURL + "/api/auth/meowgram-login"

	payload := map[string]string{"email": email, "password": password}
	data, err := b.client.doRequest(ctx, "POST", "/auth/meowgram-login", payload, nil)
	if err != nil {
		b.client.tokens.Clear()
		if IsAuthRejected(err) || IsServerFault(err) {
			return nil, err
		}
		return nil, newError(KindTokenExchange, endpoint, "chat login failed", err)
	}

	res, err := decodeJSON[loginResult](data)
	if err != nil || res.Token == "" {
		b.client.tokens.Clear()
		return nil, newError(KindTokenExchange, endpoint, "malformed login response", err)
	}

	b.client.tokens.SetToken(res.Token)
	b.roster.SetViewer(res.User)

	b.mu.Lock()
	b.identity = res.User
	b.mu.Unlock()

	if err := b.RefreshUsers(ctx); err != nil {
		b.logger.Warn("failed to fetch user directory after login", zap.Error(err))
	}
	return res.User, nil
}

// OnPrimaryChange reacts to a primary identity transition. Absent to present
// bridges; a switch to a different identity tears the old chat session down
// first so nothing is attributed to the wrong user; present to absent logs
// out locally.
func (b *IdentityBridge) OnPrimaryChange(ctx context.Context, primary *PrimaryIdentity, source TokenSource) (*ChatUser, error) {
	if primary == nil {
		b.Reset()
		return nil, nil
	}

	b.mu.Lock()
	same := b.current == primary.UID && b.identity != nil
	identity := b.identity
	b.mu.Unlock()

	if same && b.client.tokens.Token() != "" {
		// Fast path: session already established; just keep the user
		// directory warm.
		if err := b.RefreshUsers(ctx); err != nil {
			b.logger.Debug("roster refresh on fast path failed", zap.Error(err))
		}
		return identity, nil
	}

	if !same && b.current != "" {
		b.Reset()
	}
	return b.Bridge(ctx, *primary, source)
}

// Resume restores a session from a stored token without an exchange. Used at
// startup when a token survived the previous run. On rejection the token is
// cleared and the caller should bridge again.
func (b *IdentityBridge) Resume(ctx context.Context) (*ChatUser, error) {
	if b.client.tokens.Token() == "" {
		return nil, errors.New("no stored session token")
	}

	user, err := b.client.Auth().Me(ctx)
	if err != nil {
		if !IsNetworkUnavailable(err) {
			b.client.tokens.Clear()
		}
		return nil, err
	}

	b.roster.SetViewer(user)
	b.mu.Lock()
	b.identity = user
	b.mu.Unlock()

	if err := b.RefreshUsers(ctx); err != nil {
		b.logger.Warn("failed to fetch user directory on resume", zap.Error(err))
	}
	return user, nil
}

// RefreshUsers reloads the known-users directory into the roster. Failures
// are non-fatal for background callers.
func (b *IdentityBridge) RefreshUsers(ctx context.Context) error {
	users, err := b.client.Auth().Users(ctx)
	if err != nil {
		return err
	}
	b.roster.Replace(users)
	return nil
}

// Logout ends the chat session: best-effort server logout, then local reset.
func (b *IdentityBridge) Logout(ctx context.Context) {
	if b.client.tokens.Token() != "" {
		if err := b.client.Auth().Logout(ctx); err != nil {
			b.logger.Debug("server logout failed", zap.Error(err))
		}
	}
	b.Reset()
}

// Reset clears every piece of chat session state: token, viewer, roster and
// the cached chat identity.
func (b *IdentityBridge) Reset() {
	b.client.tokens.Clear()
	b.roster.Reset()
	b.mu.Lock()
	b.current = ""
	b.identity = nil
	b.mu.Unlock()
}
