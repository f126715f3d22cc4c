package meowchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test Helpers
// ============================================================================

// bridgeBackend is a fake chat backend for identity-bridge tests. It counts
// exchanges and serves a minimal user directory.
type bridgeBackend struct {
	mu        sync.Mutex
	exchanges int32
	failLogin int // HTTP status to fail /auth/firebase-login with; 0 = succeed
	users     []ChatUser
}

func (b *bridgeBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/firebase-login", "/api/auth/meowgram-login":
			atomic.AddInt32(&b.exchanges, 1)
			b.mu.Lock()
			fail := b.failLogin
			b.mu.Unlock()
			if fail != 0 {
				writeJSON(w, fail, map[string]string{"message": "login rejected"})
				return
			}
			writeJSON(w, 200, map[string]any{
				"token": "chat-token",
				"user":  map[string]any{"_id": "chat-1", "username": "mittens", "email": "mittens@example.com"},
			})
		case "/api/auth/users":
			b.mu.Lock()
			users := b.users
			b.mu.Unlock()
			writeJSON(w, 200, map[string]any{"users": users})
		case "/api/auth/me":
			if r.Header.Get("Authorization") != "Bearer chat-token" {
				writeJSON(w, 401, map[string]string{"message": "no session"})
				return
			}
			writeJSON(w, 200, map[string]any{"_id": "chat-1", "username": "mittens"})
		case "/api/auth/logout":
			w.WriteHeader(200)
		default:
			w.WriteHeader(404)
		}
	}
}

func newBridgeFixture(t *testing.T) (*IdentityBridge, *Roster, *Client, *bridgeBackend) {
	t.Helper()
	backend := &bridgeBackend{
		users: []ChatUser{{ID: "chat-2", Username: "paws"}},
	}
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	client := NewClient(WithBaseURL(srv.URL), WithTimeout(5*time.Second))
	roster := NewRoster()
	return NewIdentityBridge(client, roster), roster, client, backend
}

func staticSource(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

var testPrimary = PrimaryIdentity{
	UID:         "fb-uid-1",
	Email:       "mittens@example.com",
	DisplayName: "Mittens",
}

// ============================================================================
// Bridge
// ============================================================================

func TestBridge(t *testing.T) {
	t.Run("successful exchange establishes the session", func(t *testing.T) {
		bridge, roster, client, _ := newBridgeFixture(t)

		user, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)
		require.NotNil(t, user)

		assert.Equal(t, "chat-1", user.ID)
		assert.Equal(t, "chat-token", client.Tokens().Token())
		require.NotNil(t, roster.Viewer())
		assert.Equal(t, "chat-1", roster.Viewer().ID)

		// The user directory is loaded as part of the exchange.
		known, ok := roster.Lookup("chat-2")
		assert.True(t, ok)
		assert.Equal(t, "paws", known.Username)
	})

	t.Run("concurrent triggers collapse into one exchange", func(t *testing.T) {
		bridge, _, _, backend := newBridgeFixture(t)

		started := make(chan struct{})
		release := make(chan struct{})
		source := func(context.Context) (string, error) {
			close(started)
			<-release
			return "fb-token", nil
		}

		var wg sync.WaitGroup
		results := make([]*ChatUser, 2)
		errs := make([]error, 2)

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[0], errs[0] = bridge.Bridge(context.Background(), testPrimary, source)
		}()
		<-started

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[1], errs[1] = bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		}()
		time.Sleep(50 * time.Millisecond) // let the second call join the in-flight exchange
		close(release)
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
		assert.Equal(t, results[0], results[1])
		assert.Equal(t, int32(1), atomic.LoadInt32(&backend.exchanges))
	})

	t.Run("waiting caller honors its context", func(t *testing.T) {
		bridge, _, _, _ := newBridgeFixture(t)

		started := make(chan struct{})
		release := make(chan struct{})
		defer close(release)
		source := func(context.Context) (string, error) {
			close(started)
			<-release
			return "fb-token", nil
		}

		go func() { _, _ = bridge.Bridge(context.Background(), testPrimary, source) }()
		<-started
		time.Sleep(20 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := bridge.Bridge(ctx, testPrimary, staticSource("fb-token"))
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("source failure classifies as token exchange", func(t *testing.T) {
		bridge, _, _, _ := newBridgeFixture(t)

		source := func(context.Context) (string, error) {
			return "", context.DeadlineExceeded
		}
		_, err := bridge.Bridge(context.Background(), testPrimary, source)
		require.Error(t, err)
		assert.True(t, IsTokenExchangeFailed(err))
		assert.True(t, Retryable(err))
		assert.Contains(t, err.Error(), "/api/auth/firebase-login")
	})

	t.Run("rejected exchange clears any stale token", func(t *testing.T) {
		bridge, _, client, backend := newBridgeFixture(t)
		backend.failLogin = 401
		client.Tokens().SetToken("stale")

		_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.Error(t, err)
		assert.True(t, IsAuthRejected(err))
		assert.Empty(t, client.Tokens().Token())
	})

	t.Run("server fault passes through unretryable", func(t *testing.T) {
		bridge, _, _, backend := newBridgeFixture(t)
		backend.failLogin = 500

		_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.Error(t, err)
		assert.True(t, IsServerFault(err))
		assert.False(t, Retryable(err))
	})

	t.Run("repeated bridge for the same identity is idempotent", func(t *testing.T) {
		bridge, _, client, _ := newBridgeFixture(t)

		first, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)
		second, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "chat-token", client.Tokens().Token())
	})
}

// ============================================================================
// BridgeWithPassword
// ============================================================================

func TestBridgeWithPassword(t *testing.T) {
	bridge, roster, client, _ := newBridgeFixture(t)

	user, err := bridge.BridgeWithPassword(context.Background(), "mittens@example.com", "secret")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "chat-1", user.ID)
	assert.Equal(t, "chat-token", client.Tokens().Token())
	assert.Equal(t, user, roster.Viewer())
}

// ============================================================================
// OnPrimaryChange
// ============================================================================

func TestOnPrimaryChange(t *testing.T) {
	t.Run("sign-out clears everything", func(t *testing.T) {
		bridge, roster, client, _ := newBridgeFixture(t)
		_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)

		user, err := bridge.OnPrimaryChange(context.Background(), nil, nil)
		require.NoError(t, err)
		assert.Nil(t, user)
		assert.Empty(t, client.Tokens().Token())
		assert.Nil(t, roster.Viewer())
		assert.Nil(t, bridge.Identity())
	})

	t.Run("same identity takes the fast path", func(t *testing.T) {
		bridge, _, _, backend := newBridgeFixture(t)
		_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)

		user, err := bridge.OnPrimaryChange(context.Background(), &testPrimary, staticSource("fb-token"))
		require.NoError(t, err)
		require.NotNil(t, user)
		assert.Equal(t, "chat-1", user.ID)
		assert.Equal(t, int32(1), atomic.LoadInt32(&backend.exchanges), "fast path must not re-exchange")
	})

	t.Run("identity switch tears the old session down first", func(t *testing.T) {
		bridge, roster, _, backend := newBridgeFixture(t)
		_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)

		other := PrimaryIdentity{UID: "fb-uid-2", Email: "paws@example.com"}
		user, err := bridge.OnPrimaryChange(context.Background(), &other, staticSource("fb-token-2"))
		require.NoError(t, err)
		require.NotNil(t, user)

		assert.Equal(t, int32(2), atomic.LoadInt32(&backend.exchanges))
		require.NotNil(t, roster.Viewer())
		assert.Equal(t, "chat-1", roster.Viewer().ID)
	})

	t.Run("cleared token re-bridges even for the same identity", func(t *testing.T) {
		bridge, _, client, backend := newBridgeFixture(t)
		_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
		require.NoError(t, err)

		client.Tokens().Clear() // simulate a 401 having ended the chat session

		_, err = bridge.OnPrimaryChange(context.Background(), &testPrimary, staticSource("fb-token"))
		require.NoError(t, err)
		assert.Equal(t, int32(2), atomic.LoadInt32(&backend.exchanges))
		assert.Equal(t, "chat-token", client.Tokens().Token())
	})
}

// ============================================================================
// Resume / Logout
// ============================================================================

func TestResume(t *testing.T) {
	t.Run("restores a session from a stored token", func(t *testing.T) {
		bridge, roster, client, backend := newBridgeFixture(t)
		client.Tokens().SetToken("chat-token")

		user, err := bridge.Resume(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "chat-1", user.ID)
		assert.Equal(t, user, roster.Viewer())
		assert.Equal(t, int32(0), atomic.LoadInt32(&backend.exchanges), "resume must not exchange")
	})

	t.Run("no stored token", func(t *testing.T) {
		bridge, _, _, _ := newBridgeFixture(t)
		_, err := bridge.Resume(context.Background())
		require.Error(t, err)
	})

	t.Run("rejected token is cleared", func(t *testing.T) {
		bridge, _, client, _ := newBridgeFixture(t)
		client.Tokens().SetToken("stale-token")

		_, err := bridge.Resume(context.Background())
		require.Error(t, err)
		assert.True(t, IsAuthRejected(err))
		assert.Empty(t, client.Tokens().Token())
	})
}

func TestLogout(t *testing.T) {
	bridge, roster, client, _ := newBridgeFixture(t)
	_, err := bridge.Bridge(context.Background(), testPrimary, staticSource("fb-token"))
	require.NoError(t, err)

	bridge.Logout(context.Background())
	assert.Empty(t, client.Tokens().Token())
	assert.Nil(t, roster.Viewer())
	assert.Nil(t, bridge.Identity())

	_, ok := roster.Lookup("chat-2")
	assert.False(t, ok, "known-users directory must be cleared")
}

// ============================================================================
// Exchange payload
// ============================================================================

func TestExchangePayload(t *testing.T) {
	var gotPayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth/firebase-login" {
			_ = json.NewDecoder(r.Body).Decode(&gotPayload)
			writeJSON(w, 200, map[string]any{"token": "chat-token"})
			return
		}
		writeJSON(w, 200, map[string]any{"users": []any{}})
	}))
	defer srv.Close()

	client := NewClient(WithBaseURL(srv.URL))
	roster := NewRoster()
	bridge := NewIdentityBridge(client, roster)

	primary := PrimaryIdentity{UID: "fb-1", Email: "a@b.c"} // no display name
	user, err := bridge.Bridge(context.Background(), primary, staticSource("fb-token"))
	require.NoError(t, err)

	assert.Equal(t, "fb-token", gotPayload["firebaseToken"])
	userData, _ := gotPayload["userData"].(map[string]any)
	require.NotNil(t, userData)
	assert.Equal(t, "fb-1", userData["uid"])
	assert.Equal(t, "a@b.c", userData["displayName"], "email stands in for a missing display name")

	// Backend omitted the user record; a viewer is synthesized from the
	// primary profile.
	require.NotNil(t, user)
	assert.Equal(t, "fb-1", user.ID)
	assert.Equal(t, "a@b.c", user.Username)
	assert.Equal(t, user, roster.Viewer())
}
