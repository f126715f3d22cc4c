package meowchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testToken = "test-session-token"

// newTestClient wires a client to an httptest server with a pre-set token.
func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewClient(WithBaseURL(srv.URL), WithTimeout(5*time.Second))
	client.Tokens().SetToken(testToken)
	return client, srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================================
// Request plumbing & error classification
// ============================================================================

func TestDoRequest(t *testing.T) {
	t.Run("bearer token attached", func(t *testing.T) {
		var gotAuth string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			writeJSON(w, 200, map[string]any{"_id": "u1", "username": "mittens"})
		})

		if _, err := client.Auth().Me(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotAuth != "Bearer "+testToken {
			t.Fatalf("expected bearer token, got %q", gotAuth)
		}
	})

	t.Run("api prefix on path", func(t *testing.T) {
		var gotPath string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			writeJSON(w, 200, map[string]any{"users": []any{}})
		})

		if _, err := client.Auth().Users(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotPath != "/api/auth/users" {
			t.Fatalf("expected /api/auth/users, got %s", gotPath)
		}
	})

	t.Run("401 clears token and classifies as auth rejection", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 401, map[string]string{"message": "token expired"})
		})

		_, err := client.Auth().Me(context.Background())
		if !IsAuthRejected(err) {
			t.Fatalf("expected auth rejection, got %v", err)
		}
		if client.Tokens().Token() != "" {
			t.Fatal("expected stored token to be cleared")
		}
	})

	t.Run("403 also ends the session", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(403)
		})

		_, err := client.Auth().Me(context.Background())
		if !IsAuthRejected(err) {
			t.Fatalf("expected auth rejection, got %v", err)
		}
		if client.Tokens().Token() != "" {
			t.Fatal("expected stored token to be cleared")
		}
	})

	t.Run("404 classifies as server fault", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(404)
		})

		_, err := client.Chats().List(context.Background())
		if !IsServerFault(err) {
			t.Fatalf("expected server fault, got %v", err)
		}
		if client.Tokens().Token() != testToken {
			t.Fatal("server fault must not clear the token")
		}
	})

	t.Run("500 classifies as server fault", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 500, map[string]string{"message": "boom"})
		})

		_, err := client.Chats().List(context.Background())
		if !IsServerFault(err) {
			t.Fatalf("expected server fault, got %v", err)
		}
	})

	t.Run("unreachable server classifies as network failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close() // nothing listens here anymore
		client := NewClient(WithBaseURL(srv.URL), WithTimeout(time.Second))

		_, err := client.Auth().Me(context.Background())
		if !IsNetworkUnavailable(err) {
			t.Fatalf("expected network failure, got %v", err)
		}
		if !Retryable(err) {
			t.Fatal("network failures should be retryable")
		}
	})

	t.Run("error carries endpoint and server message", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 500, map[string]string{"message": "database on fire"})
		})

		_, err := client.Auth().Me(context.Background())
		if err == nil {
			t.Fatal("expected error")
		}
		var e *Error
		if !errors.As(err, &e) {
			t.Fatalf("expected *Error, got %T", err)
		}
		if e.Message != "database on fire" {
			t.Fatalf("unexpected message: %s", e.Message)
		}
		if e.Endpoint == "" {
			t.Fatal("expected endpoint to be recorded")
		}
	})
}

// ============================================================================
// Sub-clients
// ============================================================================

func TestChatsClient(t *testing.T) {
	t.Run("create sends expected payload", func(t *testing.T) {
		var gotBody map[string]any
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewDecoder(r.Body).Decode(&gotBody)
			writeJSON(w, 200, map[string]any{"chat": map[string]any{"_id": "c1", "type": "group"}})
		})

		chat, err := client.Chats().Create(context.Background(), []string{"u2", "u3"}, "cats", true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chat.ID != "c1" {
			t.Fatalf("expected chat c1, got %s", chat.ID)
		}
		if gotBody["chatName"] != "cats" || gotBody["isGroup"] != true {
			t.Fatalf("unexpected payload: %v", gotBody)
		}
		ids, _ := gotBody["participantIds"].([]any)
		if len(ids) != 2 {
			t.Fatalf("expected 2 participant ids, got %v", gotBody["participantIds"])
		}
	})

	t.Run("create accepts unwrapped response", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, map[string]any{"_id": "c2", "type": "private"})
		})

		chat, err := client.Chats().Create(context.Background(), []string{"u2"}, "", false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if chat.ID != "c2" {
			t.Fatalf("expected chat c2, got %s", chat.ID)
		}
	})

	t.Run("mark read hits the read endpoint", func(t *testing.T) {
		var gotMethod, gotPath string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotMethod, gotPath = r.Method, r.URL.Path
			w.WriteHeader(200)
		})

		if err := client.Chats().MarkRead(context.Background(), "c1"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotMethod != "PUT" || gotPath != "/api/chats/c1/read" {
			t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
		}
	})
}

func TestMessagesClient(t *testing.T) {
	t.Run("history passes pagination", func(t *testing.T) {
		var gotQuery string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.RawQuery
			writeJSON(w, 200, map[string]any{"messages": []any{}})
		})

		if _, err := client.Messages().History(context.Background(), "c1", 2, 30); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotQuery != "limit=30&page=2" {
			t.Fatalf("unexpected query: %s", gotQuery)
		}
	})

	t.Run("send returns the confirmed record", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, 200, map[string]any{"message": map[string]any{
				"_id": "m1", "chat": "c1", "content": "hi", "messageType": "text",
			}})
		})

		msg, err := client.Messages().Send(context.Background(), "c1", "hi", MessageTypeText)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg == nil || msg.ID != "m1" {
			t.Fatalf("expected confirmed message m1, got %+v", msg)
		}
	})

	t.Run("send tolerates an empty ack", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
		})

		msg, err := client.Messages().Send(context.Background(), "c1", "hi", "")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if msg != nil {
			t.Fatalf("expected nil for empty ack, got %+v", msg)
		}
	})
}

func TestUploadsClient(t *testing.T) {
	t.Run("multipart upload returns URL", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				t.Errorf("bad multipart form: %v", err)
			}
			if r.FormValue("chatId") != "c1" {
				t.Errorf("expected chatId c1, got %s", r.FormValue("chatId"))
			}
			_, header, err := r.FormFile("file")
			if err != nil {
				t.Errorf("missing file part: %v", err)
			} else if header.Filename != "notes.txt" {
				t.Errorf("unexpected filename: %s", header.Filename)
			}
			writeJSON(w, 200, map[string]string{"url": "https://cdn.example.com/notes.txt"})
		})

		url, err := client.Uploads().UploadFile(context.Background(), "c1", "notes.txt", []byte("hello"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if url != "https://cdn.example.com/notes.txt" {
			t.Fatalf("unexpected url: %s", url)
		}
	})
}

// ============================================================================
// Wire decoding
// ============================================================================

func TestDecodeSentMessage(t *testing.T) {
	t.Run("wrapped", func(t *testing.T) {
		msg := decodeSentMessage([]byte(`{"message":{"_id":"m1","content":"hi"}}`))
		if msg == nil || msg.ID != "m1" {
			t.Fatalf("expected m1, got %+v", msg)
		}
	})

	t.Run("bare", func(t *testing.T) {
		msg := decodeSentMessage([]byte(`{"_id":"m2","content":"hi"}`))
		if msg == nil || msg.ID != "m2" {
			t.Fatalf("expected m2, got %+v", msg)
		}
	})

	t.Run("empty ack", func(t *testing.T) {
		if msg := decodeSentMessage(nil); msg != nil {
			t.Fatalf("expected nil, got %+v", msg)
		}
	})

	t.Run("ack without id", func(t *testing.T) {
		if msg := decodeSentMessage([]byte(`{"message":"sent"}`)); msg != nil {
			t.Fatalf("expected nil, got %+v", msg)
		}
	})
}

func TestUserRef(t *testing.T) {
	t.Run("bare id", func(t *testing.T) {
		var ref UserRef
		if err := json.Unmarshal([]byte(`"u1"`), &ref); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ref.ID != "u1" || ref.Resolved() {
			t.Fatalf("expected unresolved u1, got %+v", ref)
		}
	})

	t.Run("embedded object", func(t *testing.T) {
		var ref UserRef
		if err := json.Unmarshal([]byte(`{"_id":"u1","username":"mittens"}`), &ref); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !ref.Resolved() || ref.User.Username != "mittens" {
			t.Fatalf("expected resolved mittens, got %+v", ref)
		}
	})

	t.Run("alternate id key", func(t *testing.T) {
		var u ChatUser
		if err := json.Unmarshal([]byte(`{"id":"u9","username":"paws"}`), &u); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if u.ID != "u9" {
			t.Fatalf("expected u9, got %s", u.ID)
		}
	})
}

func TestRosterResolve(t *testing.T) {
	roster := NewRoster()
	roster.SetViewer(&ChatUser{ID: "me", Username: "self"})
	roster.Replace([]ChatUser{{ID: "u1", Username: "mittens"}})

	t.Run("embedded object wins", func(t *testing.T) {
		u := roster.Resolve(UserRef{ID: "u1", User: &ChatUser{ID: "u1", Username: "override"}})
		if u.Username != "override" {
			t.Fatalf("expected override, got %s", u.Username)
		}
	})

	t.Run("known user by id", func(t *testing.T) {
		u := roster.Resolve(UserRef{ID: "u1"})
		if u.Username != "mittens" {
			t.Fatalf("expected mittens, got %s", u.Username)
		}
	})

	t.Run("viewer fallback", func(t *testing.T) {
		u := roster.Resolve(UserRef{ID: "me"})
		if u.Username != "self" {
			t.Fatalf("expected self, got %s", u.Username)
		}
	})

	t.Run("placeholder for unknown", func(t *testing.T) {
		u := roster.Resolve(UserRef{ID: "ghost"})
		if u.Username != "Unknown User" || u.ID != "ghost" {
			t.Fatalf("expected placeholder, got %+v", u)
		}
	})
}
