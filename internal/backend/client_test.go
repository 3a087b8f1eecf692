package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"classlink/pkg/interfaces"
	"classlink/pkg/types"
)

var _ interfaces.Backend = (*Client)(nil)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", "test-token", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestResolveConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/conversations/resolve" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body resolveRequest
		json.NewDecoder(r.Body).Decode(&body) //nolint:errcheck
		if len(body.Participants) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(types.ConversationRef{ID: "c-77", Participants: body.Participants}) //nolint:errcheck
	})

	ref, err := c.ResolveConversation(context.Background(), "u1", "u2")
	if err != nil {
		t.Fatalf("ResolveConversation() error: %v", err)
	}
	if ref.ID != "c-77" || ref.Participants[1] != "u2" {
		t.Errorf("unexpected ref %+v", ref)
	}
}

func TestFetchMessages_QueryParams(t *testing.T) {
	var gotQuery string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/c 1/messages" {
			http.NotFound(w, r)
			return
		}
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode([]types.Message{{ID: 1, Text: "a"}, {ID: 2, Text: "b"}}) //nolint:errcheck
	})

	msgs, err := c.FetchMessages(context.Background(), "c 1", 40, 20)
	if err != nil {
		t.Fatalf("FetchMessages() error: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ID != 2 {
		t.Errorf("unexpected messages %+v", msgs)
	}
	if gotQuery != "before=40&limit=20" {
		t.Errorf("query = %q", gotQuery)
	}

	if _, err := c.FetchMessages(context.Background(), "c 1", 0, 0); err != nil {
		t.Fatalf("newest page error: %v", err)
	}
	if gotQuery != "" {
		t.Errorf("newest page should send no cursor, got %q", gotQuery)
	}
}

func TestSendMessage_Multipart(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}) //nolint:errcheck
			return
		}
		if r.FormValue("text") != "see attached" || r.FormValue("reply_to") != "9" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "bad fields"}) //nolint:errcheck
			return
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "missing file"}) //nolint:errcheck
			return
		}
		data, _ := io.ReadAll(f)
		json.NewEncoder(w).Encode(types.Message{ //nolint:errcheck
			ID:   42,
			Text: r.FormValue("text"),
			Attachment: &types.Attachment{
				Name:     hdr.Filename,
				MIMEType: hdr.Header.Get("Content-Type"),
				Size:     int64(len(data)),
			},
		})
	})

	msg, err := c.SendMessage(context.Background(), "c1", types.Draft{
		Text:    "see attached",
		ReplyTo: 9,
		File:    &types.Upload{Name: "notes.txt", MIMEType: "text/plain", Reader: strings.NewReader("hello")},
	})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if msg.ID != 42 || msg.Attachment == nil {
		t.Fatalf("unexpected message %+v", msg)
	}
	if msg.Attachment.Name != "notes.txt" || msg.Attachment.MIMEType != "text/plain" || msg.Attachment.Size != 5 {
		t.Errorf("attachment not transferred: %+v", msg.Attachment)
	}
}

func TestSendMessage_TextOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20) //nolint:errcheck
		if _, _, err := r.FormFile("file"); err == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if _, ok := r.MultipartForm.Value["reply_to"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(types.Message{ID: 43, Text: r.FormValue("text")}) //nolint:errcheck
	})

	msg, err := c.SendMessage(context.Background(), "c1", types.Draft{Text: "plain"})
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if msg.ID != 43 || msg.Text != "plain" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestJoinRoom(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/rooms/r1/join" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"session_id":  "sess-1",
			"credential":  "room-token",
			"ice_servers": []map[string]any{{"urls": []string{"stun:stun.example.org"}}},
		})
	})

	ticket, err := c.JoinRoom(context.Background(), "r1")
	if err != nil {
		t.Fatalf("JoinRoom() error: %v", err)
	}
	if ticket.RoomID != "r1" || ticket.SessionID != "sess-1" || ticket.Credential != "room-token" {
		t.Errorf("unexpected ticket %+v", ticket)
	}
	if len(ticket.ICEServers) != 1 || ticket.ICEServers[0].URLs[0] != "stun:stun.example.org" {
		t.Errorf("ice servers not decoded: %+v", ticket.ICEServers)
	}
}

func TestHTTPError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		message  string
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"not authenticated"}`, interfaces.ErrUnauthorized, "not authenticated"},
		{"forbidden", http.StatusForbidden, `{"error":"not a member"}`, interfaces.ErrUnauthorized, "not a member"},
		{"not found", http.StatusNotFound, `room gone`, interfaces.ErrNotFound, "room gone"},
		{"server error", http.StatusInternalServerError, `{"error":"boom"}`, nil, "boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body) //nolint:errcheck
			})
			_, err := c.JoinRoom(context.Background(), "r1")
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsStatus(err, tt.status) {
				t.Errorf("IsStatus(%d) = false for %v", tt.status, err)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("error %q should contain %q", err.Error(), tt.message)
			}
			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("expected %v to wrap %v", err, tt.sentinel)
			}
		})
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New("", "tok"); !errors.Is(err, ErrMissingBaseURL) {
		t.Errorf("expected ErrMissingBaseURL, got %v", err)
	}
}
