package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"classlink/internal/logging"
	"classlink/internal/transport"
	"classlink/pkg/types"
)

// restBackend is an in-memory stand-in for the REST backend. Like the real
// one it fans every stored message out on the conversation topic.
type restBackend struct {
	srv *httptest.Server
	pub *transport.Connection

	mu       sync.Mutex
	nextID   int64
	sessions int
	messages map[string][]*types.Message
}

func newRESTBackend(t *testing.T, endpoint string) *restBackend {
	t.Helper()

	pub, err := transport.New(endpoint, tokenFor(backendUser),
		transport.WithLogger(logging.Discard()),
		transport.WithBackoff(transport.FixedBackoff{Delay: 20 * time.Millisecond}),
	)
	if err != nil {
		t.Fatalf("backend publisher: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pub.Start(ctx); err != nil {
		t.Fatalf("backend publisher start: %v", err)
	}

	b := &restBackend{pub: pub, messages: make(map[string][]*types.Message)}

	r := chi.NewRouter()
	r.Use(b.authenticate)
	r.Post("/api/conversations/resolve", b.resolve)
	r.Get("/api/conversations/{id}/messages", b.fetch)
	r.Post("/api/conversations/{id}/messages", b.send)
	r.Post("/api/rooms/{id}/join", b.join)
	b.srv = httptest.NewServer(r)

	t.Cleanup(func() {
		b.srv.Close()
		_ = pub.Close()
	})
	return b
}

func (b *restBackend) URL() string { return b.srv.URL }

type userKey struct{}

func (b *restBackend) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer tok-")
		if !ok || user == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	})
}

func conversationID(users []string) string {
	sorted := append([]string(nil), users...)
	sort.Strings(sorted)
	return "dm-" + strings.Join(sorted, "-")
}

func (b *restBackend) resolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Participants) != 2 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "two participants required"})
		return
	}
	users := append([]string(nil), req.Participants...)
	sort.Strings(users)
	writeJSON(w, http.StatusOK, types.ConversationRef{ID: conversationID(users), Participants: users})
}

// fetch returns the page of messages older than before, oldest first.
func (b *restBackend) fetch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	before, _ := strconv.ParseInt(r.URL.Query().Get("before"), 10, 64)

	b.mu.Lock()
	var older []*types.Message
	for _, m := range b.messages[id] {
		if before == 0 || m.ID < before {
			older = append(older, m)
		}
	}
	b.mu.Unlock()

	if len(older) > limit {
		older = older[len(older)-limit:]
	}
	if older == nil {
		older = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, older)
}

func (b *restBackend) send(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	msg := &types.Message{
		ConversationID: id,
		SenderID:       r.Context().Value(userKey{}).(string),
		Text:           r.FormValue("text"),
		CreatedAt:      time.Now().UTC(),
	}
	if file, hdr, err := r.FormFile("file"); err == nil {
		file.Close()
		msg.Attachment = &types.Attachment{
			Name:     hdr.Filename,
			URL:      "/files/" + hdr.Filename,
			MIMEType: hdr.Header.Get("Content-Type"),
			Size:     hdr.Size,
		}
	}

	b.mu.Lock()
	if raw := r.FormValue("reply_to"); raw != "" {
		parentID, _ := strconv.ParseInt(raw, 10, 64)
		for _, m := range b.messages[id] {
			if m.ID == parentID {
				parent := *m
				parent.ReplyTo = nil
				msg.ReplyTo = &parent
			}
		}
	}
	b.nextID++
	msg.ID = b.nextID
	b.messages[id] = append(b.messages[id], msg)
	b.mu.Unlock()

	payload, err := types.Encode(&types.MessageEvent{Message: msg})
	if err == nil {
		err = b.pub.Publish(types.ConversationTopic(id), payload)
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (b *restBackend) join(w http.ResponseWriter, r *http.Request) {
	user := r.Context().Value(userKey{}).(string)
	b.mu.Lock()
	b.sessions++
	n := b.sessions
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, types.JoinTicket{
		RoomID:     chi.URLParam(r, "id"),
		SessionID:  fmt.Sprintf("%s-%d", user, n),
		Credential: tokenFor(user),
	})
}

// seed stores history without publishing it.
func (b *restBackend) seed(users []string, n int) {
	id := conversationID(users)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.nextID++
		b.messages[id] = append(b.messages[id], &types.Message{
			ID:             b.nextID,
			ConversationID: id,
			SenderID:       users[i%len(users)],
			Text:           fmt.Sprintf("history %d", i+1),
			CreatedAt:      time.Now().UTC(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
