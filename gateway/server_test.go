package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/driveshare/chatsync"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := chatsync.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	t.Cleanup(func() { store.Close() })
	return NewServer(store, opts...), mr
}

func do(t *testing.T, s *Server, method, path, token string, body any) (*httptest.ResponseRecorder, chatsync.Result) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var res chatsync.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("%s %s: invalid envelope %q: %v", method, path, rec.Body.String(), err)
	}
	return rec, res
}

func sampleConversation() *chatsync.Conversation {
	return &chatsync.Conversation{
		ID:           "c1",
		Participants: []string{"renter-1", "host-1"},
		Messages: []chatsync.Message{
			{ID: "m1", Sender: "renter-1", Content: "hi", Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		},
	}
}

func TestHealth(t *testing.T) {
	s, mr := newTestServer(t, WithToken("secret"))

	rec, res := do(t, s, http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusOK || !res.OK {
		t.Fatalf("health = %d %+v", rec.Code, res)
	}

	mr.Close()
	rec, res = do(t, s, http.MethodGet, "/v1/health", "", nil)
	if rec.Code != http.StatusServiceUnavailable || res.Error == nil || res.Error.Code != "unavailable" {
		t.Fatalf("health with redis down = %d %+v", rec.Code, res)
	}
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t, WithToken("secret"))

	rec, res := do(t, s, http.MethodGet, "/v1/conversations/c1", "", nil)
	if rec.Code != http.StatusUnauthorized || res.Error == nil || res.Error.Code != "unauthorized" {
		t.Fatalf("no token = %d %+v", rec.Code, res)
	}
	rec, _ = do(t, s, http.MethodGet, "/v1/conversations/c1", "wrong", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}
	rec, _ = do(t, s, http.MethodGet, "/v1/conversations/c1", "secret", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("valid token on missing conversation = %d", rec.Code)
	}
}

func TestPutGetList(t *testing.T) {
	s, _ := newTestServer(t)

	rec, res := do(t, s, http.MethodPut, "/v1/conversations/c1", "", sampleConversation())
	if rec.Code != http.StatusOK || !res.OK {
		t.Fatalf("put = %d %+v", rec.Code, res)
	}
	var stored chatsync.Conversation
	if err := res.Decode(&stored); err != nil {
		t.Fatal(err)
	}
	if stored.LastMessage == nil || stored.LastMessage.Content != "hi" {
		t.Fatalf("stored = %+v", stored)
	}

	// A second writer's message is merged, not clobbered.
	other := sampleConversation()
	other.Messages = []chatsync.Message{{ID: "m2", Sender: "host-1", Content: "hello", Timestamp: time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)}}
	do(t, s, http.MethodPut, "/v1/conversations/c1", "", other)

	_, res = do(t, s, http.MethodGet, "/v1/conversations/c1", "", nil)
	var got chatsync.Conversation
	if err := res.Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 {
		t.Fatalf("messages = %+v", got.Messages)
	}

	_, res = do(t, s, http.MethodGet, "/v1/users/host-1/conversations", "", nil)
	var list []*chatsync.Conversation
	if err := res.Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != "c1" {
		t.Fatalf("list = %+v", list)
	}

	rec, res = do(t, s, http.MethodGet, "/v1/users/nobody/conversations", "", nil)
	if rec.Code != http.StatusOK || string(res.Data) != "[]" {
		t.Fatalf("empty list = %d %s", rec.Code, res.Data)
	}
}

func TestPutValidation(t *testing.T) {
	s, _ := newTestServer(t)

	mismatch := sampleConversation()
	mismatch.ID = "other"
	single := sampleConversation()
	single.Participants = []string{"renter-1"}
	stranger := sampleConversation()
	stranger.Messages[0].Sender = "stranger"

	cases := map[string]any{
		"id mismatch":        mismatch,
		"one participant":    single,
		"foreign sender":     stranger,
		"not a conversation": []int{1, 2},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, res := do(t, s, http.MethodPut, "/v1/conversations/c1", "", body)
			if rec.Code != http.StatusBadRequest || res.Error == nil || res.Error.Code != "bad_request" {
				t.Fatalf("got %d %+v", rec.Code, res)
			}
		})
	}
}

func TestPutNotifiesRecipient(t *testing.T) {
	got := make(chan *PushPayload, 4)
	recv, _ := NewPushReceiver(testSecret, func(p *PushPayload) (*PushReply, error) {
		got <- p
		return nil, nil
	})
	push := httptest.NewServer(recv.HTTPHandler())
	defer push.Close()

	n, err := NewPushNotifier(push.URL, testSecret, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	s, _ := newTestServer(t, WithNotifier(n))

	do(t, s, http.MethodPut, "/v1/conversations/c1", "", sampleConversation())
	select {
	case p := <-got:
		if p.Recipient != "host-1" || p.Message.ID != "m1" {
			t.Fatalf("push = %+v", p)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no push")
	}

	// Re-sending the same state is not a new message.
	do(t, s, http.MethodPut, "/v1/conversations/c1", "", sampleConversation())
	select {
	case p := <-got:
		t.Fatalf("duplicate push: %+v", p)
	case <-time.After(200 * time.Millisecond):
	}
}
