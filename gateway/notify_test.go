package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/rs/zerolog"
)

// ============================================================================
// Test Helpers
// ============================================================================

const testSecret = "test-push-secret-key"

func makeTestPayload() map[string]any {
	return map[string]any{
		"source":         "chatsync",
		"event":          "message.new",
		"timestamp":      1700000000,
		"conversationId": "conv-001",
		"recipient":      "host-1",
		"senderName":     "Rita",
		"message": map[string]any{
			"id":        "msg-001",
			"sender":    "renter-1",
			"content":   "Is the car available Friday?",
			"timestamp": "2026-01-01T00:00:00Z",
			"read":      false,
		},
	}
}

func makeTestPayloadString() string {
	b, _ := json.Marshal(makeTestPayload())
	return string(b)
}

func testConversation() *chatsync.Conversation {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &chatsync.Conversation{
		ID:               "conv-001",
		Participants:     []string{"renter-1", "host-1"},
		ParticipantNames: map[string]string{"renter-1": "Rita", "host-1": "Hal"},
		Messages: []chatsync.Message{
			{ID: "m1", Sender: "renter-1", Content: "hi", Timestamp: ts},
		},
		LastMessageTimestamp: ts,
		VehicleID:            "car-9",
		CreatedAt:            ts,
	}
}

// ============================================================================
// VerifySignature
// ============================================================================

func TestVerifySignature(t *testing.T) {
	body := makeTestPayloadString()

	t.Run("valid signature", func(t *testing.T) {
		if !VerifySignature(body, Sign([]byte(body), testSecret), testSecret) {
			t.Fatal("expected valid signature")
		}
	})

	t.Run("valid without prefix", func(t *testing.T) {
		sig := strings.TrimPrefix(Sign([]byte(body), testSecret), "sha256=")
		if !VerifySignature(body, sig, testSecret) {
			t.Fatal("expected valid signature without prefix")
		}
	})

	t.Run("wrong secret", func(t *testing.T) {
		if VerifySignature(body, Sign([]byte(body), "wrong-secret"), testSecret) {
			t.Fatal("expected invalid signature with wrong secret")
		}
	})

	t.Run("tampered body", func(t *testing.T) {
		if VerifySignature(body+"tampered", Sign([]byte(body), testSecret), testSecret) {
			t.Fatal("expected invalid for tampered body")
		}
	})

	t.Run("empty inputs", func(t *testing.T) {
		if VerifySignature("", "sha256=abc", testSecret) ||
			VerifySignature("body", "", testSecret) ||
			VerifySignature("body", "sha256=abc", "") ||
			VerifySignature("body", "sha256=", testSecret) {
			t.Fatal("expected false for empty inputs")
		}
	})
}

// ============================================================================
// ParsePushPayload
// ============================================================================

func TestParsePushPayload(t *testing.T) {
	t.Run("valid payload", func(t *testing.T) {
		p, err := ParsePushPayload(makeTestPayloadString())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p.Recipient != "host-1" || p.Message.ID != "msg-001" || p.SenderName != "Rita" {
			t.Fatalf("unexpected payload: %+v", p)
		}
	})

	t.Run("invalid JSON", func(t *testing.T) {
		if _, err := ParsePushPayload("not json"); err == nil {
			t.Fatal("expected error for invalid JSON")
		}
	})

	t.Run("unknown source", func(t *testing.T) {
		data := makeTestPayload()
		data["source"] = "unknown"
		b, _ := json.Marshal(data)
		_, err := ParsePushPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "unknown push source") {
			t.Fatalf("expected unknown source error, got: %v", err)
		}
	})

	t.Run("missing recipient", func(t *testing.T) {
		data := makeTestPayload()
		data["recipient"] = ""
		b, _ := json.Marshal(data)
		_, err := ParsePushPayload(string(b))
		if err == nil || !strings.Contains(err.Error(), "missing required fields") {
			t.Fatalf("expected missing fields error, got: %v", err)
		}
	})
}

// ============================================================================
// NewMessages
// ============================================================================

func TestNewMessages(t *testing.T) {
	before := testConversation()
	after := before.Clone()
	after.Messages = append(after.Messages,
		chatsync.Message{ID: "m2", Sender: "host-1", Content: "yes"},
		chatsync.Message{ID: "m3", Sender: "renter-1", Content: "great"},
	)

	got := NewMessages(before, after)
	if len(got) != 2 || got[0].ID != "m2" || got[1].ID != "m3" {
		t.Fatalf("NewMessages = %+v", got)
	}
	if got := NewMessages(nil, after); len(got) != 3 {
		t.Fatalf("nil before should return all messages, got %d", len(got))
	}
	if got := NewMessages(after, after); len(got) != 0 {
		t.Fatalf("no change should return nothing, got %d", len(got))
	}
}

// ============================================================================
// PushNotifier
// ============================================================================

func TestNewPushNotifierRequiresConfig(t *testing.T) {
	if _, err := NewPushNotifier("", testSecret, zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := NewPushNotifier("http://push", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestPushNotifierDeliversSignedPayloads(t *testing.T) {
	var (
		mu       sync.Mutex
		received []*PushPayload
		done     = make(chan struct{}, 4)
	)
	recv, err := NewPushReceiver(testSecret, func(p *PushPayload) (*PushReply, error) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
		done <- struct{}{}
		return &PushReply{Delivered: true}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(recv.HTTPHandler())
	defer srv.Close()

	n, err := NewPushNotifier(srv.URL, testSecret, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	before := testConversation()
	after := before.Clone()
	after.Messages = append(after.Messages, chatsync.Message{ID: "m2", Sender: "host-1", Content: "yes"})
	n.NotifyNew(before, after)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("push not delivered")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 push, got %d", len(received))
	}
	p := received[0]
	if p.Recipient != "renter-1" {
		t.Errorf("recipient = %q, want renter-1", p.Recipient)
	}
	if p.SenderName != "Hal" {
		t.Errorf("senderName = %q, want Hal", p.SenderName)
	}
	if p.VehicleID != "car-9" || p.Message.ID != "m2" {
		t.Errorf("unexpected payload: %+v", p)
	}
}

// ============================================================================
// PushReceiver
// ============================================================================

func TestPushReceiverHandle(t *testing.T) {
	recv, _ := NewPushReceiver(testSecret, func(p *PushPayload) (*PushReply, error) { return nil, nil })
	body := makeTestPayloadString()

	t.Run("invalid signature", func(t *testing.T) {
		status, _ := recv.Handle(body, "sha256=bad")
		if status != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", status)
		}
	})

	t.Run("bad payload", func(t *testing.T) {
		status, _ := recv.Handle("{}", Sign([]byte("{}"), testSecret))
		if status != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", status)
		}
	})

	t.Run("ok", func(t *testing.T) {
		status, data := recv.Handle(body, Sign([]byte(body), testSecret))
		if status != http.StatusOK {
			t.Fatalf("expected 200, got %d", status)
		}
		if m, ok := data.(map[string]bool); !ok || !m["ok"] {
			t.Fatalf("unexpected reply: %#v", data)
		}
	})

	t.Run("empty secret", func(t *testing.T) {
		if _, err := NewPushReceiver("", nil); err == nil {
			t.Fatal("expected error for empty secret")
		}
	})
}

func TestPushReceiverHTTPHandlerRejectsGet(t *testing.T) {
	recv, _ := NewPushReceiver(testSecret, func(p *PushPayload) (*PushReply, error) { return nil, nil })
	srv := httptest.NewServer(recv.HTTPHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
