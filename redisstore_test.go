package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStoreMirrorMerges(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	if _, err := s.Get(ctx, "c1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	a := &Conversation{
		ID:           "c1",
		Participants: []string{"a", "b"},
		Messages:     []Message{{ID: "m1", Sender: "a", Content: "from a", Timestamp: t0}},
	}
	if _, err := s.Mirror(ctx, a); err != nil {
		t.Fatal(err)
	}

	// A second device that never saw m1 writes its own message.
	b := &Conversation{
		ID:           "c1",
		Participants: []string{"a", "b"},
		Messages:     []Message{{ID: "m2", Sender: "b", Content: "from b", Timestamp: t0.Add(time.Second)}},
	}
	stored, err := s.Mirror(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Messages) != 2 {
		t.Fatalf("concurrent writer clobbered a message: %+v", stored.Messages)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Messages) != 2 || got.LastMessage == nil || got.LastMessage.ID != "m2" {
		t.Fatalf("stored = %+v", got)
	}

	if _, err := s.Mirror(ctx, &Conversation{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestRedisStoreQueryOrder(t *testing.T) {
	s, mr := newTestRedisStore(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, id := range []string{"older", "newest", "middle"} {
		offset := map[string]time.Duration{"older": 0, "middle": time.Hour, "newest": 2 * time.Hour}[id]
		c := &Conversation{ID: id, Participants: []string{"u", "peer"}, LastMessageTimestamp: t0.Add(offset), CreatedAt: t0}
		if i == 0 {
			c.Participants = []string{"peer", "u"}
		}
		if _, err := s.Mirror(ctx, c); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.Mirror(ctx, &Conversation{ID: "other", Participants: []string{"x", "y"}}); err != nil {
		t.Fatal(err)
	}

	convs, err := s.Query(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if got := ids(convs); len(got) != 3 || got[0] != "newest" || got[1] != "middle" || got[2] != "older" {
		t.Fatalf("order = %v", got)
	}

	// A document that vanished is skipped.
	mr.Del(docKey("middle"))
	convs, err = s.Query(ctx, "u")
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 after delete, got %v", ids(convs))
	}

	none, err := s.Query(ctx, "nobody")
	if err != nil || len(none) != 0 {
		t.Fatalf("empty user: %v, %v", none, err)
	}
}

func TestRedisStoreSubscribe(t *testing.T) {
	s, _ := newTestRedisStore(t)
	ctx := context.Background()

	got := make(chan *Conversation, 4)
	sub, err := s.Subscribe(ctx, "c1", func(c *Conversation) { got <- c })
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Mirror(ctx, &Conversation{ID: "c1", Participants: []string{"a", "b"}, Messages: []Message{{ID: "m1", Sender: "a"}}}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		if c.ID != "c1" || len(c.Messages) != 1 {
			t.Fatalf("event = %+v", c)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
	}

	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Mirror(ctx, &Conversation{ID: "c1", Participants: []string{"a", "b"}, Messages: []Message{{ID: "m2", Sender: "b"}}}); err != nil {
		t.Fatal(err)
	}
	select {
	case c := <-got:
		t.Fatalf("delivery after Close: %+v", c)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDualStoreOverRedis(t *testing.T) {
	s, _ := newTestRedisStore(t)
	m, _ := newTestMessenger(t, s)
	ctx := context.Background()

	conv := resolve(t, m, renter, host)
	if _, err := m.Append(ctx, conv, AppendRequest{Sender: renter, Content: "hi", ImageURI: "file:///tmp/x.jpg"}); err != nil {
		t.Fatal(err)
	}
	stored, err := s.Get(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Messages[0].ImageURL != "" {
		t.Errorf("local image reached redis: %q", stored.Messages[0].ImageURL)
	}

	// The host's device starts empty and lists from redis.
	hostDevice, _ := newTestMessenger(t, s)
	convs, err := hostDevice.List(ctx, host.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].UnreadCount(host.ID) != 1 {
		t.Fatalf("host list = %+v", convs)
	}
}
