package chatsync_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/driveshare/chatsync"
	"github.com/driveshare/chatsync/gateway"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const testToken = "gw-token"

func newGateway(t *testing.T) (*chatsync.GatewayStore, *chatsync.RedisStore) {
	g, backend, _ := newGatewayAt(t)
	return g, backend
}

func newGatewayAt(t *testing.T) (*chatsync.GatewayStore, *chatsync.RedisStore, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	backend := chatsync.NewRedisStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zerolog.Nop())
	t.Cleanup(func() { backend.Close() })

	srv := httptest.NewServer(gateway.NewServer(backend, gateway.WithToken(testToken)).Handler())
	t.Cleanup(srv.Close)

	g := chatsync.NewGatewayStore(srv.URL,
		chatsync.WithGatewayToken(testToken),
		chatsync.WithGatewayTimeout(5*time.Second),
	)
	return g, backend, srv.URL
}

func TestGatewayStoreRoundTrip(t *testing.T) {
	g, _ := newGateway(t)
	ctx := context.Background()

	if err := g.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
	if _, err := g.Get(ctx, "missing"); !errors.Is(err, chatsync.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	conv := &chatsync.Conversation{
		ID:           "c1",
		Participants: []string{"a", "b"},
		Messages:     []chatsync.Message{{ID: "m1", Sender: "a", Content: "hi", Timestamp: time.Now().UTC()}},
	}
	stored, err := g.Mirror(ctx, conv)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Messages) != 1 || stored.LastMessage == nil {
		t.Fatalf("stored = %+v", stored)
	}

	got, err := g.Get(ctx, "c1")
	if err != nil || got.Messages[0].Content != "hi" {
		t.Fatalf("get = %+v, %v", got, err)
	}

	list, err := g.Query(ctx, "b")
	if err != nil || len(list) != 1 {
		t.Fatalf("query = %+v, %v", list, err)
	}
	empty, err := g.Query(ctx, "nobody")
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty query = %+v, %v", empty, err)
	}
}

func TestGatewayStoreRejectsBadToken(t *testing.T) {
	_, _, url := newGatewayAt(t)
	bad := chatsync.NewGatewayStore(url, chatsync.WithGatewayToken("wrong"))
	_, err := bad.Get(context.Background(), "c1")
	var apiErr *chatsync.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "unauthorized" {
		t.Fatalf("expected unauthorized APIError, got %v", err)
	}
}

func TestGatewayStoreSubscribe(t *testing.T) {
	g, backend := newGateway(t)
	ctx := context.Background()

	got := make(chan *chatsync.Conversation, 4)
	sub, err := g.Subscribe(ctx, "c1", func(c *chatsync.Conversation) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	// Another device writes straight to the backing store.
	if _, err := backend.Mirror(ctx, &chatsync.Conversation{
		ID:           "c1",
		Participants: []string{"a", "b"},
		Messages:     []chatsync.Message{{ID: "m1", Sender: "b", Content: "there?"}},
	}); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.ID != "c1" || c.Messages[0].Content != "there?" {
			t.Fatalf("event = %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no change event over the stream")
	}
}

func TestThreadOverGateway(t *testing.T) {
	g, backend := newGateway(t)
	ctx := context.Background()
	me := chatsync.User{ID: "renter-1", Name: "Rita"}
	them := chatsync.User{ID: "host-1", Name: "Hal"}

	m := chatsync.New(chatsync.NewMemoryCache(), chatsync.WithRemote(g))
	th, err := m.OpenThread(ctx, chatsync.ResolveRequest{Self: me, Other: them})
	if err != nil {
		t.Fatal(err)
	}
	defer th.Close()
	if th.Mode() != chatsync.ModePush {
		t.Fatalf("mode = %s, want push", th.Mode())
	}

	conv := th.Conversation()
	conv.Messages = append(conv.Messages, chatsync.Message{ID: "x1", Sender: them.ID, Content: "keys are under the mat", Timestamp: time.Now().UTC()})
	if _, err := backend.Mirror(ctx, conv); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-th.Changes():
			if len(c.Messages) == 1 && c.Messages[0].Read {
				stored, err := backend.Get(ctx, c.ID)
				if err != nil {
					t.Fatal(err)
				}
				if len(stored.Messages) != 1 {
					t.Fatalf("stored = %+v", stored.Messages)
				}
				return
			}
		case <-deadline:
			t.Fatal("thread never saw the counterpart's message")
		}
	}
}
