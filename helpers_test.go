package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

var errRemoteDown = errors.New("remote down")

// fakeRemote is an in-memory RemoteStore with failure switches.
type fakeRemote struct {
	mu         sync.Mutex
	deliverMu  sync.Mutex
	docs       map[string]*Conversation
	subs       map[string][]*callbackGate
	mirrors    int
	failMirror bool
	failQuery  bool
	failSub    bool
	lastMirror *Conversation
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{docs: make(map[string]*Conversation), subs: make(map[string][]*callbackGate)}
}

func (f *fakeRemote) Get(_ context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (f *fakeRemote) Mirror(_ context.Context, conv *Conversation) (*Conversation, error) {
	f.mu.Lock()
	f.mirrors++
	if f.failMirror {
		f.mu.Unlock()
		return nil, errRemoteDown
	}
	merged := mergeConversations(f.docs[conv.ID], conv)
	f.docs[conv.ID] = merged
	f.lastMirror = conv.Clone()
	gates := append([]*callbackGate(nil), f.subs[conv.ID]...)
	f.mu.Unlock()

	f.notify(gates, merged)
	return merged.Clone(), nil
}

// put replaces a document and notifies subscribers, as another device's
// write would.
func (f *fakeRemote) put(conv *Conversation) {
	f.mu.Lock()
	f.docs[conv.ID] = conv.Clone()
	gates := append([]*callbackGate(nil), f.subs[conv.ID]...)
	f.mu.Unlock()
	f.notify(gates, conv)
}

// notify delivers asynchronously, like a real change feed, so a callback
// that writes back to the store does not re-enter its own delivery.
func (f *fakeRemote) notify(gates []*callbackGate, conv *Conversation) {
	snapshot := conv.Clone()
	go func() {
		f.deliverMu.Lock()
		defer f.deliverMu.Unlock()
		for _, g := range gates {
			g.deliver(snapshot.Clone())
		}
	}()
}

func (f *fakeRemote) Query(_ context.Context, userID string) ([]*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failQuery {
		return nil, errRemoteDown
	}
	var out []*Conversation
	for _, c := range f.docs {
		if c.HasParticipant(userID) {
			out = append(out, c.Clone())
		}
	}
	sortByRecency(out)
	return out, nil
}

func (f *fakeRemote) Subscribe(_ context.Context, id string, fn func(*Conversation)) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSub {
		return nil, errRemoteDown
	}
	g := &callbackGate{fn: fn}
	f.subs[id] = append(f.subs[id], g)
	return &fakeSub{gate: g}, nil
}

func (f *fakeRemote) mirrorCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mirrors
}

type fakeSub struct{ gate *callbackGate }

func (s *fakeSub) Close() error {
	s.gate.close()
	return nil
}

// seqIDs yields "id-001", "id-002", ... with an optional prefix.
type seqIDs struct {
	mu     sync.Mutex
	n      int
	prefix string
}

func (s *seqIDs) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%sid-%03d", s.prefix, s.n)
}

// stepClock advances one second per call.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakeUploader struct {
	url string
	err error
}

func (u *fakeUploader) Upload(context.Context, string, string) (string, error) {
	return u.url, u.err
}

var (
	renter = User{ID: "renter-1", Name: "Rita", Role: "renter"}
	host   = User{ID: "host-1", Name: "Hal", Role: "host"}
)

func newTestMessenger(t *testing.T, remote RemoteStore, opts ...Option) (*Messenger, *MemoryCache) {
	t.Helper()
	cache := NewMemoryCache()
	base := []Option{WithClock(newStepClock().Now), WithIDGenerator(&seqIDs{}), WithPollInterval(20 * time.Millisecond)}
	if remote != nil {
		base = append(base, WithRemote(remote))
	}
	return New(cache, append(base, opts...)...), cache
}

func rawEntry(t *testing.T, c LocalCache, key string) []byte {
	t.Helper()
	data, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	return data
}
