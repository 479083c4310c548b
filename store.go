package chatsync

import (
	"context"
	"sync"
)

// LocalCache is the per-device durable key/value store. Values are opaque
// serialized conversations; the cache never interprets them.
//
// PutAll must write every entry or none, so the two symmetric keys of a
// conversation never diverge.
type LocalCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	PutAll(ctx context.Context, entries map[string][]byte) error
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
	Close() error
}

// RemoteStore is the shared document store, one document per conversation
// id. It is eventually consistent and has no cross-device locking.
type RemoteStore interface {
	// Get returns ErrNotFound if no document exists for id.
	Get(ctx context.Context, id string) (*Conversation, error)

	// Mirror creates the document from conv if absent, otherwise merges
	// conv's messages into it by message id. It returns the stored state.
	Mirror(ctx context.Context, conv *Conversation) (*Conversation, error)

	// Query returns every conversation that has userID as a participant,
	// newest lastMessageTimestamp first.
	Query(ctx context.Context, userID string) ([]*Conversation, error)

	// Subscribe calls fn with the full document after every change. An
	// error means push delivery is unavailable for this conversation.
	Subscribe(ctx context.Context, id string, fn func(*Conversation)) (Subscription, error)
}

// Subscription is a live change feed. Close detaches the callback; no
// call to it starts after Close returns.
type Subscription interface {
	Close() error
}

// ConversationStore is the capability the messaging operations depend on.
// DualStore is the production implementation: Put writes the local cache
// (must succeed) and then mirrors to the remote store (best effort).
type ConversationStore interface {
	GetByKey(ctx context.Context, key string) (*Conversation, error)
	Put(ctx context.Context, conv *Conversation) error
	Query(ctx context.Context, userID string) ([]*Conversation, error)
	Subscribe(ctx context.Context, id string, fn func(*Conversation)) (Subscription, error)
}

// MediaUploader moves a device-local image to the remote media store.
type MediaUploader interface {
	Upload(ctx context.Context, localURI, folder string) (string, error)
}

// IdentityProvider returns the signed-in user from session storage.
type IdentityProvider interface {
	CurrentUser(ctx context.Context) (User, error)
}

// Navigator hands control from "start chat" to the thread view.
type Navigator interface {
	NavigateTo(screen string, params ThreadParams) error
}

// Alerter shows a blocking, user-visible error.
type Alerter interface {
	Alert(title, message string)
}

// callbackGate serializes deliveries to a subscription callback and stops
// them once closed. After close returns no delivery is in progress and none
// will start. The callback must not call close itself.
type callbackGate struct {
	mu     sync.Mutex
	closed bool
	fn     func(*Conversation)
}

func (g *callbackGate) deliver(c *Conversation) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.fn(c)
	return true
}

func (g *callbackGate) close() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	was := g.closed
	g.closed = true
	return !was
}
