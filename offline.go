// Package chatsync is an offline-first synchronization layer for one-to-one
// conversations between marketplace users (renters, car owners, mechanics).
//
// Every mutation is committed to a per-device local cache under both
// symmetric keys of the participant pair, then mirrored best-effort to a
// shared remote store. Open threads follow the remote store through a
// subscription, or poll the local cache when no subscription is available.
//
// Usage:
//
//	cache, _ := chatsync.OpenBoltCache("chat.db")
//	remote := chatsync.NewRedisStore(redis.NewClient(opts), logger)
//	m := chatsync.New(cache, chatsync.WithRemote(remote))
//
//	conv, _, _ := m.Resolve(ctx, chatsync.ResolveRequest{Self: me, Other: them})
//	conv, _ = m.Append(ctx, conv, chatsync.AppendRequest{Sender: me, Content: "Hi"})
package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ============================================================================
// MemoryCache
// ============================================================================

// MemoryCache is a goroutine-safe in-memory LocalCache. It is durable only
// for the life of the process.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string][]byte
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string][]byte)}
}

func (s *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryCache) PutAll(_ context.Context, entries map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range entries {
		s.entries[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *MemoryCache) Scan(_ context.Context, prefix string, fn func(key string, value []byte) error) error {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), s.entries[k]...)
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryCache) Close() error { return nil }

// ============================================================================
// Event Emitter
// ============================================================================

// Event names emitted by the messaging layer.
const (
	EventMessageLocal    = "message.local"
	EventMirrorConfirmed = "mirror.confirmed"
	EventMirrorFailed    = "mirror.failed"
	EventReadLocal       = "read.local"
	EventUploadFailed    = "upload.failed"
	EventThreadPush      = "thread.push"
	EventThreadPoll      = "thread.poll"
)

// EventHandler handles lifecycle events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
}

// On registers a handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]EventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

// ============================================================================
// DualStore
// ============================================================================

// MirrorFailure is the payload of EventMirrorFailed.
type MirrorFailure struct {
	ConversationID string
	Err            error
}

// DualStore sequences the local cache and the remote store. The local
// write is the durability boundary; remote failures are logged, emitted
// and otherwise absorbed. A nil remote makes the store local-only.
type DualStore struct {
	local         LocalCache
	remote        RemoteStore
	logger        zerolog.Logger
	events        *emitter
	mirrorTimeout time.Duration
}

var _ ConversationStore = (*DualStore)(nil)

// NewDualStore wires a local cache to an optional remote store.
func NewDualStore(local LocalCache, remote RemoteStore, logger zerolog.Logger) *DualStore {
	return &DualStore{
		local:         local,
		remote:        remote,
		logger:        logger,
		events:        &emitter{},
		mirrorTimeout: 10 * time.Second,
	}
}

// Remote returns the configured remote store, or nil.
func (d *DualStore) Remote() RemoteStore { return d.remote }

// GetByKey decodes the conversation stored under key.
func (d *DualStore) GetByKey(ctx context.Context, key string) (*Conversation, error) {
	data, err := d.local.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &conv, nil
}

// Lookup probes both symmetric keys for the pair, own ordering first.
func (d *DualStore) Lookup(ctx context.Context, self, other string) (*Conversation, error) {
	return probe(ctx, d, self, other, d.logger)
}

// PutLocal writes conv under both symmetric keys in one cache write. The
// same serialized bytes go to both keys.
func (d *DualStore) PutLocal(ctx context.Context, conv *Conversation) error {
	keys := keysFor(conv)
	if keys == nil {
		return fmt.Errorf("%w: conversation %q needs two participants", ErrInvalidArgument, conv.ID)
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	entries := make(map[string][]byte, len(keys))
	for _, k := range keys {
		entries[k] = data
	}
	if err := d.local.PutAll(ctx, entries); err != nil {
		return fmt.Errorf("write local cache: %w", err)
	}
	return nil
}

// Put commits conv locally, then mirrors it remotely. Only the local
// write can fail the call.
func (d *DualStore) Put(ctx context.Context, conv *Conversation) error {
	if err := d.PutLocal(ctx, conv); err != nil {
		return err
	}
	d.Mirror(ctx, conv)
	return nil
}

// Mirror pushes conv to the remote store and reports whether it landed.
// Device-local image references are stripped from the remote copy.
func (d *DualStore) Mirror(ctx context.Context, conv *Conversation) bool {
	if d.remote == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, d.mirrorTimeout)
	defer cancel()

	if _, err := d.remote.Mirror(ctx, remoteCopy(conv)); err != nil {
		d.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("remote mirror failed; kept local copy")
		d.events.emit(EventMirrorFailed, MirrorFailure{ConversationID: conv.ID, Err: err})
		return false
	}
	d.logger.Debug().Str("conversation", conv.ID).Int("messages", len(conv.Messages)).Msg("mirrored to remote")
	d.events.emit(EventMirrorConfirmed, conv.ID)
	return true
}

// Query lists userID's conversations from the remote store, folding each
// into the local cache for offline use. When the remote query fails it
// scans the local cache instead.
func (d *DualStore) Query(ctx context.Context, userID string) ([]*Conversation, error) {
	if d.remote != nil {
		convs, err := d.remote.Query(ctx, userID)
		if err == nil {
			return d.warm(ctx, convs), nil
		}
		d.logger.Warn().Err(err).Str("user", userID).Msg("remote query failed; scanning local cache")
	}
	return d.scanLocal(ctx, userID)
}

// warm merges remote results into the local cache. Merging rather than
// overwriting keeps messages that were committed locally but never reached
// the remote store.
func (d *DualStore) warm(ctx context.Context, convs []*Conversation) []*Conversation {
	out := make([]*Conversation, 0, len(convs))
	for _, remote := range convs {
		if len(remote.Participants) < 2 {
			out = append(out, remote)
			continue
		}
		merged := remote
		if local, err := d.Lookup(ctx, remote.Participants[0], remote.Participants[1]); err == nil && local.ID == remote.ID {
			merged = mergeConversations(local, remote)
		}
		if err := d.PutLocal(ctx, merged); err != nil {
			d.logger.Warn().Err(err).Str("conversation", remote.ID).Msg("cache warm-up failed")
		}
		out = append(out, merged)
	}
	return out
}

func (d *DualStore) scanLocal(ctx context.Context, userID string) ([]*Conversation, error) {
	seen := make(map[string]bool)
	var out []*Conversation
	err := d.local.Scan(ctx, KeyPrefix, func(key string, value []byte) error {
		var conv Conversation
		if err := json.Unmarshal(value, &conv); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable cache entry")
			return nil
		}
		if !conv.HasParticipant(userID) || seen[conv.ID] {
			return nil
		}
		seen[conv.ID] = true
		out = append(out, &conv)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan local cache: %w", err)
	}
	sortByRecency(out)
	return out, nil
}

// Subscribe attaches to the remote change feed for id.
func (d *DualStore) Subscribe(ctx context.Context, id string, fn func(*Conversation)) (Subscription, error) {
	if d.remote == nil {
		return nil, ErrRemoteUnavailable
	}
	return d.remote.Subscribe(ctx, id, fn)
}

// remoteCopy prepares conv for the remote store.
func remoteCopy(conv *Conversation) *Conversation {
	out := conv.Clone()
	for i := range out.Messages {
		if IsLocalURI(out.Messages[i].ImageURL) {
			out.Messages[i].ImageURL = ""
		}
	}
	return out
}

// sortByRecency orders conversations newest first.
func sortByRecency(convs []*Conversation) {
	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].sortTime().After(convs[j].sortTime())
	})
}
