package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Update modes reported by UpdateSource.Mode and ChangeEvent.Source.
const (
	ModePush = "push"
	ModePoll = "poll"
)

// UpdateSource delivers "conversation changed" events for one open thread.
// Stop is synchronous: once it returns no further event is delivered.
type UpdateSource interface {
	Start(ctx context.Context, fn func(ChangeEvent)) error
	Stop() error
	Mode() string
}

// ============================================================================
// PushUpdateSource
// ============================================================================

// PushUpdateSource follows the remote store's change feed.
type PushUpdateSource struct {
	store          ConversationStore
	conversationID string

	mu  sync.Mutex
	sub Subscription
}

func NewPushUpdateSource(store ConversationStore, conversationID string) *PushUpdateSource {
	return &PushUpdateSource{store: store, conversationID: conversationID}
}

// Start subscribes. An error means push is unavailable and the caller
// should poll instead.
func (p *PushUpdateSource) Start(ctx context.Context, fn func(ChangeEvent)) error {
	sub, err := p.store.Subscribe(ctx, p.conversationID, func(c *Conversation) {
		fn(ChangeEvent{ConversationID: p.conversationID, Conversation: c, Source: ModePush})
	})
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sub = sub
	p.mu.Unlock()
	return nil
}

func (p *PushUpdateSource) Stop() error {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Close()
}

func (p *PushUpdateSource) Mode() string { return ModePush }

// ============================================================================
// PollUpdateSource
// ============================================================================

// PollUpdateSource re-reads the local cache under both symmetric keys on a
// fixed interval.
type PollUpdateSource struct {
	store    ConversationStore
	self     string
	other    string
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPollUpdateSource(store ConversationStore, self, other string, interval time.Duration, logger zerolog.Logger) *PollUpdateSource {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &PollUpdateSource{store: store, self: self, other: other, interval: interval, logger: logger}
}

func (p *PollUpdateSource) Start(ctx context.Context, fn func(ChangeEvent)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.loop(ctx, fn, p.done)
	return nil
}

func (p *PollUpdateSource) loop(ctx context.Context, fn func(ChangeEvent), done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conv, err := probe(ctx, p.store, p.self, p.other, p.logger)
			if err != nil {
				continue
			}
			// Stop may have raced with the read.
			if ctx.Err() != nil {
				return
			}
			fn(ChangeEvent{ConversationID: conv.ID, Conversation: conv, Source: ModePoll})
		}
	}
}

// Stop cancels the ticker and waits for an in-flight tick to finish.
func (p *PollUpdateSource) Stop() error {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (p *PollUpdateSource) Mode() string { return ModePoll }

// ============================================================================
// Thread
// ============================================================================

// Thread is an open conversation view. It keeps the current conversation
// in sync through exactly one UpdateSource and publishes every applied
// change on Changes.
type Thread struct {
	m      *Messenger
	self   User
	source UpdateSource
	ctx    context.Context
	cancel context.CancelFunc

	sendMu  sync.Mutex
	mu      sync.Mutex
	conv    *Conversation
	closed  bool
	changes chan *Conversation

	closeOnce sync.Once
	closeErr  error
}

// OpenThread resolves the conversation, marks it read, and starts the
// update loop: a remote subscription when one can be established, else
// polling the local cache every poll interval.
func (m *Messenger) OpenThread(ctx context.Context, req ResolveRequest) (*Thread, error) {
	conv, _, err := m.Resolve(ctx, req)
	if err != nil {
		return nil, err
	}
	if marked, err := m.MarkRead(ctx, conv, req.Self.ID); err != nil {
		m.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("mark read on open failed")
	} else {
		conv = marked
	}

	tctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		m:       m,
		self:    req.Self,
		ctx:     tctx,
		cancel:  cancel,
		conv:    conv,
		changes: make(chan *Conversation, 16),
	}

	var push UpdateSource = NewPushUpdateSource(m.store, conv.ID)
	if err := push.Start(ctx, t.apply); err == nil {
		t.source = push
	} else {
		m.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("subscription unavailable; polling local cache")
		poll := NewPollUpdateSource(m.store, req.Self.ID, req.Other.ID, m.pollInterval, m.logger)
		_ = poll.Start(tctx, t.apply)
		t.source = poll
	}
	m.logger.Debug().Str("conversation", conv.ID).Str("mode", t.source.Mode()).Msg("thread opened")
	return t, nil
}

// Conversation returns a snapshot of the current conversation.
func (t *Thread) Conversation() *Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv.Clone()
}

// Changes delivers a snapshot after every applied update. Slow readers
// only see the newest snapshots. The channel is closed by Close.
func (t *Thread) Changes() <-chan *Conversation { return t.changes }

// Mode reports the active update path.
func (t *Thread) Mode() string { return t.source.Mode() }

// Send appends a message from the thread's user. Updates applied while the
// message was being stored are kept: the result is folded into the current
// view rather than replacing it. Invalid input raises an alert.
func (t *Thread) Send(ctx context.Context, content, imageURI string) (*Conversation, error) {
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	next, err := t.m.Append(ctx, t.Conversation(), AppendRequest{Sender: t.self, Content: content, ImageURI: imageURI})
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			t.m.alert("Error", "Failed to send message. Please try again.")
		}
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return next.Clone(), nil
	}
	merged := mergeConversations(t.conv, next)
	t.conv = merged
	snapshot := merged.Clone()
	t.mu.Unlock()

	if len(snapshot.Messages) > len(next.Messages) {
		// Messages pushed during the write must not be lost from the cache.
		if err := t.m.putLocal(ctx, snapshot); err != nil {
			t.m.logger.Warn().Err(err).Str("conversation", snapshot.ID).Msg("caching merged thread failed")
		}
	}
	return snapshot, nil
}

// apply is the single reconciliation path for push and poll events.
func (t *Thread) apply(ev ChangeEvent) {
	in := ev.Conversation
	if in == nil {
		return
	}

	t.mu.Lock()
	msgs := append([]Message(nil), in.Messages...)
	restoreLocalImages(msgs, t.conv.Messages)
	if t.closed || sameMessages(t.conv.Messages, msgs) || staleEcho(t.conv.Messages, msgs) {
		t.mu.Unlock()
		return
	}
	next := t.conv.Clone()
	next.Messages = msgs
	next.LastMessage = nil
	if in.LastMessage != nil {
		lm := *in.LastMessage
		next.LastMessage = &lm
	}
	next.LastMessageTimestamp = in.LastMessageTimestamp
	t.conv = next
	t.mu.Unlock()

	if ev.Source == ModePush {
		t.m.events.emit(EventThreadPush, next.ID)
	} else {
		t.m.events.emit(EventThreadPoll, next.ID)
	}

	// New counterpart messages are on screen.
	marked, err := t.m.MarkRead(t.ctx, next, t.self.ID)
	if err != nil {
		t.m.logger.Warn().Err(err).Str("conversation", next.ID).Msg("mark read after update failed")
	}

	t.mu.Lock()
	if t.conv == next && marked != nil {
		t.conv = marked
	}
	snapshot := t.conv.Clone()
	closed := t.closed
	t.mu.Unlock()
	if !closed {
		t.publish(snapshot)
	}
}

func (t *Thread) publish(c *Conversation) {
	for {
		select {
		case t.changes <- c:
			return
		default:
		}
		select {
		case <-t.changes:
		default:
		}
	}
}

// Close stops the update source and closes Changes. After Close returns no
// further update is applied.
func (t *Thread) Close() error {
	t.closeOnce.Do(func() {
		// Cancel first so an in-flight apply abandons its write and Stop
		// does not wait on it.
		t.cancel()
		t.closeErr = t.source.Stop()

		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.changes)
	})
	return t.closeErr
}

// sameMessages compares message lists by their serialized form.
func sameMessages(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	ja, err1 := json.Marshal(a)
	jb, err2 := json.Marshal(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// staleEcho reports whether in is an older copy of cur: fewer messages,
// all of which cur already has. Mirrored documents only grow, so such a
// payload is a delayed notification of one of this device's own writes.
func staleEcho(cur, in []Message) bool {
	if len(in) >= len(cur) {
		return false
	}
	have := make(map[string]bool, len(cur))
	for _, m := range cur {
		have[m.ID] = true
	}
	for _, m := range in {
		if !have[m.ID] {
			return false
		}
	}
	return true
}

// restoreLocalImages puts back device-local image references that the
// remote copy never carries.
func restoreLocalImages(dst, prev []Message) {
	local := make(map[string]string)
	for _, m := range prev {
		if IsLocalURI(m.ImageURL) {
			local[m.ID] = m.ImageURL
		}
	}
	if len(local) == 0 {
		return
	}
	for i := range dst {
		if dst[i].ImageURL == "" {
			if uri, ok := local[dst[i].ID]; ok {
				dst[i].ImageURL = uri
			}
		}
	}
}
