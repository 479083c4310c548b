package chatsync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// localWriter is implemented by stores that can commit to the local cache
// without mirroring, used when a conversation is first resolved.
type localWriter interface {
	PutLocal(ctx context.Context, conv *Conversation) error
}

// remoteReader is implemented by stores that can fetch a remote document
// by conversation id.
type remoteReader interface {
	FetchRemote(ctx context.Context, id string) (*Conversation, error)
}

// FetchRemote reads the remote document for id.
func (d *DualStore) FetchRemote(ctx context.Context, id string) (*Conversation, error) {
	if d.remote == nil {
		return nil, ErrRemoteUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, d.mirrorTimeout)
	defer cancel()
	return d.remote.Get(ctx, id)
}

// ============================================================================
// Resolve
// ============================================================================

// ResolveRequest identifies a conversation from the acting user's side.
type ResolveRequest struct {
	Self  User
	Other User

	// ConversationID is the id known from a list entry, if any.
	ConversationID string
	VehicleID      string
}

// Resolve finds the conversation between req.Self and req.Other, probing
// the caller's own key ordering first. If neither key exists it creates the
// conversation and writes it under both keys without mirroring; the remote
// document is created by the first Append. The bool result reports whether
// a new conversation was created.
func (m *Messenger) Resolve(ctx context.Context, req ResolveRequest) (*Conversation, bool, error) {
	if req.Self.ID == "" || req.Other.ID == "" {
		return nil, false, fmt.Errorf("%w: both participant ids are required", ErrInvalidArgument)
	}

	conv, err := m.lookup(ctx, req.Self.ID, req.Other.ID)
	switch {
	case err == nil:
		return conv, false, nil
	case !errors.Is(err, ErrNotFound):
		// An unreadable entry is not an absent one; creating would overwrite it.
		return nil, false, fmt.Errorf("resolve %s/%s: %w", req.Self.ID, req.Other.ID, err)
	}

	if req.ConversationID != "" {
		if conv := m.hydrate(ctx, req); conv != nil {
			return conv, false, nil
		}
	}

	now := m.now()
	id := req.ConversationID
	if id == "" {
		id = m.ids.NewID()
	}
	conv = &Conversation{
		ID:           id,
		Participants: []string{req.Self.ID, req.Other.ID},
		ParticipantNames: map[string]string{
			req.Self.ID:  orDefault(req.Self.Name, DefaultDisplayName),
			req.Other.ID: orDefault(req.Other.Name, DefaultDisplayName),
		},
		ParticipantRoles: map[string]string{
			req.Self.ID:  orDefault(req.Self.Role, UnknownRole),
			req.Other.ID: orDefault(req.Other.Role, UnknownRole),
		},
		Messages:             []Message{},
		LastMessageTimestamp: now,
		VehicleID:            req.VehicleID,
		CreatedAt:            now,
	}
	if err := m.putLocal(ctx, conv); err != nil {
		return nil, false, err
	}
	m.logger.Debug().Str("conversation", conv.ID).Str("other", req.Other.ID).Msg("created conversation")
	return conv, true, nil
}

func (m *Messenger) lookup(ctx context.Context, self, other string) (*Conversation, error) {
	return probe(ctx, m.store, self, other, m.logger)
}

// probe reads key(self, other) and then key(other, self). It returns
// ErrNotFound only when both keys are absent; otherwise the first read
// failure is returned.
func probe(ctx context.Context, s interface {
	GetByKey(ctx context.Context, key string) (*Conversation, error)
}, self, other string, logger zerolog.Logger) (*Conversation, error) {
	k1, k2 := ConversationKeys(self, other)
	conv, err1 := s.GetByKey(ctx, k1)
	if err1 == nil {
		return conv, nil
	}
	if !errors.Is(err1, ErrNotFound) {
		logger.Warn().Err(err1).Str("key", k1).Msg("unreadable cache entry")
	}
	conv, err2 := s.GetByKey(ctx, k2)
	switch {
	case err2 == nil:
		return conv, nil
	case !errors.Is(err1, ErrNotFound):
		return nil, err1
	default:
		return nil, err2
	}
}

// hydrate adopts the remote document for a conversation id known from a
// list view when this device has no local copy yet.
func (m *Messenger) hydrate(ctx context.Context, req ResolveRequest) *Conversation {
	rr, ok := m.store.(remoteReader)
	if !ok {
		return nil
	}
	conv, err := rr.FetchRemote(ctx, req.ConversationID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrRemoteUnavailable) {
			m.logger.Warn().Err(err).Str("conversation", req.ConversationID).Msg("remote read failed; creating locally")
		}
		return nil
	}
	if !conv.HasParticipant(req.Self.ID) || !conv.HasParticipant(req.Other.ID) {
		m.logger.Warn().Str("conversation", req.ConversationID).Msg("remote document has other participants; ignoring")
		return nil
	}
	if err := m.putLocal(ctx, conv); err != nil {
		m.logger.Warn().Err(err).Str("conversation", conv.ID).Msg("caching remote conversation failed")
	}
	return conv
}

func (m *Messenger) putLocal(ctx context.Context, conv *Conversation) error {
	if lw, ok := m.store.(localWriter); ok {
		return lw.PutLocal(ctx, conv)
	}
	return m.store.Put(ctx, conv)
}

// ============================================================================
// Append
// ============================================================================

// AppendRequest is one outgoing message.
type AppendRequest struct {
	Sender   User
	Content  string
	ImageURI string
}

// Append adds a message to conv and commits it under both local keys. The
// returned conversation is the locally persisted state; a failed remote
// mirror is logged and does not fail the call. Precondition failures
// return ErrInvalidArgument before anything is written.
func (m *Messenger) Append(ctx context.Context, conv *Conversation, req AppendRequest) (*Conversation, error) {
	content := strings.TrimSpace(req.Content)
	switch {
	case conv == nil || conv.ID == "":
		return nil, fmt.Errorf("%w: conversation is required", ErrInvalidArgument)
	case req.Sender.ID == "":
		return nil, fmt.Errorf("%w: sender id is required", ErrInvalidArgument)
	case len(conv.Participants) != 2:
		return nil, fmt.Errorf("%w: conversation %s needs exactly two participants", ErrInvalidArgument, conv.ID)
	case !conv.HasParticipant(req.Sender.ID):
		return nil, fmt.Errorf("%w: %s is not a participant of %s", ErrInvalidArgument, req.Sender.ID, conv.ID)
	case content == "" && req.ImageURI == "":
		return nil, fmt.Errorf("%w: message has no content and no image", ErrInvalidArgument)
	}

	imageURL := ""
	if req.ImageURI != "" {
		imageURL = m.upload(ctx, conv.ID, req.ImageURI)
	}

	msg := Message{
		ID:         m.ids.NewID(),
		Sender:     req.Sender.ID,
		SenderName: req.Sender.Name,
		Content:    content,
		ImageURL:   imageURL,
		Timestamp:  m.now(),
	}

	next := conv.Clone()
	next.Messages = append(next.Messages, msg)
	next.LastMessage = summarize(msg)
	if msg.Timestamp.After(next.LastMessageTimestamp) {
		next.LastMessageTimestamp = msg.Timestamp
	}

	if err := m.store.Put(ctx, next); err != nil {
		return nil, err
	}
	m.events.emit(EventMessageLocal, msg)
	return next, nil
}

// upload returns the remote URL for uri, or uri itself when the upload is
// not possible.
func (m *Messenger) upload(ctx context.Context, convID, uri string) string {
	if m.uploader == nil || !IsLocalURI(uri) {
		return uri
	}
	url, err := m.uploader.Upload(ctx, uri, m.uploadFolder)
	if err != nil || url == "" {
		m.logger.Warn().Err(err).Str("conversation", convID).Msg("image upload failed; keeping local reference")
		m.events.emit(EventUploadFailed, uri)
		return uri
	}
	return url
}

// ============================================================================
// MarkRead
// ============================================================================

// MarkRead flips read on every counterpart message viewerID has not read
// and persists the result. A viewer's own messages are never touched. When
// nothing is unread it returns conv itself and writes nothing.
func (m *Messenger) MarkRead(ctx context.Context, conv *Conversation, viewerID string) (*Conversation, error) {
	if conv == nil || viewerID == "" {
		return conv, fmt.Errorf("%w: conversation and viewer are required", ErrInvalidArgument)
	}
	if !conv.HasParticipant(viewerID) {
		return conv, fmt.Errorf("%w: %s is not a participant of %s", ErrInvalidArgument, viewerID, conv.ID)
	}
	if conv.UnreadCount(viewerID) == 0 {
		return conv, nil
	}

	next := conv.Clone()
	flipped := 0
	for i := range next.Messages {
		if next.Messages[i].Sender != viewerID && !next.Messages[i].Read {
			next.Messages[i].Read = true
			flipped++
		}
	}
	if next.LastMessage != nil && next.LastMessage.Sender != viewerID {
		next.LastMessage.Read = true
	}

	if err := m.store.Put(ctx, next); err != nil {
		return conv, err
	}
	m.events.emit(EventReadLocal, next.ID)
	m.logger.Debug().Str("conversation", next.ID).Int("messages", flipped).Msg("marked read")
	return next, nil
}

// ============================================================================
// List
// ============================================================================

// List returns userID's conversations, newest lastMessageTimestamp first,
// normalized for rendering.
func (m *Messenger) List(ctx context.Context, userID string) ([]*Conversation, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	convs, err := m.store.Query(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		normalize(c)
	}
	sortByRecency(convs)
	return convs, nil
}

// normalize fills the fields list rendering relies on.
func normalize(c *Conversation) {
	if c.LastMessage == nil && len(c.Messages) > 0 {
		c.LastMessage = summarize(c.Messages[len(c.Messages)-1])
	}
	if c.ParticipantNames == nil {
		c.ParticipantNames = make(map[string]string, len(c.Participants))
	}
	for _, p := range c.Participants {
		if c.ParticipantNames[p] == "" {
			c.ParticipantNames[p] = DefaultDisplayName
		}
	}
}

// ============================================================================
// InitiateChat
// ============================================================================

// InitiateChat hands off from another flow to the thread view. It looks up
// an existing conversation with target so the thread opens on the same id,
// but never creates one; that happens when the thread is opened. It returns
// false, after alerting the user, when the acting identity is unavailable
// or navigation fails.
func (m *Messenger) InitiateChat(ctx context.Context, target ChatTarget) bool {
	fail := func(err error) bool {
		m.logger.Warn().Err(err).Str("other", target.UserID).Msg("failed to initiate chat")
		m.alert("Error", "Failed to start chat. Please try again.")
		return false
	}

	if m.identity == nil {
		return fail(ErrIdentityUnavailable)
	}
	self, err := m.identity.CurrentUser(ctx)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrIdentityUnavailable, err))
	}
	if self.ID == "" {
		return fail(ErrIdentityUnavailable)
	}
	if target.UserID == "" {
		return fail(fmt.Errorf("%w: target user id is required", ErrInvalidArgument))
	}
	if m.navigator == nil {
		return fail(errors.New("no navigator configured"))
	}

	params := ThreadParams{
		OtherUserID:   target.UserID,
		OtherUserName: orDefault(target.Name, DefaultDisplayName),
		VehicleID:     target.VehicleID,
	}
	if conv, err := m.lookup(ctx, self.ID, target.UserID); err == nil {
		params.ConversationID = conv.ID
	}
	if err := m.navigator.NavigateTo(ChatRoomScreen, params); err != nil {
		return fail(err)
	}
	return true
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
