package chatsync

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults.
const (
	DefaultPollInterval  = 2 * time.Second
	DefaultMirrorTimeout = 10 * time.Second
	DefaultUploadFolder  = "chat_images"

	// ChatRoomScreen is the navigation target for an opened thread.
	ChatRoomScreen = "ChatRoom"
)

// Messenger runs the messaging operations for one device. It is safe for
// concurrent use; sends within one Thread are serialized.
type Messenger struct {
	store         ConversationStore
	local         LocalCache
	remote        RemoteStore
	uploader      MediaUploader
	uploadFolder  string
	identity      IdentityProvider
	navigator     Navigator
	alerter       Alerter
	logger        zerolog.Logger
	events        *emitter
	pollInterval  time.Duration
	mirrorTimeout time.Duration
	now           Clock
	ids           IDGenerator
}

type Option func(*Messenger)

// WithRemote sets the shared remote store. Without one the messenger is
// local-only and threads always poll.
func WithRemote(remote RemoteStore) Option {
	return func(m *Messenger) { m.remote = remote }
}

// WithStore replaces the composite store entirely. The local cache passed
// to New is then unused.
func WithStore(store ConversationStore) Option {
	return func(m *Messenger) { m.store = store }
}

func WithUploader(u MediaUploader) Option {
	return func(m *Messenger) { m.uploader = u }
}

func WithUploadFolder(folder string) Option {
	return func(m *Messenger) { m.uploadFolder = folder }
}

func WithIdentity(p IdentityProvider) Option {
	return func(m *Messenger) { m.identity = p }
}

func WithNavigator(n Navigator) Option {
	return func(m *Messenger) { m.navigator = n }
}

func WithAlerter(a Alerter) Option {
	return func(m *Messenger) { m.alerter = a }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Messenger) { m.logger = logger }
}

func WithPollInterval(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

func WithMirrorTimeout(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.mirrorTimeout = d
		}
	}
}

func WithClock(c Clock) Option {
	return func(m *Messenger) { m.now = c }
}

func WithIDGenerator(g IDGenerator) Option {
	return func(m *Messenger) { m.ids = g }
}

// New creates a Messenger over the device's local cache.
func New(local LocalCache, opts ...Option) *Messenger {
	m := &Messenger{
		local:         local,
		uploadFolder:  DefaultUploadFolder,
		logger:        zerolog.Nop(),
		events:        &emitter{},
		pollInterval:  DefaultPollInterval,
		mirrorTimeout: DefaultMirrorTimeout,
		now:           systemClock,
		ids:           &uuidV7Generator{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		ds := NewDualStore(local, m.remote, m.logger)
		ds.events = m.events
		ds.mirrorTimeout = m.mirrorTimeout
		m.store = ds
	}
	return m
}

// On registers a handler for a lifecycle event (EventMessageLocal, ...).
func (m *Messenger) On(event string, handler EventHandler) {
	m.events.On(event, handler)
}

// Store returns the store the operations run against.
func (m *Messenger) Store() ConversationStore { return m.store }

func (m *Messenger) alert(title, message string) {
	if m.alerter != nil {
		m.alerter.Alert(title, message)
	}
}
