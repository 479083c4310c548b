package chatsync

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// KeyPrefix namespaces conversation entries in the local cache.
const KeyPrefix = "chat_"

// ConversationKey is the local cache key for the ordering (a, b).
func ConversationKey(a, b string) string {
	return KeyPrefix + a + "_" + b
}

// ConversationKeys returns both symmetric keys for a participant pair. The
// first is the caller's own ordering.
func ConversationKeys(a, b string) (string, string) {
	return ConversationKey(a, b), ConversationKey(b, a)
}

// keysFor returns the symmetric keys of a stored conversation, or nil if
// it does not have two participants.
func keysFor(c *Conversation) []string {
	if c == nil || len(c.Participants) < 2 {
		return nil
	}
	k1, k2 := ConversationKeys(c.Participants[0], c.Participants[1])
	if k1 == k2 {
		return []string{k1}
	}
	return []string{k1, k2}
}

// IsLocalURI reports whether ref points at a device-local resource that
// must never be persisted to the remote store.
func IsLocalURI(ref string) bool {
	if ref == "" {
		return false
	}
	lower := strings.ToLower(ref)
	for _, scheme := range []string{"file:", "content:", "ph:", "assets-library:"} {
		if strings.HasPrefix(lower, scheme) {
			return true
		}
	}
	return !strings.Contains(lower, "://")
}

// ============================================================================
// Ids
// ============================================================================

// IDGenerator produces message and conversation ids. Ids only need to be
// unique within a conversation and ordered per device.
type IDGenerator interface {
	NewID() string
}

// uuidV7Generator yields time-ordered ids. uuid.NewV7 keeps a per-process
// counter so ids minted in the same millisecond still sort in issue order.
type uuidV7Generator struct {
	mu sync.Mutex
}

func (g *uuidV7Generator) NewID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Clock supplies timestamps for new messages and conversations.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
