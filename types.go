package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Display constants
// ============================================================================

const (
	// ImagePlaceholder is shown as the last message content when a message
	// carries an image but no text.
	ImagePlaceholder = "Sent an image"

	// DefaultDisplayName is used for a participant with no known name.
	DefaultDisplayName = "User"

	// UnknownRole is used for a participant with no known role.
	UnknownRole = "unknown"
)

// ============================================================================
// Identity
// ============================================================================

// User is the acting identity for a messaging operation.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

// ChatTarget names the counterpart of a chat started from another flow
// (booking, service request, vehicle listing).
type ChatTarget struct {
	UserID    string
	Name      string
	Role      string
	VehicleID string
}

// ThreadParams is handed to the navigation service when a thread is opened.
type ThreadParams struct {
	ConversationID string `json:"conversationId,omitempty"`
	OtherUserID    string `json:"otherUserId"`
	OtherUserName  string `json:"otherUserName"`
	VehicleID      string `json:"vehicleId,omitempty"`
}

// ============================================================================
// Conversation model
// ============================================================================

// Message is one entry of a conversation. Everything except Read is fixed
// once the message is appended.
type Message struct {
	ID         string    `json:"id"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Read       bool      `json:"read"`
}

// LastMessage is the list-rendering projection of the newest message.
type LastMessage struct {
	ID        string    `json:"id,omitempty"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	HasImage  bool      `json:"hasImage"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Conversation is the thread between exactly two participants.
type Conversation struct {
	ID                   string            `json:"id"`
	Participants         []string          `json:"participants"`
	ParticipantNames     map[string]string `json:"participantNames,omitempty"`
	ParticipantRoles     map[string]string `json:"participantRoles,omitempty"`
	Messages             []Message         `json:"messages"`
	LastMessage          *LastMessage      `json:"lastMessage,omitempty"`
	LastMessageTimestamp time.Time         `json:"lastMessageTimestamp"`
	VehicleID            string            `json:"vehicleId,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
}

// summarize projects a message into its LastMessage form.
func summarize(m Message) *LastMessage {
	content := m.Content
	if content == "" && m.ImageURL != "" {
		content = ImagePlaceholder
	}
	return &LastMessage{
		ID:        m.ID,
		Content:   content,
		Sender:    m.Sender,
		HasImage:  m.ImageURL != "",
		Read:      m.Read,
		Timestamp: m.Timestamp,
	}
}

// Clone returns a deep copy so callers can mutate the result without
// touching a conversation another goroutine (or the caller) still holds.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]string(nil), c.Participants...)
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		copy(out.Messages, c.Messages)
	}
	if c.ParticipantNames != nil {
		out.ParticipantNames = make(map[string]string, len(c.ParticipantNames))
		for k, v := range c.ParticipantNames {
			out.ParticipantNames[k] = v
		}
	}
	if c.ParticipantRoles != nil {
		out.ParticipantRoles = make(map[string]string, len(c.ParticipantRoles))
		for k, v := range c.ParticipantRoles {
			out.ParticipantRoles[k] = v
		}
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return &out
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the participant that is not viewerID, or "" when the
// conversation does not have one.
func (c *Conversation) Counterpart(viewerID string) string {
	if c == nil {
		return ""
	}
	for _, p := range c.Participants {
		if p != viewerID {
			return p
		}
	}
	return ""
}

// DisplayName returns the denormalized name for userID, or DefaultDisplayName.
func (c *Conversation) DisplayName(userID string) string {
	if c != nil {
		if name := c.ParticipantNames[userID]; name != "" {
			return name
		}
	}
	return DefaultDisplayName
}

// UnreadCount counts counterpart messages that viewerID has not read.
func (c *Conversation) UnreadCount(viewerID string) int {
	if c == nil {
		return 0
	}
	n := 0
	for _, m := range c.Messages {
		if m.Sender != viewerID && !m.Read {
			n++
		}
	}
	return n
}

// sortTime is the list ordering key: LastMessageTimestamp, else CreatedAt.
func (c *Conversation) sortTime() time.Time {
	if !c.LastMessageTimestamp.IsZero() {
		return c.LastMessageTimestamp
	}
	return c.CreatedAt
}

// ============================================================================
// Change events
// ============================================================================

// ChangeEvent is what an UpdateSource hands to an open thread.
type ChangeEvent struct {
	ConversationID string        `json:"conversationId"`
	Conversation   *Conversation `json:"conversation"`
	Source         string        `json:"source"` // "push" or "poll"
}

// ============================================================================
// Wire envelope
// ============================================================================

// APIError is the error body of a gateway response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic gateway response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
