package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/rs/zerolog"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-Chatsync-Signature"

// EventMessageNew is the only push event the gateway emits.
const EventMessageNew = "message.new"

// ============================================================================
// Push payload
// ============================================================================

// PushPayload is POSTed to the push-delivery service for each new message.
type PushPayload struct {
	Source         string           `json:"source"`
	Event          string           `json:"event"`
	Timestamp      int64            `json:"timestamp"`
	ConversationID string           `json:"conversationId"`
	Recipient      string           `json:"recipient"`
	SenderName     string           `json:"senderName"`
	Message        chatsync.Message `json:"message"`
	VehicleID      string           `json:"vehicleId,omitempty"`
}

// PushReply is an optional reply from a push receiver.
type PushReply struct {
	Delivered bool   `json:"delivered"`
	Detail    string `json:"detail,omitempty"`
}

// PushHandlerFunc handles a verified push payload.
type PushHandlerFunc func(payload *PushPayload) (*PushReply, error)

// Sign returns the "sha256=<hex>" signature of body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature in constant time. The
// "sha256=" prefix is optional.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// ParsePushPayload decodes and validates a push body.
func ParsePushPayload(body string) (*PushPayload, error) {
	var p PushPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, fmt.Errorf("invalid JSON in push body: %w", err)
	}
	if p.Source != "chatsync" {
		return nil, fmt.Errorf("unknown push source: %s", p.Source)
	}
	if p.Event == "" {
		return nil, fmt.Errorf("missing event field in push payload")
	}
	if p.ConversationID == "" || p.Recipient == "" || p.Message.ID == "" {
		return nil, fmt.Errorf("missing required fields in push payload (conversationId, recipient, message)")
	}
	return &p, nil
}

// ============================================================================
// PushNotifier
// ============================================================================

// PushNotifier posts signed PushPayloads to the push-delivery service.
// Delivery is fire-and-forget; failures are logged.
type PushNotifier struct {
	url    string
	secret string
	client *http.Client
	logger zerolog.Logger
	now    func() time.Time
}

// NewPushNotifier creates a notifier for url. secret is required.
func NewPushNotifier(url, secret string, logger zerolog.Logger) (*PushNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("push url is required")
	}
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	return &PushNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
		now:    time.Now,
	}, nil
}

// NewMessages returns the messages in after whose ids are not in before.
func NewMessages(before, after *chatsync.Conversation) []chatsync.Message {
	if after == nil {
		return nil
	}
	seen := make(map[string]bool)
	if before != nil {
		for _, m := range before.Messages {
			seen[m.ID] = true
		}
	}
	var out []chatsync.Message
	for _, m := range after.Messages {
		if !seen[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// NotifyNew sends one push per message that after adds over before, each
// addressed to the counterpart of its sender.
func (n *PushNotifier) NotifyNew(before, after *chatsync.Conversation) {
	msgs := NewMessages(before, after)
	if len(msgs) == 0 {
		return
	}
	payloads := make([]PushPayload, 0, len(msgs))
	for _, m := range msgs {
		recipient := after.Counterpart(m.Sender)
		if recipient == "" {
			continue
		}
		name := m.SenderName
		if name == "" {
			name = after.DisplayName(m.Sender)
		}
		payloads = append(payloads, PushPayload{
			Source:         "chatsync",
			Event:          EventMessageNew,
			Timestamp:      n.now().Unix(),
			ConversationID: after.ID,
			Recipient:      recipient,
			SenderName:     name,
			Message:        m,
			VehicleID:      after.VehicleID,
		})
	}
	go func() {
		for i := range payloads {
			ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
			if err := n.Send(ctx, &payloads[i]); err != nil {
				n.logger.Warn().Err(err).Str("conversation", payloads[i].ConversationID).Msg("push delivery failed")
			}
			cancel()
		}
	}()
}

// Send posts one signed payload.
func (n *PushNotifier) Send(ctx context.Context, p *PushPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(body, n.secret))

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("push service returned %d: %s", resp.StatusCode, string(b))
	}
	return nil
}

// ============================================================================
// PushReceiver
// ============================================================================

// PushReceiver is the receiving side: verification, parsing and dispatch.
type PushReceiver struct {
	secret    string
	onMessage PushHandlerFunc
}

// NewPushReceiver creates a receiver. secret is required.
func NewPushReceiver(secret string, onMessage PushHandlerFunc) (*PushReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("push secret is required")
	}
	return &PushReceiver{secret: secret, onMessage: onMessage}, nil
}

// Handle verifies, parses and dispatches body, returning the status code
// and response body to write.
func (r *PushReceiver) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, r.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}
	payload, err := ParsePushPayload(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}
	reply, err := r.onMessage(payload)
	if err != nil {
		return http.StatusInternalServerError, map[string]string{"error": err.Error()}
	}
	if reply != nil {
		return http.StatusOK, reply
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler for POSTed push payloads.
func (r *PushReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		writeJSON := func(status int, v any) {
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(status)
			json.NewEncoder(rw).Encode(v)
		}
		if req.Method != http.MethodPost {
			writeJSON(http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}
		defer req.Body.Close()
		b, err := io.ReadAll(req.Body)
		if err != nil {
			writeJSON(http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		status, data := r.Handle(string(b), req.Header.Get(SignatureHeader))
		writeJSON(status, data)
	})
}
