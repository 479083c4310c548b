package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const DefaultGatewayTimeout = 15 * time.Second

// GatewayStore is a RemoteStore that talks to a chatsync gateway over HTTP,
// with conversation subscriptions carried on a WebSocket stream.
type GatewayStore struct {
	baseURL    string
	token      string
	httpClient *http.Client
	stream     StreamConfig
	logger     zerolog.Logger
}

var _ RemoteStore = (*GatewayStore)(nil)

type GatewayOption func(*GatewayStore)

func WithGatewayToken(token string) GatewayOption {
	return func(g *GatewayStore) { g.token = token }
}

func WithGatewayHTTPClient(client *http.Client) GatewayOption {
	return func(g *GatewayStore) { g.httpClient = client }
}

func WithGatewayTimeout(timeout time.Duration) GatewayOption {
	return func(g *GatewayStore) { g.httpClient.Timeout = timeout }
}

func WithStreamConfig(config StreamConfig) GatewayOption {
	return func(g *GatewayStore) { g.stream = config }
}

func WithGatewayLogger(logger zerolog.Logger) GatewayOption {
	return func(g *GatewayStore) { g.logger = logger }
}

// NewGatewayStore creates a client for the gateway at baseURL.
func NewGatewayStore(baseURL string, opts ...GatewayOption) *GatewayStore {
	g := &GatewayStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultGatewayTimeout},
		stream:     StreamConfig{AutoReconnect: true},
		logger:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// ============================================================================
// Internal request helper
// ============================================================================

func (g *GatewayStore) do(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("gateway %s %s: HTTP %d: %w", method, path, resp.StatusCode, err)
	}
	if !result.OK {
		if result.Error == nil {
			result.Error = &APIError{Code: "http_" + fmt.Sprint(resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, result.Error.Message)
		}
		return nil, result.Error
	}
	return &result, nil
}

// ============================================================================
// RemoteStore
// ============================================================================

func (g *GatewayStore) Get(ctx context.Context, id string) (*Conversation, error) {
	res, err := g.do(ctx, http.MethodGet, "/v1/conversations/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var conv Conversation
	if err := res.Decode(&conv); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &conv, nil
}

func (g *GatewayStore) Mirror(ctx context.Context, conv *Conversation) (*Conversation, error) {
	if conv == nil || conv.ID == "" {
		return nil, fmt.Errorf("%w: conversation without id", ErrInvalidArgument)
	}
	res, err := g.do(ctx, http.MethodPut, "/v1/conversations/"+url.PathEscape(conv.ID), conv)
	if err != nil {
		return nil, err
	}
	var stored Conversation
	if err := res.Decode(&stored); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	return &stored, nil
}

func (g *GatewayStore) Query(ctx context.Context, userID string) ([]*Conversation, error) {
	res, err := g.do(ctx, http.MethodGet, "/v1/users/"+url.PathEscape(userID)+"/conversations", nil)
	if err != nil {
		return nil, err
	}
	var convs []*Conversation
	if err := res.Decode(&convs); err != nil {
		return nil, fmt.Errorf("failed to decode conversations: %w", err)
	}
	return convs, nil
}

// Subscribe opens the conversation's WebSocket stream. It returns once the
// gateway has confirmed the subscription; dial or handshake failures are
// returned so the caller can fall back to polling.
func (g *GatewayStore) Subscribe(ctx context.Context, id string, fn func(*Conversation)) (Subscription, error) {
	header := map[string]string{}
	if g.token != "" {
		header["Authorization"] = "Bearer " + g.token
	}
	s := newConversationStream(
		g.baseURL+"/v1/conversations/"+url.PathEscape(id)+"/stream",
		header, g.stream,
		g.logger.With().Str("conversation", id).Logger(),
		fn,
	)
	if err := s.connect(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Health reports whether the gateway and its backing store are reachable.
func (g *GatewayStore) Health(ctx context.Context) error {
	_, err := g.do(ctx, http.MethodGet, "/v1/health", nil)
	return err
}
