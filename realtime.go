package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// ============================================================================
// Stream wire format
// ============================================================================

// Stream event types sent by the gateway on a conversation stream.
const (
	StreamSubscribed = "subscribed"
	StreamChanged    = "conversation.changed"
	StreamError      = "error"
)

// StreamEnvelope is the wire format for every conversation stream frame.
type StreamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
// Configuration
// ============================================================================

// StreamConfig configures conversation stream subscriptions.
type StreamConfig struct {
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
}

func (c *StreamConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
}

// StreamState represents the connection state of a stream.
type StreamState string

const (
	StateDisconnected StreamState = "disconnected"
	StateConnecting   StreamState = "connecting"
	StateConnected    StreamState = "connected"
	StateReconnecting StreamState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *StreamConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay is exponential with up to 50% jitter, capped at maxDelay. A
// connection that stayed up for a minute resets the attempt count.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// conversationStream
// ============================================================================

// conversationStream follows one conversation over the gateway WebSocket
// stream and reconnects on unexpected drops.
type conversationStream struct {
	url    string
	header map[string]string
	config StreamConfig
	logger zerolog.Logger
	gate   *callbackGate
	recon  *reconnector

	mu     sync.Mutex
	state  StreamState
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

func newConversationStream(url string, header map[string]string, config StreamConfig, logger zerolog.Logger, fn func(*Conversation)) *conversationStream {
	config.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &conversationStream{
		url:    url,
		header: header,
		config: config,
		logger: logger,
		gate:   &callbackGate{fn: fn},
		recon:  newReconnector(&config),
		state:  StateDisconnected,
		ctx:    ctx,
		cancel: cancel,
	}
}

// State returns the current connection state.
func (s *conversationStream) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *conversationStream) setState(st StreamState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// connect dials the stream and waits for the subscribed frame.
func (s *conversationStream) connect(ctx context.Context) error {
	s.setState(StateConnecting)

	wsURL := strings.Replace(s.url, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	opts := &websocket.DialOptions{HTTPHeader: make(map[string][]string, len(s.header))}
	for k, v := range s.header {
		opts.HTTPHeader.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		s.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("read subscribed frame: %w", err)
	}
	var env StreamEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != StreamSubscribed {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", StreamSubscribed, env.Type)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.mu.Unlock()
	s.recon.markConnected()

	go s.readLoop(conn)
	go s.heartbeatLoop(conn)
	return nil
}

func (s *conversationStream) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Msg("conversation stream dropped")
			s.mu.Lock()
			s.conn = nil
			s.state = StateDisconnected
			s.mu.Unlock()
			if s.config.AutoReconnect {
				s.reconnect()
			}
			return
		}

		var env StreamEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		switch env.Type {
		case StreamChanged:
			var conv Conversation
			if err := json.Unmarshal(env.Payload, &conv); err != nil {
				s.logger.Warn().Err(err).Msg("dropping malformed change event")
				continue
			}
			if !s.gate.deliver(&conv) {
				return
			}
		case StreamError:
			s.logger.Warn().RawJSON("payload", env.Payload).Msg("gateway stream error")
		}
	}
}

func (s *conversationStream) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.State() != StateConnected {
				return
			}
			pingCtx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// heartbeat failed; readLoop sees the close and reconnects
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (s *conversationStream) reconnect() {
	for s.recon.shouldReconnect() {
		delay := s.recon.nextDelay()
		s.setState(StateReconnecting)
		s.logger.Debug().Int("attempt", s.recon.attempt).Dur("delay", delay).Msg("reconnecting conversation stream")

		t := time.NewTimer(delay)
		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if err := s.connect(s.ctx); err == nil {
			return
		}
	}
	s.setState(StateDisconnected)
	s.logger.Warn().Msg("conversation stream gave up reconnecting")
}

// Close detaches the callback and tears the connection down.
func (s *conversationStream) Close() error {
	if !s.gate.close() {
		return nil
	}
	s.cancel()
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.state = StateDisconnected
	s.mu.Unlock()
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}
