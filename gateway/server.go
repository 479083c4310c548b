// Package gateway exposes a chatsync RemoteStore over HTTP and WebSocket for
// devices that cannot reach the backing store directly.
//
// Routes:
//
//	GET /v1/health
//	GET /v1/conversations/:id
//	PUT /v1/conversations/:id
//	GET /v1/conversations/:id/stream   (WebSocket)
//	GET /v1/users/:userId/conversations
//
// Every JSON response is a chatsync.Result envelope.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

const defaultRequestTimeout = 5 * time.Second

// Pinger is implemented by stores that can report backend health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves the gateway routes over a RemoteStore.
type Server struct {
	store    chatsync.RemoteStore
	token    string
	notifier *PushNotifier
	logger   zerolog.Logger
	timeout  time.Duration
	engine   *gin.Engine
}

type Option func(*Server)

// WithToken requires "Authorization: Bearer <token>" on every route but
// /v1/health.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithNotifier forwards newly mirrored messages to the push service.
func WithNotifier(n *PushNotifier) Option {
	return func(s *Server) { s.notifier = n }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// NewServer builds the gin engine for store.
func NewServer(store chatsync.RemoteStore, opts ...Option) *Server {
	s := &Server{
		store:   store,
		logger:  zerolog.Nop(),
		timeout: defaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/v1/health", s.health)

	v1 := r.Group("/v1", s.auth())
	v1.GET("/conversations/:id", s.getConversation)
	v1.PUT("/conversations/:id", s.putConversation)
	v1.GET("/conversations/:id/stream", s.stream)
	v1.GET("/users/:userId/conversations", s.listConversations)
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" {
			c.Next()
			return
		}
		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			fail(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(c *gin.Context) {
	if p, ok := s.store.(Pinger); ok {
		ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			fail(c, http.StatusServiceUnavailable, "unavailable", err.Error())
			return
		}
	}
	ok(c, http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) getConversation(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	conv, err := s.store.Get(ctx, c.Param("id"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	ok(c, http.StatusOK, conv)
}

func (s *Server) putConversation(c *gin.Context) {
	id := c.Param("id")
	var conv chatsync.Conversation
	if err := c.ShouldBindJSON(&conv); err != nil {
		fail(c, http.StatusBadRequest, "bad_request", "invalid conversation body")
		return
	}
	if conv.ID == "" {
		conv.ID = id
	}
	switch {
	case conv.ID != id:
		fail(c, http.StatusBadRequest, "bad_request", "conversation id does not match path")
		return
	case len(conv.Participants) != 2:
		fail(c, http.StatusBadRequest, "bad_request", "conversation needs exactly two participants")
		return
	}
	for _, m := range conv.Messages {
		if !conv.HasParticipant(m.Sender) {
			fail(c, http.StatusBadRequest, "bad_request", "message sender is not a participant")
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	var before *chatsync.Conversation
	if s.notifier != nil {
		if prev, err := s.store.Get(ctx, id); err == nil {
			before = prev
		}
	}

	stored, err := s.store.Mirror(ctx, &conv)
	if err != nil {
		s.storeError(c, err)
		return
	}
	if s.notifier != nil {
		s.notifier.NotifyNew(before, stored)
	}
	ok(c, http.StatusOK, stored)
}

func (s *Server) listConversations(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.timeout)
	defer cancel()

	convs, err := s.store.Query(ctx, c.Param("userId"))
	if err != nil {
		s.storeError(c, err)
		return
	}
	if convs == nil {
		convs = []*chatsync.Conversation{}
	}
	ok(c, http.StatusOK, convs)
}

func (s *Server) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chatsync.ErrNotFound):
		fail(c, http.StatusNotFound, "not_found", "conversation not found")
	case errors.Is(err, chatsync.ErrInvalidArgument):
		fail(c, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, "timeout", "store did not answer in time")
	default:
		s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("store error")
		fail(c, http.StatusBadGateway, "store_error", "remote store unavailable")
	}
}

// ============================================================================
// Envelope helpers
// ============================================================================

func ok(c *gin.Context, status int, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		fail(c, http.StatusInternalServerError, "internal_error", "failed to encode response")
		return
	}
	c.JSON(status, chatsync.Result{OK: true, Data: raw})
}

func fail(c *gin.Context, status int, code, message string) {
	c.JSON(status, chatsync.Result{Error: &chatsync.APIError{Code: code, Message: message}})
}
