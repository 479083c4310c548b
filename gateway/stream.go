package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/driveshare/chatsync"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	readTimeout     = 60 * time.Second
	sendBufferSize  = 32
	maxInboundBytes = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Devices are native clients; access control is the bearer token.
		return true
	},
}

// streamConn wraps a websocket and serializes outbound writes through a
// buffered channel.
type streamConn struct {
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

func newStreamConn(ws *websocket.Conn) *streamConn {
	return &streamConn{
		ws:    ws,
		send:  make(chan []byte, sendBufferSize),
		close: make(chan struct{}),
	}
}

// Send enqueues payload. A full buffer means the client stopped reading;
// the connection is closed so the device reconnects and resyncs.
func (c *streamConn) Send(payload []byte) error {
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *streamConn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *streamConn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func envelope(typ string, payload any) []byte {
	env := chatsync.StreamEnvelope{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil
		}
		env.Payload = raw
	}
	out, _ := json.Marshal(env)
	return out
}

// stream upgrades to a WebSocket and forwards every change of the
// conversation until either side closes. The subscribed frame is only sent
// once the store subscription is live.
func (s *Server) stream(c *gin.Context) {
	id := c.Param("id")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}
	conn := newStreamConn(ws)
	defer conn.Close(websocket.CloseNormalClosure, "stream closed")

	// Changes wait for the subscribed frame so it is always first.
	ready := make(chan struct{})
	sub, err := s.store.Subscribe(c.Request.Context(), id, func(conv *chatsync.Conversation) {
		select {
		case <-ready:
		case <-conn.close:
			return
		}
		if payload := envelope(chatsync.StreamChanged, conv); payload != nil {
			_ = conn.Send(payload)
		}
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", id).Msg("stream subscribe failed")
		// The writer is not running yet, so write directly.
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = ws.WriteMessage(websocket.TextMessage, envelope(chatsync.StreamError, gin.H{"message": "subscription unavailable"}))
		return
	}
	defer sub.Close()

	go conn.writeLoop()
	_ = conn.Send(envelope(chatsync.StreamSubscribed, gin.H{"conversationId": id}))
	close(ready)
	s.logger.Debug().Str("conversation", id).Msg("stream attached")

	ws.SetReadLimit(maxInboundBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	// Clients never send data frames; reading drives control frames and
	// detects disconnects.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
