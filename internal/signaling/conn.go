package signaling

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CzarSimon/httputil/id"
	"github.com/gorilla/websocket"
	"github.com/rtcheap/session-manager/internal/models"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// conn a single websocket connection of a roster member.
type conn struct {
	lastSeen int64

	id        string
	sessionID string
	member    models.Member
	ws        *websocket.Conn
	send      chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	closeCode int
	closeText string
}

func newConn(sessionID string, member models.Member, ws *websocket.Conn, buffer int) *conn {
	c := &conn{
		id:        id.New(),
		sessionID: sessionID,
		member:    member,
		ws:        ws,
		send:      make(chan []byte, buffer),
		closing:   make(chan struct{}),
	}
	c.touch(member.JoinedAt)
	return c
}

func (c *conn) touch(t time.Time) {
	atomic.StoreInt64(&c.lastSeen, t.UnixNano())
}

func (c *conn) seenAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastSeen))
}

// enqueue queues a frame for the write pump. Returns false if the queue is full.
func (c *conn) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *conn) enqueueMessage(msg models.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to serialize message", zap.Stringer("message", msg), zap.Error(err))
		return true
	}

	return c.enqueue(data)
}

// close asks the write pump to flush the queue and close the socket with the given code.
func (c *conn) close(code int, text string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		close(c.closing)
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func (c *conn) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		closeSocket(c.ws)
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				log.Debug("failed to send message", zap.String("connId", c.id), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				log.Debug("failed to send ping", zap.String("connId", c.id), zap.Error(err))
				return
			}
		case <-c.closing:
			c.flush()
			writeClose(c.ws, c.closeCode, c.closeText)
			return
		}
	}
}

func (c *conn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *conn) write(messageType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(messageType, data)
}

// readPump feeds inbound frames to the hub until the socket fails, then reports the disconnect.
func (c *conn) readPump(h *Hub) {
	defer h.disconnect(c)

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetPongHandler(func(string) error {
		c.touch(time.Now())
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("connection closed unexpectedly", zap.String("connId", c.id), zap.Error(err))
			}
			return
		}

		c.touch(time.Now())
		h.message(c, data)
	}
}

func writeClose(ws *websocket.Conn, code int, text string) {
	err := ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	if err != nil && err != websocket.ErrCloseSent {
		log.Debug("failed to send close frame", zap.Int("code", code), zap.Error(err))
	}
}

func closeSocket(ws *websocket.Conn) {
	err := ws.Close()
	if err != nil {
		log.Debug("failed to close websocket connection", zap.Error(err))
	}
}
