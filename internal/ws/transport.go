package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pgrelay/backend/internal/session"
)

const (
	closeGrace          = time.Second
	defaultWriteTimeout = 10 * time.Second
)

// conn adapts a gorilla connection to session.Transport. Data frames are
// written by the session's writer and by the read loop's control replies,
// so writes are serialized here.
type conn struct {
	ws           *websocket.Conn
	format       Format
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func newConn(c *websocket.Conn, f Format, writeTimeout time.Duration) *conn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &conn{ws: c, format: f, writeTimeout: writeTimeout}
}

func (c *conn) Send(ev session.Event) error {
	kind, data, err := encode(c.format, ev)
	if err != nil {
		return err
	}
	return c.write(kind, data)
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *conn) write(kind int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(kind, data)
}

func (c *conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// Close sends a close frame and tears the connection down. Closing the
// socket unblocks a writer stuck in Send.
func (c *conn) Close() error {
	return c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith closes the connection with a specific close code. Only the
// first call has any effect. The close frame is skipped when a data write
// is in flight, since that write is what Close has to interrupt.
func (c *conn) closeWith(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		if c.mu.TryLock() {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			c.mu.Unlock()
		}
		err = c.ws.Close()
	})
	return err
}
