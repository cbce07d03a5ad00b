// Package watch is a terminal client that follows one subscription key on a
// running gateway and renders the events it receives.
package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/gorilla/websocket"

	"github.com/pgrelay/backend/internal/ws"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
	writeTimeout       = 10 * time.Second
	pongTimeout        = 60 * time.Second
	pingInterval       = 30 * time.Second
)

var errNotConnected = errors.New("not connected")

// Client keeps one envelope-format stream open against a gateway.
type Client struct {
	base  string
	token string

	mu         sync.Mutex
	writeMu    sync.Mutex // serialises conn writes (ping, subscribe)
	conn       *websocket.Conn
	key        string
	seq        uint64
	delay      time.Duration
	pingCancel context.CancelFunc
}

// NewClient creates a client for the gateway at base, e.g.
// "ws://127.0.0.1:8080". key is the initial subscription.
func NewClient(base, key, token string) *Client {
	return &Client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		key:   key,
		delay: reconnectBaseDelay,
	}
}

// --- Bubble Tea messages ---

// ConnectedMsg is sent when the stream is open.
type ConnectedMsg struct{ Key string }

// DialFailedMsg reports a failed connection attempt. The model schedules
// the next attempt after Retry.
type DialFailedMsg struct {
	Err   error
	Retry time.Duration
}

// DisconnectedMsg is sent when an open stream drops.
type DisconnectedMsg struct{ Err error }

// EventMsg delivers one event.
type EventMsg struct{ Event ws.EventMessage }

// ControlMsg delivers a subscribe acknowledgement or a server error.
type ControlMsg struct{ Control ws.ControlMessage }

// SubscribeErrMsg is returned when a subscribe request could not be sent.
type SubscribeErrMsg struct{ Err error }

// StreamURL returns the websocket URL for key.
func (c *Client) StreamURL(key string) string {
	q := url.Values{"format": {string(ws.FormatEnvelope)}}
	if c.token != "" {
		q.Set("token", c.token)
	}
	return c.base + "/ws/" + url.PathEscape(key) + "?" + q.Encode()
}

// Key returns the current subscription key.
func (c *Client) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Seq returns the sequence number of the last event seen.
func (c *Client) Seq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Connect returns a command that makes one connection attempt.
func (c *Client) Connect(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		if ctx.Err() != nil {
			return nil
		}
		key := c.Key()
		dialCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		defer cancel()
		conn, resp, err := websocket.DefaultDialer.DialContext(dialCtx, c.StreamURL(key), nil)
		if err != nil {
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				err = fmt.Errorf("%w (check --token)", err)
			}
			c.mu.Lock()
			retry := c.delay
			c.delay = min(c.delay*2, reconnectMaxDelay)
			c.mu.Unlock()
			return DialFailedMsg{Err: err, Retry: retry}
		}

		c.mu.Lock()
		if c.pingCancel != nil {
			c.pingCancel()
		}
		pingCtx, pingCancel := context.WithCancel(ctx)
		c.conn = conn
		c.delay = reconnectBaseDelay
		c.pingCancel = pingCancel
		c.mu.Unlock()

		go c.pingLoop(pingCtx, conn)
		return ConnectedMsg{Key: key}
	}
}

// Retry returns a command that waits d and then reconnects.
func (c *Client) Retry(ctx context.Context, d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg {
		return c.Connect(ctx)()
	})
}

// ReadLoop returns a command that reads until the next message the model
// cares about. Start it after ConnectedMsg and again after each message.
func (c *Client) ReadLoop(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return DisconnectedMsg{Err: errNotConnected}
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongTimeout))
		})
		_ = conn.SetReadDeadline(time.Now().Add(pongTimeout))

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.drop(conn)
				if ctx.Err() != nil {
					return nil
				}
				return DisconnectedMsg{Err: err}
			}
			if msg := c.decode(data); msg != nil {
				return msg
			}
		}
	}
}

func (c *Client) decode(data []byte) tea.Msg {
	var head struct {
		Type ws.MessageType `json:"type"`
	}
	if json.Unmarshal(data, &head) != nil {
		return nil
	}
	switch head.Type {
	case ws.MsgEvent:
		var ev ws.EventMessage
		if json.Unmarshal(data, &ev) != nil {
			return nil
		}
		payload, err := ev.Data()
		if err != nil {
			return nil
		}
		// Hand the model the original bytes whatever the wire encoding.
		ev.Payload, ev.Encoding = payload, ""
		c.mu.Lock()
		c.seq = ev.Seq
		c.mu.Unlock()
		return EventMsg{Event: ev}
	case ws.MsgSubscribed, ws.MsgError:
		var ctl ws.ControlMessage
		if json.Unmarshal(data, &ctl) != nil {
			return nil
		}
		if ctl.Type == ws.MsgSubscribed {
			c.mu.Lock()
			c.key = ctl.Key
			c.mu.Unlock()
		}
		return ControlMsg{Control: ctl}
	}
	return nil
}

func (c *Client) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		if c.pingCancel != nil {
			c.pingCancel()
			c.pingCancel = nil
		}
	}
	c.mu.Unlock()
	conn.Close()
}

// pingLoop sends periodic pings on conn until ctx is cancelled or the
// connection is replaced.
func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			cc := c.conn
			c.mu.Unlock()
			if cc != conn {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Subscribe asks the gateway to move this stream to key. The switch takes
// effect when the subscribed reply arrives.
func (c *Client) Subscribe(key string) tea.Cmd {
	return func() tea.Msg {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return SubscribeErrMsg{Err: errNotConnected}
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(ws.ControlMessage{Type: ws.MsgSubscribe, Key: key}); err != nil {
			return SubscribeErrMsg{Err: err}
		}
		return nil
	}
}

// Close drops the current connection, if any.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.drop(conn)
}
