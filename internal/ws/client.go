package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"dm-service/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 256 * 1024
	sendBufferSize = 64
)

// Client is one live device session.
type Client struct {
	conn *websocket.Conn
	info ConnInfo
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, info ConnInfo) *Client {
	return &Client{
		conn: conn,
		info: info,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// Info returns the connection metadata captured at handshake.
func (c *Client) Info() ConnInfo {
	return c.info
}

// enqueue never blocks. A session whose buffer is full is closed.
func (c *Client) enqueue(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	case <-c.done:
		return false
	default:
		c.close()
		return false
	}
}

func (c *Client) sendEvent(eventType string, data any, ackID, requestID string) {
	env, err := models.NewEnvelope(eventType, data)
	if err != nil {
		return
	}
	env.AckID = ackID
	env.RequestID = requestID
	payload, _ := json.Marshal(env)
	c.enqueue(payload)
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writePump owns all writes to the connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// readPump decodes frames until the connection fails. Each pong extends the
// read deadline and calls onPong.
func (c *Client) readPump(onFrame func(models.Envelope), onPong func()) error {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if onPong != nil {
			onPong()
		}
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var env models.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
			c.sendEvent(models.EventError, models.ErrorEvent{Error: "malformed frame"}, "", "")
			continue
		}
		onFrame(env)
	}
}
