package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket session.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subMu         sync.Mutex
	subscriptions map[string]struct{}

	rateMu    sync.Mutex
	msgCount  int
	lastReset time.Time
}

// clientMessage is what clients send: subscribe, unsubscribe or ping.
type clientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		hub:           h,
		conn:          conn,
		send:          make(chan []byte, h.cfg.SendBuffer),
		subscriptions: make(map[string]struct{}),
		lastReset:     time.Now(),
	}
}

// enqueue hands a frame to the client's writer, dropping it if the client
// cannot keep up.
func (c *Client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

// readPump parses client messages until the connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if !c.withinRateLimit() {
			c.sendError("rate_limited", "too many messages")
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.sendError("invalid_message", "malformed frame")
			continue
		}
		c.handleMessage(&msg)
	}
}

// writePump writes one frame per queued message and keeps the connection
// alive with pings.
func (c *Client) writePump() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleMessage(msg *clientMessage) {
	switch msg.Action {
	case "subscribe":
		c.handleSubscribe(msg.Channel)
	case "unsubscribe":
		c.handleUnsubscribe(msg.Channel)
	case "ping":
		c.enqueue(mustMarshal(&WireMessage{Type: "pong"}))
	default:
		c.sendError("unknown_action", "unknown action: "+msg.Action)
	}
}

func (c *Client) handleSubscribe(channel string) {
	if channel == "" {
		c.sendError("invalid_channel", "channel cannot be empty")
		return
	}

	c.subMu.Lock()
	if c.hub.cfg.MaxSubscriptions > 0 && len(c.subscriptions) >= c.hub.cfg.MaxSubscriptions {
		c.subMu.Unlock()
		c.sendError("subscription_limit", "subscription limit reached")
		return
	}
	c.subscriptions[channel] = struct{}{}
	c.subMu.Unlock()

	c.hub.subscribe <- subRequest{client: c, channel: channel, add: true}
}

func (c *Client) handleUnsubscribe(channel string) {
	c.subMu.Lock()
	delete(c.subscriptions, channel)
	c.subMu.Unlock()

	c.hub.unsubscribe <- subRequest{client: c, channel: channel}
}

func (c *Client) withinRateLimit() bool {
	if c.hub.cfg.MessageRateLimit <= 0 {
		return true
	}
	c.rateMu.Lock()
	defer c.rateMu.Unlock()

	now := time.Now()
	if now.Sub(c.lastReset) >= time.Second {
		c.msgCount = 0
		c.lastReset = now
	}
	c.msgCount++
	return c.msgCount <= c.hub.cfg.MessageRateLimit
}

func (c *Client) sendError(code, message string) {
	c.enqueue(mustMarshal(&WireMessage{
		Type: "error",
		Data: map[string]string{"code": code, "message": message},
	}))
}
