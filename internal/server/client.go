package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tradewire/go-rfqhub/internal/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// Client wraps one authenticated WebSocket connection. Session
// metadata lives here, never on the transport handle.
type Client struct {
	conn         *websocket.Conn
	hub          *Hub
	log          *log.Logger
	user         types.User
	send         chan ServerMessage
	channels     map[string]struct{}
	channelsLock sync.RWMutex
	stop         chan struct{}
	stopOnce     sync.Once
}

func NewClient(user types.User, conn *websocket.Conn, h *Hub, l *log.Logger) *Client {
	return &Client{
		conn:     conn,
		hub:      h,
		log:      l,
		user:     user,
		send:     make(chan ServerMessage, 256),
		channels: make(map[string]struct{}),
		stop:     make(chan struct{}),
	}
}

func (c *Client) Write() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Println("write exiting")
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}

			bytes, err := serializeMessage(msg)
			if err != nil {
				c.log.Println("failed to serialize message:", err)
				continue
			}

			if !c.sendMessage(websocket.TextMessage, bytes) {
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.sendMessage(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

// Read processes inbound messages for this connection in arrival
// order. Each message runs to completion before the next is read, so
// per-connection ordering holds while other connections interleave
// freely.
func (c *Client) Read() {
	defer func() {
		c.conn.Close()
		c.cleanup()
		c.log.Println("read exiting")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(appData string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.log.Printf("ws: read: %v", err)
			}
			break
		}

		c.hub.Touch(c.user.Id)

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.log.Println("error parsing message:", err)
			c.queueMessage(ErrInvalidMessage())
			continue
		}

		msg.raw = raw
		msg.client = c

		c.hub.route(c, &msg)
	}
}

func (c *Client) queueMessage(msg ServerMessage) bool {
	select {
	case c.send <- msg:
	default:
		c.log.Println("failed to send message to client, channel is full")
		return false
	}

	return true
}

func serializeMessage(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

func (c *Client) sendMessage(msgType int, msg []byte) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	if err := c.conn.WriteMessage(msgType, msg); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure,
			websocket.CloseNormalClosure) {
			c.log.Printf("write message: %s", err)
		}
		return false
	}

	return true
}

func (c *Client) stopClient() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}

func (c *Client) cleanup() {
	c.hub.DeregisterClient(c)
	c.stopClient()
}

func (c *Client) addChannel(channel string) {
	c.channelsLock.Lock()
	defer c.channelsLock.Unlock()

	c.channels[channel] = struct{}{}
}

func (c *Client) hasChannel(channel string) bool {
	c.channelsLock.RLock()
	defer c.channelsLock.RUnlock()

	_, ok := c.channels[channel]
	return ok
}
