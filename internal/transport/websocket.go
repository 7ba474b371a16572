// Package transport connects hub subscribers to the outside world over
// WebSocket and MQTT.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/fleet-livesim/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// DefaultSendBuffer is the per-client outbound queue length.
	DefaultSendBuffer = 64
)

var (
	// ErrSlowSubscriber is returned when a client's outbound queue is full.
	ErrSlowSubscriber = errors.New("subscriber queue full")
	// ErrClosed is returned when sending to a closed client.
	ErrClosed = errors.New("subscriber closed")
)

// Hub is the part of the broadcast hub a transport talks to.
type Hub interface {
	HandleClient(ctx context.Context, sub broadcast.Subscriber, msg broadcast.ClientMessage) error
	LeaveAll(subID string)
}

type errorReply struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSClient is one WebSocket subscriber.
type WSClient struct {
	id   string
	conn *websocket.Conn
	hub  Hub
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// NewWSClient wraps an upgraded connection.
func NewWSClient(conn *websocket.Conn, hub Hub, buffer int) *WSClient {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &WSClient{
		id:   uuid.NewString(),
		conn: conn,
		hub:  hub,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the client's subscriber handle.
func (c *WSClient) ID() string { return c.id }

// Send queues msg for the client without blocking.
func (c *WSClient) Send(_ context.Context, msg broadcast.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.enqueue(data)
}

func (c *WSClient) enqueue(data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

// Run serves the connection until the peer goes away or ctx is cancelled.
// On return the client has left every topic and the connection is closed.
func (c *WSClient) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writePump(ctx)
	}()

	c.readPump(ctx)

	c.hub.LeaveAll(c.id)
	c.close()
	cancel()
	wg.Wait()
	log.WithField("subscriber", c.id).Debug("WebSocket client disconnected")
}

func (c *WSClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *WSClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithError(err).WithField("subscriber", c.id).Warn("WebSocket read failed")
			}
			return
		}

		var msg broadcast.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.replyError("malformed message")
			continue
		}
		if err := c.hub.HandleClient(ctx, c, msg); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"subscriber": c.id,
				"type":       msg.Type,
			}).Debug("Rejected client message")
			c.replyError(err.Error())
		}
	}
}

func (c *WSClient) replyError(text string) {
	data, err := json.Marshal(errorReply{Type: "error", Message: text})
	if err != nil {
		return
	}
	_ = c.enqueue(data)
}

func (c *WSClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.close()
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.WithError(err).WithField("subscriber", c.id).Debug("WebSocket write failed")
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
