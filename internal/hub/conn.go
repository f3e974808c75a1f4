package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const sendQueueSize = 64

// conn is one WebSocket client.
type conn struct {
	id string
	ws *websocket.Conn

	send chan serverMessage
	done chan struct{}

	mu          sync.Mutex
	subscribed  map[string]bool
	missedPongs int
	msgTimes    []time.Time
	closed      bool
}

func newConn(id string, ws *websocket.Conn) *conn {
	return &conn{
		id:         id,
		ws:         ws,
		send:       make(chan serverMessage, sendQueueSize),
		done:       make(chan struct{}),
		subscribed: make(map[string]bool),
	}
}

// enqueue hands a frame to the writer goroutine. Slow clients drop frames
// rather than blocking the hub.
func (c *conn) enqueue(msg serverMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

func (c *conn) sendError(code, message, details string) {
	c.enqueue(serverMessage{Type: msgError, Payload: errorPayload{
		Code: code, Message: message, Details: details,
	}})
}

func (c *conn) subscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[sessionID] = true
}

func (c *conn) unsubscribe(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, sessionID)
}

func (c *conn) isSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[sessionID]
}

// allowMessage applies the sliding-window rate limit.
func (c *conn) allowMessage(window time.Duration, max int) bool {
	now := time.Now()
	cutoff := now.Add(-window)

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.msgTimes[:0]
	for _, ts := range c.msgTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.msgTimes = kept
	if len(c.msgTimes) >= max {
		return false
	}
	c.msgTimes = append(c.msgTimes, now)
	return true
}

// pongReceived resets the heartbeat miss counter.
func (c *conn) pongReceived() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPongs = 0
}

// heartbeatMiss increments the miss counter and reports whether the
// connection should be terminated (two consecutive misses).
func (c *conn) heartbeatMiss() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missedPongs++
	return c.missedPongs >= 2
}

func (c *conn) close() {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return
	}
	close(c.done)
	_ = c.ws.Close()
}
