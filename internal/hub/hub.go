// Package hub fans orchestration events out to WebSocket clients and routes
// client input back into sessions and PTYs.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Dicklesworthstone/stm/internal/config"
	"github.com/Dicklesworthstone/stm/internal/events"
	"github.com/Dicklesworthstone/stm/internal/ptybridge"
	"github.com/Dicklesworthstone/stm/internal/session"
	"github.com/Dicklesworthstone/stm/internal/store"
	"github.com/Dicklesworthstone/stm/internal/tmux"
)

// Sessions is the supervisor surface the hub needs.
type Sessions interface {
	GetSession(id string) (*store.Session, error)
	SendInput(id, text string) error
	SendKeys(id string, keys []byte) error
	GetSessionOutput(id string, n int) ([]string, error)
}

// Pty is the bridge surface the hub needs.
type Pty interface {
	Attach(connID, sessionID string, cols, rows uint16) (uint16, uint16, error)
	Detach(connID string) error
	Write(connID string, data []byte) error
	Resize(connID string, cols, rows uint16) error
	AttachedSession(connID string) (string, bool)
	DetachAll(connID string)
	SetHandlers(onData func(connID string, data []byte), onExit func(connID string))
}

// Mux is the multiplexer surface for pane selection and zoom.
type Mux interface {
	SelectPane(paneID string) error
	IsZoomed(paneID string) (bool, error)
	ToggleZoom(paneID string) error
}

// Hub owns all WebSocket connections.
type Hub struct {
	cfg      config.HubConfig
	apiKey   string
	logger   *slog.Logger
	sessions Sessions
	pty      Pty
	mux      Mux
	bus      *events.Bus

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*conn

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a hub and wires the PTY output callbacks.
func New(cfg config.HubConfig, apiKey string, sessions Sessions, pty Pty, mux Mux, bus *events.Bus) *Hub {
	h := &Hub{
		cfg:      cfg,
		apiKey:   apiKey,
		logger:   slog.Default().With("component", "hub"),
		sessions: sessions,
		pty:      pty,
		mux:      mux,
		bus:      bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The API key (or loopback peer) is the authorization boundary.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
	if pty != nil {
		pty.SetHandlers(h.onPtyData, h.onPtyExit)
	}
	return h
}

// Start launches the bus fan-out loop.
func (h *Hub) Start(ctx context.Context) {
	ctx, h.cancel = context.WithCancel(ctx)

	subs := []*events.Subscription{
		h.bus.Subscribe(events.TopicSessionOutput),
		h.bus.Subscribe(events.TopicSessionState),
		h.bus.Subscribe(events.TopicWaitingState),
		h.bus.Subscribe(events.TopicTicketState),
		h.bus.Subscribe(events.TopicNotification),
		h.bus.Subscribe(events.TopicReviewStarted),
		h.bus.Subscribe(events.TopicReviewCompleted),
		h.bus.Subscribe(events.TopicReviewFailed),
	}

	for _, sub := range subs {
		sub := sub
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer sub.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-sub.C:
					h.dispatchEvent(ev)
				}
			}
		}()
	}
}

// Shutdown stops fan-out and closes every connection.
func (h *Hub) Shutdown() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.closeConn(c)
	}
}

// ConnCount returns the number of live connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// HandleWS upgrades an HTTP request into a hub connection.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newConn(uuid.NewString(), ws)
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	h.logger.Info("client connected", "conn", c.id, "remote", r.RemoteAddr)

	go h.writePump(c)
	go h.readPump(c)
}

// authorized enforces the shared API key, waived for loopback peers.
func (h *Hub) authorized(r *http.Request) bool {
	if h.apiKey == "" {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return true
		}
	}
	return r.URL.Query().Get("apiKey") == h.apiKey
}

func (h *Hub) closeConn(c *conn) {
	h.mu.Lock()
	_, present := h.conns[c.id]
	delete(h.conns, c.id)
	h.mu.Unlock()

	c.close()
	if present {
		if h.pty != nil {
			h.pty.DetachAll(c.id)
		}
		h.logger.Info("client disconnected", "conn", c.id)
	}
}

// writePump owns all writes to the socket: queued frames and heartbeats.
func (h *Hub) writePump(c *conn) {
	interval := h.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer h.closeConn(c)

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if c.heartbeatMiss() {
				h.logger.Info("heartbeat timeout", "conn", c.id)
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *conn) {
	defer h.closeConn(c)
	c.ws.SetPongHandler(func(string) error {
		c.pongReceived()
		return nil
	})

	window := h.cfg.RateLimitWindow.Std()
	if window <= 0 {
		window = 10 * time.Second
	}

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if !c.allowMessage(window, h.cfg.RateLimitMaxMessages) {
			c.sendError(codeRateLimited, "too many messages", "")
			continue
		}
		h.handleMessage(c, data)
	}
}

func (h *Hub) handleMessage(c *conn, data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError(codeParseError, "malformed JSON", err.Error())
		return
	}

	switch msg.Type {
	case msgPing:
		c.enqueue(serverMessage{Type: msgPong, Payload: pongPayload{Timestamp: time.Now().UnixMilli()}})
	case msgSubscribe:
		h.handleSubscribe(c, msg.Payload)
	case msgUnsubscribe:
		h.handleUnsubscribe(c, msg.Payload)
	case msgInput:
		h.handleInput(c, msg.Payload)
	case msgKeys:
		h.handleKeys(c, msg.Payload)
	case msgPtyAttach:
		h.handlePtyAttach(c, msg.Payload)
	case msgPtyDetach:
		h.handlePtyDetach(c)
	case msgPtyData:
		h.handlePtyData(c, msg.Payload)
	case msgPtyResize:
		h.handlePtyResize(c, msg.Payload)
	case msgPtySelectPane:
		h.handlePtySelectPane(c, msg.Payload)
	default:
		c.sendError(codeInvalidMessage, "unrecognized message type", msg.Type)
	}
}

func decodePayload[T any](c *conn, raw json.RawMessage) (T, bool) {
	var v T
	if len(raw) == 0 {
		c.sendError(codeInvalidMessage, "missing payload", "")
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		c.sendError(codeInvalidMessage, "invalid payload", err.Error())
		return v, false
	}
	return v, true
}

func (h *Hub) handleSubscribe(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[sessionRefPayload](c, raw)
	if !ok || p.SessionID == "" {
		if ok {
			c.sendError(codeInvalidMessage, "sessionId required", "")
		}
		return
	}

	if _, err := h.sessions.GetSession(p.SessionID); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.sendError(codeSessionNotFound, "unknown session", p.SessionID)
		} else {
			c.sendError(codeInternalError, "session lookup failed", err.Error())
		}
		return
	}

	c.subscribe(p.SessionID)

	lines, err := h.sessions.GetSessionOutput(p.SessionID, h.cfg.OutputBufferLines)
	if err != nil {
		lines = nil
	}
	c.enqueue(serverMessage{Type: msgSubscribed, Payload: subscribedPayload{
		SessionID: p.SessionID, Lines: lines,
	}})
	// Replay through the output channel too so terminals render history.
	if len(lines) > 0 {
		c.enqueue(serverMessage{Type: msgOutput, Payload: outputPayload{
			SessionID: p.SessionID, Lines: lines,
		}})
	}
}

func (h *Hub) handleUnsubscribe(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[sessionRefPayload](c, raw)
	if !ok {
		return
	}
	c.unsubscribe(p.SessionID)
	c.enqueue(serverMessage{Type: msgUnsubscribed, Payload: sessionRefPayload{SessionID: p.SessionID}})
}

func (h *Hub) handleInput(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[inputPayload](c, raw)
	if !ok {
		return
	}
	if !c.isSubscribed(p.SessionID) {
		c.sendError(codeNotSubscribed, "subscribe before sending input", p.SessionID)
		return
	}
	if err := h.sessions.SendInput(p.SessionID, p.Text); err != nil {
		c.sendError(codeInputFailed, "input delivery failed", err.Error())
	}
}

func (h *Hub) handleKeys(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[keysPayload](c, raw)
	if !ok {
		return
	}
	if !c.isSubscribed(p.SessionID) {
		c.sendError(codeNotSubscribed, "subscribe before sending keys", p.SessionID)
		return
	}
	if err := h.sessions.SendKeys(p.SessionID, []byte(p.Keys)); err != nil {
		c.sendError(codeInputFailed, "key delivery failed", err.Error())
	}
}

func (h *Hub) handlePtyAttach(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[ptyAttachPayload](c, raw)
	if !ok {
		return
	}
	cols, rows, err := h.pty.Attach(c.id, p.SessionID, p.Cols, p.Rows)
	if err != nil {
		switch {
		case errors.Is(err, ptybridge.ErrAlreadyAttached):
			c.sendError(codePtyAlreadyAttached, "pty already attached", "")
		case errors.Is(err, ptybridge.ErrInvalidPane):
			c.sendError(codePtyInvalidPane, "pane not attachable", p.SessionID)
		case errors.Is(err, session.ErrSessionNotFound):
			c.sendError(codeSessionNotFound, "unknown session", p.SessionID)
		default:
			c.sendError(codePtyAttachFailed, "pty attach failed", err.Error())
		}
		return
	}

	// PTY holders are also subscribers for status and waiting frames.
	c.subscribe(p.SessionID)
	c.enqueue(serverMessage{Type: msgPtyAttached, Payload: ptyAttachedPayload{
		SessionID: p.SessionID, Cols: cols, Rows: rows,
	}})
}

func (h *Hub) handlePtyDetach(c *conn) {
	if err := h.pty.Detach(c.id); err != nil {
		c.sendError(codePtyNotAttached, "no pty attached", "")
		return
	}
	c.enqueue(serverMessage{Type: msgPtyDetached})
}

func (h *Hub) handlePtyData(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[ptyDataPayload](c, raw)
	if !ok {
		return
	}
	if err := h.pty.Write(c.id, []byte(p.Data)); err != nil {
		c.sendError(codePtyNotAttached, "no pty attached", "")
	}
}

func (h *Hub) handlePtyResize(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[ptyResizePayload](c, raw)
	if !ok {
		return
	}
	if err := h.pty.Resize(c.id, p.Cols, p.Rows); err != nil {
		c.sendError(codePtyNotAttached, "no pty attached", "")
	}
}

func (h *Hub) handlePtySelectPane(c *conn, raw json.RawMessage) {
	p, ok := decodePayload[sessionRefPayload](c, raw)
	if !ok {
		return
	}
	row, err := h.sessions.GetSession(p.SessionID)
	if err != nil {
		c.sendError(codeSessionNotFound, "unknown session", p.SessionID)
		return
	}
	if !strings.HasPrefix(row.PaneID, tmux.PaneIDPrefix) {
		c.sendError(codePtyInvalidPane, "pane not selectable", p.SessionID)
		return
	}
	if err := h.mux.SelectPane(row.PaneID); err != nil {
		c.sendError(codeInternalError, "select pane failed", err.Error())
		return
	}
	// Zoom only when not already zoomed; toggling twice would unzoom.
	if zoomed, err := h.mux.IsZoomed(row.PaneID); err == nil && !zoomed {
		if err := h.mux.ToggleZoom(row.PaneID); err != nil {
			h.logger.Warn("zoom failed", "pane", row.PaneID, "error", err)
		}
	}
}

// dispatchEvent translates bus events into client frames.
func (h *Hub) dispatchEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.SessionOutput:
		h.fanOutSessionOutput(e)
	case events.SessionStateChange:
		h.fanOutToSubscribers(e.SessionID, serverMessage{Type: msgStatus, Payload: statusPayload{
			SessionID: e.SessionID, Previous: e.Previous, Status: e.New,
		}}, false)
	case events.WaitingStateChange:
		h.fanOutToSubscribers(e.SessionID, serverMessage{Type: msgWaiting, Payload: waitingPayload{
			SessionID: e.SessionID, Waiting: e.Waiting, Reason: e.Reason, Source: e.Source,
		}}, false)
	case events.TicketStateChange:
		h.broadcast(serverMessage{Type: msgTicketState, Payload: e})
	case events.NotificationCreated:
		h.broadcast(serverMessage{Type: msgNotification, Payload: e})
	case events.ReviewStarted:
		h.broadcast(serverMessage{Type: msgAnalysisStatus, Payload: analysisStatusPayload{
			SessionID: e.SessionID, TicketID: e.TicketID, Status: "started",
		}})
	case events.ReviewCompleted:
		h.broadcast(serverMessage{Type: msgReviewResult, Payload: e})
	case events.ReviewFailed:
		h.broadcast(serverMessage{Type: msgAnalysisStatus, Payload: analysisStatusPayload{
			SessionID: e.SessionID, TicketID: e.TicketID, Status: "failed", Error: e.Error,
		}})
	}
}

// fanOutSessionOutput delivers output to subscribers, skipping clients whose
// PTY already carries the live stream for that session.
func (h *Hub) fanOutSessionOutput(e events.SessionOutput) {
	msg := serverMessage{Type: msgOutput, Payload: outputPayload{
		SessionID: e.SessionID, Lines: e.Lines,
	}}
	h.fanOutToSubscribers(e.SessionID, msg, true)
}

func (h *Hub) fanOutToSubscribers(sessionID string, msg serverMessage, skipPtyAttached bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if !c.isSubscribed(sessionID) {
			continue
		}
		if skipPtyAttached && h.pty != nil {
			if sid, attached := h.pty.AttachedSession(c.id); attached && sid == sessionID {
				continue
			}
		}
		c.enqueue(msg)
	}
}

func (h *Hub) broadcast(msg serverMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.enqueue(msg)
	}
}

func (h *Hub) onPtyData(connID string, data []byte) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(serverMessage{Type: msgPtyOutput, Payload: ptyOutputPayload{Data: string(data)}})
	}
}

func (h *Hub) onPtyExit(connID string) {
	h.mu.RLock()
	c := h.conns[connID]
	h.mu.RUnlock()
	if c != nil {
		c.enqueue(serverMessage{Type: msgPtyExit})
	}
}
