package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsMaxPayloadBytes = 4 << 20 // voice audio chunks are the largest frames
	wsPongWait        = 60 * time.Second
	wsPingInterval    = 25 * time.Second
	wsWriteWait       = 10 * time.Second
	wsSendBuffer      = 256
)

// wsFrame is the envelope for every message on the socket, both directions.
// The first client frame must be {type: "auth", payload: {token}}.
type wsFrame struct {
	Type    string          `json:"type,omitempty"`
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsOutFrame struct {
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  8192,
	WriteBufferSize: 8192,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConn is one client connection and its per-channel state.
type wsConn struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	authed bool

	mu            sync.Mutex
	clusterCancel func()
	terminal      *terminalSession
	voice         *voiceSession
	chat          *chatState
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	wsConnections.Inc()
	defer wsConnections.Dec()

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		server: s,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		chat:   newChatState(),
	}
	go c.writeLoop()
	c.readLoop()
	c.teardown()
}

func (c *wsConn) teardown() {
	c.cancel()
	c.server.unregisterConn(c)

	c.mu.Lock()
	clusterCancel := c.clusterCancel
	term := c.terminal
	voice := c.voice
	c.mu.Unlock()

	if clusterCancel != nil {
		clusterCancel()
	}
	if term != nil {
		term.close()
	}
	if voice != nil {
		voice.close()
	}
	c.chat.cancelAll()
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("", "invalid frame: "+err.Error())
			continue
		}

		if !c.authed {
			if frame.Type != "auth" {
				c.sendError("", "authentication required")
				return
			}
			if err := c.handleAuth(&frame); err != nil {
				c.sendError("", err.Error())
				return
			}
			continue
		}

		c.dispatch(&frame)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *wsConn) handleAuth(frame *wsFrame) error {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		return fmt.Errorf("invalid auth payload")
	}
	if err := c.server.cfg.Auth.Validate(payload.Token); err != nil {
		return fmt.Errorf("invalid token")
	}
	c.authed = true
	c.server.registerConn(c)
	c.sendEvent("", "auth:ok", nil)

	// An authenticated socket is a cluster subscriber: full snapshot first,
	// then incremental pushes.
	c.subscribeCluster()
	return nil
}

func (c *wsConn) subscribeCluster() {
	snapshot, updates, cancel := c.server.cfg.Telemetry.Subscribe()
	c.mu.Lock()
	c.clusterCancel = cancel
	c.mu.Unlock()

	c.sendEvent("cluster", "snapshot", snapshot)
	go func() {
		for {
			select {
			case <-c.ctx.Done():
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				c.sendEvent("cluster", u.Kind, u.Payload)
			}
		}
	}()
}

func (c *wsConn) dispatch(frame *wsFrame) {
	switch frame.Channel {
	case "cluster":
		if frame.Event == "requestRefresh" {
			c.server.cfg.Telemetry.RefreshNow()
		}
	case "chat":
		c.handleChatEvent(frame)
	case "terminal":
		c.handleTerminalEvent(frame)
	case "voice":
		c.handleVoiceEvent(frame)
	default:
		c.sendError(frame.Channel, fmt.Sprintf("unknown channel %q", frame.Channel))
	}
}

// sendEvent enqueues an outbound frame; a full buffer drops the connection
// rather than blocking pipeline goroutines.
func (c *wsConn) sendEvent(channel, event string, payload any) {
	data, err := json.Marshal(wsOutFrame{Channel: channel, Event: event, Payload: payload})
	if err != nil {
		c.server.logger.Error("failed to encode ws frame", "event", event, "error", err)
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	default:
		c.server.logger.Warn("ws send buffer full, dropping connection")
		c.cancel()
	}
}

func (c *wsConn) sendError(channel, message string) {
	c.sendEvent(channel, "error", map[string]string{"message": message})
}
