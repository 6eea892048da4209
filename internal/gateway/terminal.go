package gateway

import (
	"encoding/json"
	"sync"

	"github.com/jarvishq/jarvis/internal/config"
	"github.com/jarvishq/jarvis/internal/infra/sshpool"
)

// terminalSession bridges one PTY to the terminal channel. One per connection;
// starting a new one closes the previous.
type terminalSession struct {
	shell *sshpool.Shell

	closeOnce sync.Once
}

func (t *terminalSession) close() {
	t.closeOnce.Do(func() { _ = t.shell.Close() })
}

type terminalStartParams struct {
	Node string `json:"node"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

func (c *wsConn) handleTerminalEvent(frame *wsFrame) {
	switch frame.Event {
	case "start":
		var params terminalStartParams
		if err := json.Unmarshal(frame.Payload, &params); err != nil {
			c.sendError("terminal", "invalid start payload")
			return
		}
		c.startTerminal(params)
	case "data":
		var payload struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		term := c.terminal
		c.mu.Unlock()
		if term != nil {
			if _, err := term.shell.Write([]byte(payload.Data)); err != nil {
				c.sendError("terminal", "write failed: "+err.Error())
			}
		}
	case "resize":
		var payload struct {
			Cols int `json:"cols"`
			Rows int `json:"rows"`
		}
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return
		}
		c.mu.Lock()
		term := c.terminal
		c.mu.Unlock()
		if term != nil {
			_ = term.shell.Resize(payload.Cols, payload.Rows)
		}
	case "stop":
		c.stopTerminal()
	default:
		c.sendError("terminal", "unknown terminal event "+frame.Event)
	}
}

func (c *wsConn) startTerminal(params terminalStartParams) {
	node, ok := c.server.cfg.Inventory.ResolveNode(params.Node)
	if !ok {
		c.sendError("terminal", "unknown node "+params.Node)
		return
	}

	// Replace any existing PTY; the pooled SSH connection survives.
	c.stopTerminal()

	shell, err := c.server.cfg.SSH.OpenShell(node.Host, sshpool.ShellOptions{
		Cols: params.Cols,
		Rows: params.Rows,
	})
	if err != nil {
		c.sendError("terminal", err.Error())
		return
	}
	term := &terminalSession{shell: shell}
	c.mu.Lock()
	c.terminal = term
	c.mu.Unlock()

	c.sendEvent("terminal", "ready", terminalReady(node))

	go func() {
		buf := make([]byte, 8192)
		for {
			n, err := shell.Read(buf)
			if n > 0 {
				c.sendEvent("terminal", "data", map[string]any{"data": string(buf[:n])})
			}
			if err != nil {
				break
			}
		}
		select {
		case <-shell.Exited():
			c.sendEvent("terminal", "exit", nil)
		case <-c.ctx.Done():
		}
		c.mu.Lock()
		if c.terminal == term {
			c.terminal = nil
		}
		c.mu.Unlock()
		term.close()
	}()
}

// terminalReady announces the session target: the canonical node name plus
// the host the PTY actually connected to.
func terminalReady(node config.Node) map[string]any {
	return map[string]any{"node": node.Name, "host": node.Host}
}

func (c *wsConn) stopTerminal() {
	c.mu.Lock()
	term := c.terminal
	c.terminal = nil
	c.mu.Unlock()
	if term != nil {
		term.close()
	}
}
