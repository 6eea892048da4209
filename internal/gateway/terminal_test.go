package gateway

import (
	"context"
	"testing"

	"github.com/jarvishq/jarvis/internal/config"
)

func TestTerminalReadyCarriesResolvedHost(t *testing.T) {
	inv := &config.Inventory{Nodes: []config.Node{
		{Name: "pve1", Host: "192.168.1.50", APIPort: 8006},
	}}
	node, ok := inv.ResolveNode("PVE1")
	if !ok {
		t.Fatal("node did not resolve")
	}

	payload := terminalReady(node)
	if payload["node"] != "pve1" {
		t.Fatalf("node = %v", payload["node"])
	}
	if payload["host"] != "192.168.1.50" {
		t.Fatalf("host = %v", payload["host"])
	}
}

func TestTerminalStartRejectsUnknownNode(t *testing.T) {
	logger := testLogger()
	s := &Server{
		cfg: Config{
			Inventory: &config.Inventory{Nodes: []config.Node{{Name: "pve1", Host: "192.168.1.50"}}},
			Logger:    logger,
		},
		logger: logger,
		conns:  make(map[*wsConn]struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c := &wsConn{
		server: s,
		send:   make(chan []byte, wsSendBuffer),
		ctx:    ctx,
		cancel: cancel,
		chat:   newChatState(),
	}

	c.startTerminal(terminalStartParams{Node: "pve9"})

	frames := drainFrames(t, c)
	if len(frames) != 1 || frames[0].Event != "error" {
		t.Fatalf("frames = %+v", frames)
	}
}
