package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("JARVIS_PASSWORD", "hunter2")
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("JARVIS_PASSWORD", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JWT_SECRET")
	}

	t.Setenv("JWT_SECRET", "secret")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without JARVIS_PASSWORD")
	}
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 3000 {
		t.Fatalf("port = %d, want 3000", cfg.Server.Port)
	}
	if cfg.Auth.TokenExpiry != 7*24*time.Hour {
		t.Fatalf("token expiry = %v", cfg.Auth.TokenExpiry)
	}
	if cfg.SSH.User != "root" {
		t.Fatalf("ssh user = %q", cfg.SSH.User)
	}
	if cfg.Safety.ApprovalKeyword != "confirm" {
		t.Fatalf("approval keyword = %q", cfg.Safety.ApprovalKeyword)
	}
}

func TestLoadRejectsBadPort(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "99999")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestLoadInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jarvis.yaml")
	data := `
nodes:
  - name: pve1
    host: 192.168.1.50
  - name: pve2
    host: 192.168.1.51
    api_port: 8007
protected:
  nodes: [pve1]
  vmids: [100]
  services: [pve-cluster]
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	inv, err := LoadInventory(path)
	if err != nil {
		t.Fatalf("load inventory: %v", err)
	}
	if len(inv.Nodes) != 2 {
		t.Fatalf("nodes = %d, want 2", len(inv.Nodes))
	}
	if inv.Nodes[0].APIPort != 8006 {
		t.Fatalf("default api port = %d, want 8006", inv.Nodes[0].APIPort)
	}
	if inv.Nodes[1].APIPort != 8007 {
		t.Fatalf("explicit api port = %d, want 8007", inv.Nodes[1].APIPort)
	}
	if len(inv.Protected.VMIDs) != 1 || inv.Protected.VMIDs[0] != 100 {
		t.Fatalf("protected vmids = %v", inv.Protected.VMIDs)
	}

	node, ok := inv.ResolveNode("PVE2")
	if !ok || node.Host != "192.168.1.51" {
		t.Fatalf("resolve PVE2 = %+v, %v", node, ok)
	}
	if _, ok := inv.ResolveNode("pve9"); ok {
		t.Fatal("unknown node must not resolve")
	}
}

func TestLoadInventoryMissingFile(t *testing.T) {
	if _, err := LoadInventory(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing inventory")
	}
}
