// Package proxmoxtools exposes cluster operations as agent tools backed by
// the Proxmox API client. Tiers are declared per tool and enforced upstream
// by the safety policy.
package proxmoxtools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jarvishq/jarvis/internal/infra/proxmox"
	"github.com/jarvishq/jarvis/internal/safety"
)

func marshal(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

func argInt(args map[string]any, key string) (int, bool) {
	switch n := args[key].(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// ClusterStatus reports quorum and node membership.
type ClusterStatus struct {
	Client *proxmox.Client
}

func (t *ClusterStatus) Name() string      { return "get_cluster_status" }
func (t *ClusterStatus) Tier() safety.Tier { return safety.TierGreen }

func (t *ClusterStatus) Description() string {
	return "Get the Proxmox cluster status: quorum state and per-node online/offline membership."
}

func (t *ClusterStatus) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}

func (t *ClusterStatus) Execute(ctx context.Context, args map[string]any) (string, error) {
	entries, err := t.Client.ClusterStatus(ctx)
	if err != nil {
		return "", err
	}
	type nodeStatus struct {
		Name   string `json:"name"`
		Online bool   `json:"online"`
		IP     string `json:"ip,omitempty"`
	}
	out := struct {
		Quorate bool         `json:"quorate"`
		Nodes   []nodeStatus `json:"nodes"`
	}{}
	for _, e := range entries {
		switch e.Type {
		case "cluster":
			out.Quorate = e.Quorate == 1
		case "node":
			out.Nodes = append(out.Nodes, nodeStatus{Name: e.Name, Online: e.Online == 1, IP: e.IP})
		}
	}
	return marshal(out)
}

// ListVMs enumerates VMs and containers across the cluster.
type ListVMs struct {
	Client *proxmox.Client
}

func (t *ListVMs) Name() string      { return "list_vms" }
func (t *ListVMs) Tier() safety.Tier { return safety.TierGreen }

func (t *ListVMs) Description() string {
	return "List all VMs and LXC containers with their node, status, and resource usage. Optionally filter by node name."
}

func (t *ListVMs) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string","description":"Only list guests on this node"}},"additionalProperties":false}`)
}

func (t *ListVMs) Execute(ctx context.Context, args map[string]any) (string, error) {
	resources, err := t.Client.ClusterResources(ctx)
	if err != nil {
		return "", err
	}
	node := strings.ToLower(argString(args, "node"))
	type guest struct {
		VMID   int     `json:"vmid"`
		Name   string  `json:"name"`
		Type   string  `json:"type"`
		Node   string  `json:"node"`
		Status string  `json:"status"`
		CPU    float64 `json:"cpu"`
		MemMB  int64   `json:"mem_mb"`
		Uptime int64   `json:"uptime_s"`
	}
	var out []guest
	for _, r := range resources {
		if r.Type != "qemu" && r.Type != "lxc" {
			continue
		}
		if node != "" && strings.ToLower(r.Node) != node {
			continue
		}
		out = append(out, guest{
			VMID:   r.VMID,
			Name:   r.Name,
			Type:   r.Type,
			Node:   r.Node,
			Status: r.Status,
			CPU:    r.CPU,
			MemMB:  r.Mem / (1 << 20),
			Uptime: r.Uptime,
		})
	}
	return marshal(out)
}

// NodeStatus reports one node's load, memory, and uptime.
type NodeStatus struct {
	Client *proxmox.Client
}

func (t *NodeStatus) Name() string      { return "get_node_status" }
func (t *NodeStatus) Tier() safety.Tier { return safety.TierGreen }

func (t *NodeStatus) Description() string {
	return "Get detailed status for a single cluster node: CPU load, memory, rootfs usage, uptime."
}

func (t *NodeStatus) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"}},"required":["node"],"additionalProperties":false}`)
}

func (t *NodeStatus) Execute(ctx context.Context, args map[string]any) (string, error) {
	node := argString(args, "node")
	if node == "" {
		return "", fmt.Errorf("node is required")
	}
	status, err := t.Client.NodeStatus(ctx, node)
	if err != nil {
		return "", err
	}
	return marshal(status)
}

// VMLifecycle implements start/stop/restart with per-action tiers.
type VMLifecycle struct {
	client *proxmox.Client
	name   string
	tier   safety.Tier
	action string
	desc   string
}

func (t *VMLifecycle) Name() string        { return t.name }
func (t *VMLifecycle) Tier() safety.Tier   { return t.tier }
func (t *VMLifecycle) Description() string { return t.desc }

func (t *VMLifecycle) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"},"vmid":{"type":"integer"}},"required":["node","vmid"],"additionalProperties":false}`)
}

func (t *VMLifecycle) Execute(ctx context.Context, args map[string]any) (string, error) {
	node := argString(args, "node")
	vmid, ok := argInt(args, "vmid")
	if node == "" || !ok {
		return "", fmt.Errorf("node and vmid are required")
	}
	upid, err := t.client.VMAction(ctx, node, vmid, t.action)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"task": upid, "action": t.action, "vmid": vmid, "node": node})
}

// NewStartVM starts a stopped guest.
func NewStartVM(client *proxmox.Client) *VMLifecycle {
	return &VMLifecycle{
		client: client,
		name:   "start_vm",
		tier:   safety.TierYellow,
		action: "start",
		desc:   "Start a stopped VM by node and vmid.",
	}
}

// NewStopVM performs a clean shutdown.
func NewStopVM(client *proxmox.Client) *VMLifecycle {
	return &VMLifecycle{
		client: client,
		name:   "stop_vm",
		tier:   safety.TierRed,
		action: "shutdown",
		desc:   "Shut down a running VM by node and vmid. Interrupts anything running inside.",
	}
}

// NewRestartVM reboots a guest.
func NewRestartVM(client *proxmox.Client) *VMLifecycle {
	return &VMLifecycle{
		client: client,
		name:   "restart_vm",
		tier:   safety.TierRed,
		action: "reboot",
		desc:   "Reboot a running VM by node and vmid. Interrupts anything running inside.",
	}
}

// MigrateVM live-migrates a guest between nodes.
type MigrateVM struct {
	Client *proxmox.Client
}

func (t *MigrateVM) Name() string      { return "migrate_vm" }
func (t *MigrateVM) Tier() safety.Tier { return safety.TierOrange }

func (t *MigrateVM) Description() string {
	return "Live-migrate a VM to another node. Heavy operation: moves memory and possibly disks across the network."
}

func (t *MigrateVM) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"},"vmid":{"type":"integer"},"target":{"type":"string"}},"required":["node","vmid","target"],"additionalProperties":false}`)
}

func (t *MigrateVM) Execute(ctx context.Context, args map[string]any) (string, error) {
	node := argString(args, "node")
	target := argString(args, "target")
	vmid, ok := argInt(args, "vmid")
	if node == "" || target == "" || !ok {
		return "", fmt.Errorf("node, vmid, and target are required")
	}
	upid, err := t.Client.MigrateVM(ctx, node, vmid, target)
	if err != nil {
		return "", err
	}
	return marshal(map[string]any{"task": upid, "vmid": vmid, "from": node, "to": target})
}

// RebootNode is registered so its tier is known, and blocked unconditionally
// by the BLACK tier: node reboots require physical presence.
type RebootNode struct{}

func (t *RebootNode) Name() string      { return "reboot_node" }
func (t *RebootNode) Tier() safety.Tier { return safety.TierBlack }

func (t *RebootNode) Description() string {
	return "Reboot an entire cluster node. Not available remotely."
}

func (t *RebootNode) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"}},"required":["node"],"additionalProperties":false}`)
}

func (t *RebootNode) Execute(ctx context.Context, args map[string]any) (string, error) {
	return "", fmt.Errorf("reboot_node cannot be executed remotely")
}
