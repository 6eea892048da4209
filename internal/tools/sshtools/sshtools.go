// Package sshtools exposes remote command execution on cluster nodes as agent
// tools. The safety policy's allowlist and metacharacter checks run before any
// of these execute, so Execute sees pre-sanitized arguments.
package sshtools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jarvishq/jarvis/internal/config"
	"github.com/jarvishq/jarvis/internal/infra/sshpool"
	"github.com/jarvishq/jarvis/internal/safety"
)

const commandTimeout = 30 * time.Second

// maxOutput caps tool output fed back into the model context.
const maxOutput = 16 * 1024

type execResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
}

func runOn(ctx context.Context, pool *sshpool.Pool, inv *config.Inventory, nodeName, cmd string) (string, error) {
	node, ok := inv.ResolveNode(nodeName)
	if !ok {
		return "", fmt.Errorf("unknown node %q", nodeName)
	}
	res, err := pool.Exec(ctx, node.Host, cmd, commandTimeout)
	if err != nil {
		return "", err
	}
	out := execResult{
		Stdout:   truncate(res.Stdout),
		Stderr:   truncate(res.Stderr),
		ExitCode: res.Code,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n[output truncated]"
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return strings.TrimSpace(s)
}

// RunCommand executes an allowlisted diagnostic command on a node.
type RunCommand struct {
	Pool      *sshpool.Pool
	Inventory *config.Inventory
}

func (t *RunCommand) Name() string      { return "run_command" }
func (t *RunCommand) Tier() safety.Tier { return safety.TierYellow }

func (t *RunCommand) Description() string {
	return "Run a diagnostic shell command on a cluster node over SSH. Only allowlisted commands (uptime, df, free, systemctl, journalctl, qm, pct, zpool, smartctl, ...) are permitted."
}

func (t *RunCommand) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"},"command":{"type":"string"}},"required":["node","command"],"additionalProperties":false}`)
}

func (t *RunCommand) Execute(ctx context.Context, args map[string]any) (string, error) {
	node := argString(args, "node")
	command := argString(args, "command")
	if node == "" || command == "" {
		return "", fmt.Errorf("node and command are required")
	}
	return runOn(ctx, t.Pool, t.Inventory, node, command)
}

// ServiceStatus reports a systemd unit's state on a node.
type ServiceStatus struct {
	Pool      *sshpool.Pool
	Inventory *config.Inventory
}

func (t *ServiceStatus) Name() string      { return "service_status" }
func (t *ServiceStatus) Tier() safety.Tier { return safety.TierGreen }

func (t *ServiceStatus) Description() string {
	return "Check the status of a systemd service on a cluster node."
}

func (t *ServiceStatus) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"},"service":{"type":"string"}},"required":["node","service"],"additionalProperties":false}`)
}

func (t *ServiceStatus) Execute(ctx context.Context, args map[string]any) (string, error) {
	node := argString(args, "node")
	service := argString(args, "service")
	if node == "" || service == "" {
		return "", fmt.Errorf("node and service are required")
	}
	if err := validUnit(service); err != nil {
		return "", err
	}
	return runOn(ctx, t.Pool, t.Inventory, node,
		fmt.Sprintf("systemctl status %s --no-pager -l", service))
}

// RestartService restarts a systemd unit on a node.
type RestartService struct {
	Pool      *sshpool.Pool
	Inventory *config.Inventory
}

func (t *RestartService) Name() string      { return "restart_service" }
func (t *RestartService) Tier() safety.Tier { return safety.TierRed }

func (t *RestartService) Description() string {
	return "Restart a systemd service on a cluster node. The service is briefly unavailable."
}

func (t *RestartService) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"node":{"type":"string"},"service":{"type":"string"}},"required":["node","service"],"additionalProperties":false}`)
}

func (t *RestartService) Execute(ctx context.Context, args map[string]any) (string, error) {
	node := argString(args, "node")
	service := argString(args, "service")
	if node == "" || service == "" {
		return "", fmt.Errorf("node and service are required")
	}
	if err := validUnit(service); err != nil {
		return "", err
	}
	return runOn(ctx, t.Pool, t.Inventory, node,
		fmt.Sprintf("systemctl restart %s && systemctl is-active %s", service, service))
}

// validUnit rejects service names that could smuggle extra shell words past
// the allowlist, which only inspects the command argument key.
func validUnit(name string) error {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.' || r == '@':
		default:
			return fmt.Errorf("invalid service name %q", name)
		}
	}
	if name == "" {
		return fmt.Errorf("invalid service name %q", name)
	}
	return nil
}
