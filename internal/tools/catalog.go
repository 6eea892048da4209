package tools

import (
	"fmt"

	"github.com/jarvishq/jarvis/internal/config"
	"github.com/jarvishq/jarvis/internal/infra/proxmox"
	"github.com/jarvishq/jarvis/internal/infra/sshpool"
	"github.com/jarvishq/jarvis/internal/tools/proxmoxtools"
	"github.com/jarvishq/jarvis/internal/tools/sshtools"
)

// CatalogConfig carries the clients the built-in tools need.
type CatalogConfig struct {
	Proxmox   *proxmox.Client
	SSH       *sshpool.Pool
	Inventory *config.Inventory
}

// BuildRegistry registers the full tool catalog and freezes it. Construction
// fails on duplicate names or invalid schemas, both programming errors.
func BuildRegistry(cfg CatalogConfig) (*Registry, error) {
	registry := NewRegistry()

	catalog := []Tool{
		&proxmoxtools.ClusterStatus{Client: cfg.Proxmox},
		&proxmoxtools.ListVMs{Client: cfg.Proxmox},
		&proxmoxtools.NodeStatus{Client: cfg.Proxmox},
		proxmoxtools.NewStartVM(cfg.Proxmox),
		proxmoxtools.NewStopVM(cfg.Proxmox),
		proxmoxtools.NewRestartVM(cfg.Proxmox),
		&proxmoxtools.MigrateVM{Client: cfg.Proxmox},
		&proxmoxtools.RebootNode{},
		&sshtools.RunCommand{Pool: cfg.SSH, Inventory: cfg.Inventory},
		&sshtools.ServiceStatus{Pool: cfg.SSH, Inventory: cfg.Inventory},
		&sshtools.RestartService{Pool: cfg.SSH, Inventory: cfg.Inventory},
	}

	for _, tool := range catalog {
		if err := registry.Register(tool); err != nil {
			return nil, fmt.Errorf("build tool catalog: %w", err)
		}
	}
	registry.Freeze()
	return registry, nil
}
