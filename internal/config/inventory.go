package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node describes one Proxmox cluster member.
type Node struct {
	Name string `yaml:"name"`
	Host string `yaml:"host"`
	// APIPort is the Proxmox API port, default 8006.
	APIPort int `yaml:"api_port"`
}

// Protected lists resources that no tool may touch regardless of tier.
type Protected struct {
	Nodes    []string `yaml:"nodes"`
	VMIDs    []int    `yaml:"vmids"`
	Services []string `yaml:"services"`
	IPs      []string `yaml:"ips"`
}

// Inventory is the YAML cluster inventory: node list plus protected resources.
type Inventory struct {
	Nodes     []Node    `yaml:"nodes"`
	Protected Protected `yaml:"protected"`
}

// LoadInventory parses the YAML inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory %s: %w", path, err)
	}
	for i := range inv.Nodes {
		if inv.Nodes[i].APIPort == 0 {
			inv.Nodes[i].APIPort = 8006
		}
	}
	return &inv, nil
}

// ResolveNode finds a node by name, case-insensitively.
func (inv *Inventory) ResolveNode(name string) (Node, bool) {
	for _, n := range inv.Nodes {
		if strings.EqualFold(n.Name, name) {
			return n, true
		}
	}
	return Node{}, false
}
