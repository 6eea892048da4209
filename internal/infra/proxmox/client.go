// Package proxmox is a minimal Proxmox VE REST client with API-token auth and
// a short-TTL response cache on the hot cluster endpoints.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://192.168.1.50:8006.
	BaseURL string

	// TokenID is the API token identity, e.g. "jarvis@pam!jarvis".
	TokenID string

	// TokenSecret is the token secret value.
	TokenSecret string

	// SkipTLSVerify disables certificate verification. Intended for the
	// private LAN where nodes serve self-signed certificates.
	SkipTLSVerify bool

	// CacheTTL is the freshness window for cached cluster responses.
	// Default: 2s.
	CacheTTL time.Duration

	// Timeout is the per-request HTTP timeout. Default: 15s.
	Timeout time.Duration
}

// Client talks to one Proxmox node's API endpoint.
type Client struct {
	baseURL   string
	authValue string
	http      *http.Client
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	body    []byte
	fetched time.Time
}

// cachedPaths are the hot paths shared by the telemetry emitter and the chat
// context builder; everything else always hits the API.
var cachedPaths = map[string]bool{
	"/cluster/resources": true,
	"/cluster/status":    true,
}

// New creates a Client for the given node endpoint.
func New(cfg Config) *Client {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	transport := &http.Transport{}
	if cfg.SkipTLSVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		authValue: fmt.Sprintf("PVEAPIToken=%s=%s", cfg.TokenID, cfg.TokenSecret),
		http:      &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cacheTTL:  cfg.CacheTTL,
		cache:     make(map[string]cacheEntry),
	}
}

// Get performs a GET against path (relative to /api2/json) and decodes the
// `data` envelope into out.
func (c *Client) Get(ctx context.Context, path string, out any) error {
	body, err := c.fetch(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return unwrap(body, path, out)
}

// Post performs a POST with form values against path and decodes the `data`
// envelope into out (out may be nil).
func (c *Client) Post(ctx context.Context, path string, form map[string]string, out any) error {
	var reader io.Reader
	if len(form) > 0 {
		pairs := make([]string, 0, len(form))
		for k, v := range form {
			pairs = append(pairs, k+"="+v)
		}
		reader = strings.NewReader(strings.Join(pairs, "&"))
	}
	body, err := c.fetch(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	// Lifecycle mutations invalidate the cluster snapshot immediately.
	c.mu.Lock()
	c.cache = make(map[string]cacheEntry)
	c.mu.Unlock()
	if out == nil {
		return nil
	}
	return unwrap(body, path, out)
}

func (c *Client) fetch(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	cacheable := method == http.MethodGet && cachedPaths[path]
	if cacheable {
		c.mu.Lock()
		entry, ok := c.cache[path]
		c.mu.Unlock()
		if ok && time.Since(entry.fetched) < c.cacheTTL {
			return entry.body, nil
		}
	}

	url := c.baseURL + "/api2/json" + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("proxmox %s %s: %w", method, path, err)
	}
	req.Header.Set("Authorization", c.authValue)
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxmox %s %s %s: %w", c.baseURL, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("proxmox %s %s: read body: %w", c.baseURL, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("proxmox %s %s: status %d: %s", c.baseURL, path, resp.StatusCode, truncate(string(data), 200))
	}

	if cacheable {
		c.mu.Lock()
		c.cache[path] = cacheEntry{body: data, fetched: time.Now()}
		c.mu.Unlock()
	}
	return data, nil
}

func unwrap(body []byte, path string, out any) error {
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("proxmox %s: decode envelope: %w", path, err)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("proxmox %s: decode data: %w", path, err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// Resource is one row of /cluster/resources.
type Resource struct {
	ID      string  `json:"id"`
	Type    string  `json:"type"`
	Node    string  `json:"node,omitempty"`
	VMID    int     `json:"vmid,omitempty"`
	Name    string  `json:"name,omitempty"`
	Status  string  `json:"status,omitempty"`
	CPU     float64 `json:"cpu,omitempty"`
	MaxCPU  int     `json:"maxcpu,omitempty"`
	Mem     int64   `json:"mem,omitempty"`
	MaxMem  int64   `json:"maxmem,omitempty"`
	Disk    int64   `json:"disk,omitempty"`
	MaxDisk int64   `json:"maxdisk,omitempty"`
	Uptime  int64   `json:"uptime,omitempty"`
	Storage string  `json:"storage,omitempty"`
}

// StatusEntry is one row of /cluster/status.
type StatusEntry struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name,omitempty"`
	IP      string `json:"ip,omitempty"`
	Online  int    `json:"online,omitempty"`
	Quorate int    `json:"quorate,omitempty"`
	Nodes   int    `json:"nodes,omitempty"`
}

// ClusterResources fetches /cluster/resources (cached).
func (c *Client) ClusterResources(ctx context.Context) ([]Resource, error) {
	var out []Resource
	if err := c.Get(ctx, "/cluster/resources", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ClusterStatus fetches /cluster/status (cached).
func (c *Client) ClusterStatus(ctx context.Context) ([]StatusEntry, error) {
	var out []StatusEntry
	if err := c.Get(ctx, "/cluster/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VMAction posts a lifecycle action (start, stop, shutdown, reboot) for a VM.
func (c *Client) VMAction(ctx context.Context, node string, vmid int, action string) (string, error) {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/status/%s", node, vmid, action)
	if err := c.Post(ctx, path, nil, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// MigrateVM posts a migration request for a VM to the target node.
func (c *Client) MigrateVM(ctx context.Context, node string, vmid int, target string) (string, error) {
	var upid string
	path := fmt.Sprintf("/nodes/%s/qemu/%d/migrate", node, vmid)
	if err := c.Post(ctx, path, map[string]string{"target": target, "online": "1"}, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// NodeStatus fetches /nodes/<node>/status (uncached).
func (c *Client) NodeStatus(ctx context.Context, node string) (map[string]any, error) {
	var out map[string]any
	if err := c.Get(ctx, "/nodes/"+node+"/status", &out); err != nil {
		return nil, err
	}
	return out, nil
}
