// Package telemetry polls the cluster on staggered intervals and pushes
// updates to subscribers. Each poller runs in its own error boundary so a
// flaky dependency degrades one panel, not the whole feed.
package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jarvishq/jarvis/internal/config"
	"github.com/jarvishq/jarvis/internal/infra/proxmox"
	"github.com/jarvishq/jarvis/internal/infra/sshpool"
)

// Poll intervals per data kind. Nodes and quorum share the cheap cached
// cluster endpoints; storage and temperature are heavier.
const (
	nodesInterval       = 10 * time.Second
	quorumInterval      = 10 * time.Second
	vmsInterval         = 15 * time.Second
	storageInterval     = 30 * time.Second
	temperatureInterval = 30 * time.Second
	voiceInterval       = 10 * time.Second

	pollTimeout = 10 * time.Second
)

// Update kinds match the cluster channel event names.
const (
	KindNodes       = "nodes"
	KindVMs         = "vms"
	KindStorage     = "storage"
	KindQuorum      = "quorum"
	KindTemperature = "temperature"
	KindVoiceAgents = "voice_agents"
)

// ClusterSource is the subset of the Proxmox client the emitter needs.
type ClusterSource interface {
	ClusterResources(ctx context.Context) ([]proxmox.Resource, error)
	ClusterStatus(ctx context.Context) ([]proxmox.StatusEntry, error)
}

// CommandRunner runs one remote command; satisfied by the SSH pool.
type CommandRunner interface {
	Exec(ctx context.Context, host, cmd string, timeout time.Duration) (*sshpool.ExecResult, error)
}

// Update is one telemetry push.
type Update struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// NodeInfo is one node's row in the nodes payload.
type NodeInfo struct {
	Name   string  `json:"name"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	MaxCPU int     `json:"maxcpu"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
	Uptime int64   `json:"uptime"`
}

// VMInfo is one guest's row in the vms payload.
type VMInfo struct {
	VMID   int     `json:"vmid"`
	Name   string  `json:"name"`
	Type   string  `json:"type"`
	Node   string  `json:"node"`
	Status string  `json:"status"`
	CPU    float64 `json:"cpu"`
	Mem    int64   `json:"mem"`
	MaxMem int64   `json:"maxmem"`
}

// StorageInfo is one storage pool's row.
type StorageInfo struct {
	ID      string `json:"id"`
	Node    string `json:"node"`
	Used    int64  `json:"used"`
	Total   int64  `json:"total"`
	Storage string `json:"storage"`
}

// QuorumInfo is the quorum payload.
type QuorumInfo struct {
	Quorate bool `json:"quorate"`
	Nodes   int  `json:"nodes"`
	Online  int  `json:"online"`
}

// VoiceAgent is one registered voice satellite.
type VoiceAgent struct {
	ID       string    `json:"id"`
	State    string    `json:"state"`
	LastSeen time.Time `json:"last_seen"`
}

// Snapshot is the full state sent to a new subscriber.
type Snapshot struct {
	Nodes       []NodeInfo                 `json:"nodes"`
	VMs         []VMInfo                   `json:"vms"`
	Storage     []StorageInfo              `json:"storage"`
	Quorum      QuorumInfo                 `json:"quorum"`
	Temperature map[string]json.RawMessage `json:"temperature"`
	VoiceAgents []VoiceAgent               `json:"voice_agents"`
}

// Config wires an Emitter.
type Config struct {
	Cluster   ClusterSource
	Runner    CommandRunner
	Inventory *config.Inventory
	Logger    *slog.Logger

	// AlertFunc receives degradation notifications, already cooldown-gated.
	AlertFunc func(cause, message string)
}

// Emitter owns the pollers and the subscriber set.
type Emitter struct {
	cfg    Config
	logger *slog.Logger
	alerts *alertGate

	mu       sync.Mutex
	snapshot Snapshot
	subs     map[chan Update]struct{}
	kick     chan struct{}
	voice    map[string]VoiceAgent
}

// New creates an Emitter. Run must be called to start polling.
func New(cfg Config) *Emitter {
	return &Emitter{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "telemetry"),
		alerts: newAlertGate(cfg.AlertFunc),
		subs:   make(map[chan Update]struct{}),
		kick:   make(chan struct{}, 1),
		voice:  make(map[string]VoiceAgent),
	}
}

// Subscribe registers a listener and returns the current snapshot with it.
// The caller must invoke the returned cancel func to release the channel.
func (e *Emitter) Subscribe() (Snapshot, <-chan Update, func()) {
	ch := make(chan Update, 64)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	snap := e.snapshot
	e.mu.Unlock()
	cancel := func() {
		e.mu.Lock()
		delete(e.subs, ch)
		e.mu.Unlock()
	}
	return snap, ch, cancel
}

// RefreshNow schedules an immediate re-poll of every kind. Called after
// mutating tools so the dashboard reflects the action within milliseconds.
func (e *Emitter) RefreshNow() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SetVoiceAgent records a voice satellite's state; it appears in the next
// voice_agents push and in snapshots.
func (e *Emitter) SetVoiceAgent(id, state string) {
	e.mu.Lock()
	e.voice[id] = VoiceAgent{ID: id, State: state, LastSeen: time.Now()}
	e.mu.Unlock()
}

// RemoveVoiceAgent drops a disconnected satellite.
func (e *Emitter) RemoveVoiceAgent(id string) {
	e.mu.Lock()
	delete(e.voice, id)
	e.mu.Unlock()
}

// Run drives all pollers until ctx is cancelled.
func (e *Emitter) Run(ctx context.Context) {
	type poller struct {
		kind     string
		interval time.Duration
		poll     func(context.Context)
	}
	pollers := []poller{
		{KindNodes, nodesInterval, e.pollNodes},
		{KindQuorum, quorumInterval, e.pollQuorum},
		{KindVMs, vmsInterval, e.pollVMs},
		{KindStorage, storageInterval, e.pollStorage},
		{KindTemperature, temperatureInterval, e.pollTemperature},
		{KindVoiceAgents, voiceInterval, e.pollVoiceAgents},
	}

	var wg sync.WaitGroup
	for _, p := range pollers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runPoller(ctx, p.kind, p.interval, p.poll)
		}()
	}

	// Fan the refresh kick out to all pollers by running them directly; the
	// per-kind tickers stay on their own cadence.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.kick:
				for _, p := range pollers {
					e.safePoll(ctx, p.kind, p.poll)
				}
			}
		}
	}()

	wg.Wait()
}

func (e *Emitter) runPoller(ctx context.Context, kind string, interval time.Duration, poll func(context.Context)) {
	e.safePoll(ctx, kind, poll)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.safePoll(ctx, kind, poll)
		}
	}
}

// safePoll is the error boundary: a panicking or failing poll logs and the
// ticker keeps going.
func (e *Emitter) safePoll(ctx context.Context, kind string, poll func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("telemetry poller panicked", "kind", kind, "panic", r)
		}
	}()
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	poll(pollCtx)
}

func (e *Emitter) publish(kind string, payload any, apply func(*Snapshot)) {
	e.mu.Lock()
	apply(&e.snapshot)
	subs := make([]chan Update, 0, len(e.subs))
	for ch := range e.subs {
		subs = append(subs, ch)
	}
	e.mu.Unlock()

	update := Update{Kind: kind, Payload: payload}
	for _, ch := range subs {
		select {
		case ch <- update:
		default:
			// Slow subscriber: drop this update rather than block the pollers.
		}
	}
}

func (e *Emitter) pollNodes(ctx context.Context) {
	resources, err := e.cfg.Cluster.ClusterResources(ctx)
	if err != nil {
		e.logger.Warn("nodes poll failed", "error", err)
		e.alerts.fire("proxmox_unreachable", "cluster API is not responding: "+err.Error())
		return
	}
	var nodes []NodeInfo
	for _, r := range resources {
		if r.Type != "node" {
			continue
		}
		nodes = append(nodes, NodeInfo{
			Name:   r.Name,
			Status: r.Status,
			CPU:    r.CPU,
			MaxCPU: r.MaxCPU,
			Mem:    r.Mem,
			MaxMem: r.MaxMem,
			Uptime: r.Uptime,
		})
		if r.Status != "online" {
			e.alerts.fire("node_offline_"+r.Name, "node "+r.Name+" is "+r.Status)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	e.publish(KindNodes, nodes, func(s *Snapshot) { s.Nodes = nodes })
}

func (e *Emitter) pollQuorum(ctx context.Context) {
	entries, err := e.cfg.Cluster.ClusterStatus(ctx)
	if err != nil {
		e.logger.Warn("quorum poll failed", "error", err)
		return
	}
	var q QuorumInfo
	for _, entry := range entries {
		switch entry.Type {
		case "cluster":
			q.Quorate = entry.Quorate == 1
			q.Nodes = entry.Nodes
		case "node":
			if entry.Online == 1 {
				q.Online++
			}
		}
	}
	if !q.Quorate {
		e.alerts.fire("quorum_lost", "cluster has lost quorum")
	}
	e.publish(KindQuorum, q, func(s *Snapshot) { s.Quorum = q })
}

func (e *Emitter) pollVMs(ctx context.Context) {
	resources, err := e.cfg.Cluster.ClusterResources(ctx)
	if err != nil {
		e.logger.Warn("vms poll failed", "error", err)
		return
	}
	var vms []VMInfo
	for _, r := range resources {
		if r.Type != "qemu" && r.Type != "lxc" {
			continue
		}
		vms = append(vms, VMInfo{
			VMID:   r.VMID,
			Name:   r.Name,
			Type:   r.Type,
			Node:   r.Node,
			Status: r.Status,
			CPU:    r.CPU,
			Mem:    r.Mem,
			MaxMem: r.MaxMem,
		})
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })
	e.publish(KindVMs, vms, func(s *Snapshot) { s.VMs = vms })
}

func (e *Emitter) pollStorage(ctx context.Context) {
	resources, err := e.cfg.Cluster.ClusterResources(ctx)
	if err != nil {
		e.logger.Warn("storage poll failed", "error", err)
		return
	}
	var pools []StorageInfo
	for _, r := range resources {
		if r.Type != "storage" {
			continue
		}
		pools = append(pools, StorageInfo{
			ID:      r.ID,
			Node:    r.Node,
			Used:    r.Disk,
			Total:   r.MaxDisk,
			Storage: r.Storage,
		})
		if r.MaxDisk > 0 && float64(r.Disk)/float64(r.MaxDisk) > 0.9 {
			e.alerts.fire("storage_full_"+r.ID, "storage "+r.ID+" is over 90% full")
		}
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	e.publish(KindStorage, pools, func(s *Snapshot) { s.Storage = pools })
}

// pollTemperature shells out to lm-sensors on each node. Nodes without the
// package simply report nothing.
func (e *Emitter) pollTemperature(ctx context.Context) {
	if e.cfg.Runner == nil || e.cfg.Inventory == nil {
		return
	}
	readings := make(map[string]json.RawMessage)
	for _, node := range e.cfg.Inventory.Nodes {
		res, err := e.cfg.Runner.Exec(ctx, node.Host, "sensors -j", 5*time.Second)
		if err != nil || res.Code != 0 {
			continue
		}
		raw := json.RawMessage(res.Stdout)
		if !json.Valid(raw) {
			continue
		}
		readings[node.Name] = raw
	}
	e.publish(KindTemperature, readings, func(s *Snapshot) { s.Temperature = readings })
}

func (e *Emitter) pollVoiceAgents(ctx context.Context) {
	e.mu.Lock()
	agents := make([]VoiceAgent, 0, len(e.voice))
	for _, a := range e.voice {
		agents = append(agents, a)
	}
	e.mu.Unlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	e.publish(KindVoiceAgents, agents, func(s *Snapshot) { s.VoiceAgents = agents })
}
