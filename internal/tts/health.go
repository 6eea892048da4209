package tts

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	defaultProbeInterval   = 30 * time.Second
	defaultRestartCooldown = 5 * time.Minute
	// failureThreshold is how many consecutive probe failures trigger a
	// container restart attempt.
	failureThreshold = 3
)

// MonitorConfig configures the engine health monitor.
type MonitorConfig struct {
	Engine   Engine
	Interval time.Duration
	Cooldown time.Duration

	// Restart restarts the engine's container. Defaults to a Docker
	// unix-socket restart of ContainerName; overridable for tests.
	Restart func(ctx context.Context) error

	// ContainerName is the Docker container hosting the engine. Empty
	// disables restarts.
	ContainerName string

	// DockerSocket defaults to /var/run/docker.sock.
	DockerSocket string

	Logger *slog.Logger
}

// Monitor tracks one engine's health and restarts its container when it stays
// down. Restarts are rate-limited by a cooldown so a crash-looping engine
// cannot trigger a restart storm.
type Monitor struct {
	cfg MonitorConfig

	mu          sync.Mutex
	healthy     bool
	failures    int
	lastRestart time.Time
}

// NewMonitor creates a Monitor. The engine is assumed healthy until the first
// probe says otherwise.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultRestartCooldown
	}
	if cfg.DockerSocket == "" {
		cfg.DockerSocket = "/var/run/docker.sock"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "tts-health", "engine", cfg.Engine.Name())
	m := &Monitor{cfg: cfg, healthy: true}
	if m.cfg.Restart == nil && m.cfg.ContainerName != "" {
		m.cfg.Restart = m.dockerRestart
	}
	return m
}

// Healthy reports the last probe result. Wired into Pipeline's PrimaryHealthy
// gate.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Run probes on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}

// Probe runs one health check and, past the failure threshold, attempts a
// container restart subject to the cooldown.
func (m *Monitor) Probe(ctx context.Context) {
	err := m.cfg.Engine.Healthy(ctx)

	m.mu.Lock()
	wasHealthy := m.healthy
	if err == nil {
		m.healthy = true
		m.failures = 0
		m.mu.Unlock()
		if !wasHealthy {
			m.cfg.Logger.Info("engine recovered")
		}
		return
	}
	m.healthy = false
	m.failures++
	failures := m.failures
	restartDue := failures >= failureThreshold &&
		m.cfg.Restart != nil &&
		time.Since(m.lastRestart) >= m.cfg.Cooldown
	if restartDue {
		m.lastRestart = time.Now()
	}
	m.mu.Unlock()

	m.cfg.Logger.Warn("engine unhealthy", "failures", failures, "error", err)
	if !restartDue {
		return
	}
	m.cfg.Logger.Warn("restarting engine container", "container", m.cfg.ContainerName)
	if err := m.cfg.Restart(ctx); err != nil {
		m.cfg.Logger.Error("container restart failed", "error", err)
	}
}

// dockerRestart POSTs a restart to the Docker Engine API over the unix socket.
func (m *Monitor) dockerRestart(ctx context.Context) error {
	client := &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", m.cfg.DockerSocket)
			},
		},
	}
	url := fmt.Sprintf("http://docker/containers/%s/restart?t=10", m.cfg.ContainerName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("docker restart: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("docker restart: status %d", resp.StatusCode)
	}
	return nil
}
