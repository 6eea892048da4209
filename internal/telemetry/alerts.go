package telemetry

import (
	"sync"
	"time"
)

// alertCooldown is the per-cause minimum spacing between notifications.
const alertCooldown = 5 * time.Minute

// alertGate rate-limits degradation notifications by cause so a flapping
// dependency cannot storm the events channel.
type alertGate struct {
	notify func(cause, message string)

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func newAlertGate(notify func(cause, message string)) *alertGate {
	return &alertGate{
		notify: notify,
		last:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (g *alertGate) fire(cause, message string) {
	if g.notify == nil {
		return
	}
	g.mu.Lock()
	now := g.now()
	if last, ok := g.last[cause]; ok && now.Sub(last) < alertCooldown {
		g.mu.Unlock()
		return
	}
	g.last[cause] = now
	g.mu.Unlock()
	g.notify(cause, message)
}
