package agent

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/pkg/models"
)

// confirmationTTL bounds how long a held tool call stays resumable.
const confirmationTTL = 5 * time.Minute

// ErrConfirmationNotFound covers unknown, expired, and already-consumed IDs.
// A confirmation can be taken exactly once.
var ErrConfirmationNotFound = errors.New("agent: confirmation not found or expired")

// Confirmation is a tool call held until the user explicitly approves or
// declines it. The message snapshot lets the loop resume where it stopped.
type Confirmation struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Call      models.ToolCall `json:"call"`
	Tier      safety.Tier     `json:"tier"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`

	messages  []CompletionMessage
	results   []models.ToolResult
	iteration int
}

// Confirmations is the in-memory registry of pending confirmations.
type Confirmations struct {
	mu      sync.Mutex
	pending map[string]*Confirmation
}

// NewConfirmations creates an empty registry.
func NewConfirmations() *Confirmations {
	return &Confirmations{pending: make(map[string]*Confirmation)}
}

// Hold registers a new pending confirmation and returns it.
func (c *Confirmations) Hold(sessionID string, call models.ToolCall, tier safety.Tier, reason string, messages []CompletionMessage, iteration int) *Confirmation {
	conf := &Confirmation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Call:      call,
		Tier:      tier,
		Reason:    reason,
		CreatedAt: time.Now(),
		messages:  messages,
		iteration: iteration,
	}
	c.mu.Lock()
	c.sweepLocked()
	c.pending[conf.ID] = conf
	c.mu.Unlock()
	return conf
}

// Take removes and returns the confirmation. A second Take of the same ID
// fails, which makes approve/decline races resolve to exactly one winner.
func (c *Confirmations) Take(id string) (*Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conf, ok := c.pending[id]
	if !ok || time.Since(conf.CreatedAt) > confirmationTTL {
		delete(c.pending, id)
		return nil, ErrConfirmationNotFound
	}
	delete(c.pending, id)
	return conf, nil
}

// ResolveCall returns the ID of the pending confirmation holding the given
// tool call. Clients may reference a held call by its tool-use ID instead of
// the confirmation ID.
func (c *Confirmations) ResolveCall(toolCallID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	for id, conf := range c.pending {
		if conf.Call.ID == toolCallID {
			return id, true
		}
	}
	return "", false
}

// Pending lists live confirmations for a session.
func (c *Confirmations) Pending(sessionID string) []*Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()
	var out []*Confirmation
	for _, conf := range c.pending {
		if conf.SessionID == sessionID {
			out = append(out, conf)
		}
	}
	return out
}

func (c *Confirmations) sweepLocked() {
	for id, conf := range c.pending {
		if time.Since(conf.CreatedAt) > confirmationTTL {
			delete(c.pending, id)
		}
	}
}
