// Package agent implements the streaming agentic loop: provider abstraction,
// tool-call gating through the safety policy, and pending confirmations for
// dangerous operations.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/pkg/models"
)

// LLMProvider is a streaming completion backend. Implementations must be safe
// for concurrent use; each Complete call owns its own stream goroutine.
type LLMProvider interface {
	// Complete sends a prompt and returns a channel of streamed chunks.
	// The channel is closed when the stream finishes or fails.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider identifier used for routing and logging.
	Name() string

	// SupportsTools reports whether the provider can request tool execution.
	SupportsTools() bool
}

// CompletionRequest carries one LLM call: conversation, system prompt, and
// the tool schemas the model may invoke.
type CompletionRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []ToolSpec          `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`
}

// CompletionMessage is one turn in the conversation. Role is "user",
// "assistant", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk is one streamed unit from a provider. Token counts arrive
// only on the final (Done) chunk.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// ToolSpec describes one tool to the LLM: function name, natural-language
// description, and the JSON Schema of its arguments.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// Disposition classifies the outcome of routing a tool call through the
// executor.
type Disposition int

const (
	// DispositionExecuted means the tool ran and Result holds its output.
	DispositionExecuted Disposition = iota
	// DispositionBlocked means the safety policy denied the call outright.
	DispositionBlocked
	// DispositionNeedsConfirmation means the call is held pending an
	// explicit user confirmation.
	DispositionNeedsConfirmation
)

// ExecOptions carries per-invocation safety context into the executor.
type ExecOptions struct {
	SessionID      string
	Source         models.InvocationSource
	VoiceMode      bool
	OverrideActive bool
	KeywordPresent bool
	Confirmed      bool
}

// ExecOutcome is the executor's verdict plus, when executed, the result.
type ExecOutcome struct {
	Disposition Disposition
	Result      models.ToolResult
	Tier        safety.Tier
	Reason      string
}

// ToolExecutor runs tool calls under the safety policy. The loop depends on
// this interface; the concrete implementation lives in the tools package.
type ToolExecutor interface {
	Specs() []ToolSpec
	Execute(ctx context.Context, call models.ToolCall, opts ExecOptions) ExecOutcome
}

// ResponseChunk is one streamed unit from the agentic loop to its consumer.
type ResponseChunk struct {
	Text                string             `json:"text,omitempty"`
	ToolCall            *models.ToolCall   `json:"tool_call,omitempty"`
	ToolResult          *models.ToolResult `json:"tool_result,omitempty"`
	PendingConfirmation *Confirmation      `json:"pending_confirmation,omitempty"`
	Done                bool               `json:"done,omitempty"`
	InputTokens         int                `json:"input_tokens,omitempty"`
	OutputTokens        int                `json:"output_tokens,omitempty"`
	Error               error              `json:"-"`
}

// LoopPhase names the stage the loop is in, for error reporting.
type LoopPhase string

const (
	PhaseInit         LoopPhase = "init"
	PhaseStream       LoopPhase = "stream"
	PhaseExecuteTools LoopPhase = "execute_tools"
	PhaseContinue     LoopPhase = "continue"
	PhaseComplete     LoopPhase = "complete"
)

// ErrMaxIterations is returned when the loop exhausts its iteration budget
// without the model producing a final answer.
var ErrMaxIterations = errors.New("agent: max iterations reached")

// LoopError wraps a failure with the phase and iteration it occurred in.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("agent loop %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
