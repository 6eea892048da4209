package models

import "time"

// InvocationSource identifies what initiated a tool invocation.
type InvocationSource string

const (
	SourceLLM     InvocationSource = "llm"
	SourceUser    InvocationSource = "user"
	SourceMonitor InvocationSource = "monitor"
	SourceAPI     InvocationSource = "api"
)

// ToolInvocation is the immutable audit record of a single tool execution
// attempt. Exactly one safety decision exists for every invocation.
type ToolInvocation struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Args       map[string]any   `json:"args"`
	Source     InvocationSource `json:"source"`
	Tier       string           `json:"tier"`
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	OK         bool             `json:"ok"`
	ErrorKind  string           `json:"error_kind,omitempty"`
	DurationMS int64            `json:"duration_ms"`
}

// VoiceAgentState is the server-driven voice session state.
type VoiceAgentState string

const (
	VoiceIdle       VoiceAgentState = "idle"
	VoiceListening  VoiceAgentState = "listening"
	VoiceCapturing  VoiceAgentState = "capturing"
	VoiceProcessing VoiceAgentState = "processing"
	VoiceSpeaking   VoiceAgentState = "speaking"
)

// VoiceAgent describes a connected voice satellite.
type VoiceAgent struct {
	ID                string          `json:"id"`
	State             VoiceAgentState `json:"state"`
	ConnectedAt       time.Time       `json:"connected_at"`
	LastInteractionAt time.Time       `json:"last_interaction_at"`
}
