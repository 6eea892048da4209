package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/pkg/models"
)

const (
	// historyWindow bounds how many stored messages seed the conversation.
	historyWindow = 40

	// chunkBufferSize smooths bursty provider output toward slow consumers.
	chunkBufferSize = 32
)

// LoopConfig bounds the agentic loop.
type LoopConfig struct {
	// MaxIterations limits tool-use round trips. Default: 10.
	MaxIterations int

	// MaxTokens caps each LLM response. Default: 4096.
	MaxTokens int
}

func (c *LoopConfig) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
}

// Loop drives the multi-turn agentic conversation: stream from the provider,
// execute requested tools under the safety policy, feed results back, repeat
// until the model answers in plain text or the iteration budget runs out.
//
// On the final iteration tools are withheld from the request, forcing the
// model to answer with what it has.
type Loop struct {
	provider      LLMProvider
	executor      ToolExecutor
	store         store.Store
	confirmations *Confirmations
	config        LoopConfig
	systemPrompt  string
	model         string
	summarize     func(ctx context.Context, sessionID string) string
	logger        *slog.Logger
}

// NewLoop wires the loop. confirmations may be shared with the HTTP surface
// so held calls can be approved out-of-band.
func NewLoop(provider LLMProvider, executor ToolExecutor, st store.Store, confirmations *Confirmations, config LoopConfig, logger *slog.Logger) *Loop {
	config.applyDefaults()
	if confirmations == nil {
		confirmations = NewConfirmations()
	}
	return &Loop{
		provider:      provider,
		executor:      executor,
		store:         st,
		confirmations: confirmations,
		config:        config,
		logger:        logger.With("component", "agent"),
	}
}

// SetSystemPrompt sets the system prompt for all runs.
func (l *Loop) SetSystemPrompt(prompt string) { l.systemPrompt = prompt }

// SetModel sets the model identifier passed to the provider.
func (l *Loop) SetModel(model string) { l.model = model }

// SetSummarizer installs a per-session summary source. A non-empty summary is
// appended to the system prompt so the model keeps long-conversation context
// that fell outside the history window.
func (l *Loop) SetSummarizer(fn func(ctx context.Context, sessionID string) string) {
	l.summarize = fn
}

// Confirmations exposes the pending-confirmation registry.
func (l *Loop) Confirmations() *Confirmations { return l.confirmations }

// Run processes one user message and streams the response. The user message
// is persisted before the first provider call; assistant text is persisted
// as streamed, so a cancelled run keeps its partial transcript.
func (l *Loop) Run(ctx context.Context, sessionID, userText string, opts ExecOptions) (<-chan *ResponseChunk, error) {
	if l.provider == nil {
		return nil, errors.New("agent: no provider configured")
	}
	opts.SessionID = sessionID

	history, err := l.store.GetSessionMessages(ctx, sessionID, historyWindow)
	if err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   userText,
		CreatedAt: time.Now(),
	}
	if err := l.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, &LoopError{Phase: PhaseInit, Cause: err}
	}

	messages := make([]CompletionMessage, 0, len(history)+1)
	for _, m := range history {
		messages = append(messages, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	messages = append(messages, CompletionMessage{Role: "user", Content: userText})

	chunks := make(chan *ResponseChunk, chunkBufferSize)
	go func() {
		defer close(chunks)
		l.run(ctx, messages, 0, opts, chunks)
	}()
	return chunks, nil
}

// ResumeAfterConfirmation consumes a held confirmation. When approved the
// held call executes with the confirmation bit set; when declined the model
// sees a declined tool result and the loop continues either way.
func (l *Loop) ResumeAfterConfirmation(ctx context.Context, confirmationID string, approved bool, opts ExecOptions) (<-chan *ResponseChunk, error) {
	conf, err := l.confirmations.Take(confirmationID)
	if err != nil {
		return nil, err
	}
	opts.SessionID = conf.SessionID

	var heldResult models.ToolResult
	if approved {
		opts.Confirmed = true
		outcome := l.executor.Execute(ctx, conf.Call, opts)
		heldResult = outcome.Result
		if outcome.Disposition != DispositionExecuted {
			heldResult = models.ToolResult{
				ToolCallID: conf.Call.ID,
				Content:    outcome.Reason,
				IsError:    true,
			}
		}
	} else {
		heldResult = models.ToolResult{
			ToolCallID: conf.Call.ID,
			Content:    "declined by user",
			IsError:    true,
		}
	}

	results := append(append([]models.ToolResult{}, conf.results...), heldResult)
	messages := append(append([]CompletionMessage{}, conf.messages...), CompletionMessage{
		Role:        "tool",
		ToolResults: results,
	})
	l.persistToolMessage(ctx, conf.SessionID, results)

	chunks := make(chan *ResponseChunk, chunkBufferSize)
	go func() {
		defer close(chunks)
		if heldResult.ToolCallID != "" {
			chunks <- &ResponseChunk{ToolResult: &heldResult}
		}
		l.run(ctx, messages, conf.iteration+1, opts, chunks)
	}()
	return chunks, nil
}

// run is the loop body shared by Run and ResumeAfterConfirmation.
func (l *Loop) run(ctx context.Context, messages []CompletionMessage, startIteration int, opts ExecOptions, chunks chan<- *ResponseChunk) {
	var totalIn, totalOut int

	system := l.systemPrompt
	if l.summarize != nil {
		if summary := l.summarize(ctx, opts.SessionID); summary != "" {
			system += "\n\nEarlier in this conversation: " + summary
		}
	}

	for iteration := startIteration; iteration < l.config.MaxIterations; iteration++ {
		select {
		case <-ctx.Done():
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: ctx.Err()}}
			return
		default:
		}

		req := &CompletionRequest{
			Model:     l.model,
			System:    system,
			Messages:  messages,
			MaxTokens: l.config.MaxTokens,
		}
		// The last iteration withholds tools so the model must answer.
		if l.provider.SupportsTools() && iteration < l.config.MaxIterations-1 {
			req.Tools = l.executor.Specs()
		}

		text, toolCalls, usageIn, usageOut, err := l.streamPhase(ctx, req, chunks)
		totalIn += usageIn
		totalOut += usageOut
		if err != nil {
			l.persistAssistant(ctx, opts.SessionID, text, nil, usageIn, usageOut)
			chunks <- &ResponseChunk{Error: &LoopError{Phase: PhaseStream, Iteration: iteration, Cause: err}}
			return
		}

		l.persistAssistant(ctx, opts.SessionID, text, toolCalls, usageIn, usageOut)

		if len(toolCalls) == 0 {
			chunks <- &ResponseChunk{Done: true, InputTokens: totalIn, OutputTokens: totalOut}
			return
		}

		messages = append(messages, CompletionMessage{
			Role:      "assistant",
			Content:   text,
			ToolCalls: toolCalls,
		})

		results, held := l.executeToolsPhase(ctx, messages, iteration, toolCalls, opts, chunks)
		if held != nil {
			chunks <- &ResponseChunk{PendingConfirmation: held}
			return
		}

		messages = append(messages, CompletionMessage{Role: "tool", ToolResults: results})
		l.persistToolMessage(ctx, opts.SessionID, results)
	}

	chunks <- &ResponseChunk{Error: &LoopError{
		Phase:     PhaseComplete,
		Iteration: l.config.MaxIterations,
		Cause:     ErrMaxIterations,
	}}
}

// streamPhase consumes one provider stream, forwarding text and collecting
// tool calls.
func (l *Loop) streamPhase(ctx context.Context, req *CompletionRequest, chunks chan<- *ResponseChunk) (string, []models.ToolCall, int, int, error) {
	completion, err := l.provider.Complete(ctx, req)
	if err != nil {
		return "", nil, 0, 0, err
	}

	var text strings.Builder
	var toolCalls []models.ToolCall
	var usageIn, usageOut int

	for chunk := range completion {
		if chunk.Error != nil {
			return text.String(), nil, usageIn, usageOut, chunk.Error
		}
		if chunk.Text != "" {
			text.WriteString(chunk.Text)
			chunks <- &ResponseChunk{Text: chunk.Text}
		}
		if chunk.ToolCall != nil {
			toolCalls = append(toolCalls, *chunk.ToolCall)
			chunks <- &ResponseChunk{ToolCall: chunk.ToolCall}
		}
		if chunk.Done {
			usageIn = chunk.InputTokens
			usageOut = chunk.OutputTokens
		}
	}
	return text.String(), toolCalls, usageIn, usageOut, nil
}

// executeToolsPhase routes each call through the executor. Blocked calls turn
// into error tool results the model can react to; a call needing confirmation
// stops the loop and is held with the results gathered so far.
func (l *Loop) executeToolsPhase(ctx context.Context, messages []CompletionMessage, iteration int, toolCalls []models.ToolCall, opts ExecOptions, chunks chan<- *ResponseChunk) ([]models.ToolResult, *Confirmation) {
	results := make([]models.ToolResult, 0, len(toolCalls))

	for i, call := range toolCalls {
		outcome := l.executor.Execute(ctx, call, opts)

		switch outcome.Disposition {
		case DispositionExecuted:
			results = append(results, outcome.Result)
			chunks <- &ResponseChunk{ToolResult: &outcome.Result}

		case DispositionBlocked:
			res := models.ToolResult{
				ToolCallID: call.ID,
				Content:    "blocked by safety policy: " + outcome.Reason,
				IsError:    true,
			}
			results = append(results, res)
			chunks <- &ResponseChunk{ToolResult: &res}

		case DispositionNeedsConfirmation:
			// Remaining sibling calls are declined rather than held;
			// one confirmation maps to exactly one tool call.
			for _, rest := range toolCalls[i+1:] {
				results = append(results, models.ToolResult{
					ToolCallID: rest.ID,
					Content:    "not executed: a prior call in this turn awaits confirmation",
					IsError:    true,
				})
			}
			snapshot := make([]CompletionMessage, len(messages))
			copy(snapshot, messages)
			conf := l.confirmations.Hold(opts.SessionID, call, outcome.Tier, outcome.Reason, snapshot, iteration)
			conf.results = results
			return nil, conf
		}
	}
	return results, nil
}

func (l *Loop) persistAssistant(ctx context.Context, sessionID, text string, toolCalls []models.ToolCall, tokensIn, tokensOut int) {
	if text == "" && len(toolCalls) == 0 {
		return
	}
	msg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      models.RoleAssistant,
		Content:   text,
		Model:     l.model,
		ToolCalls: toolCalls,
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CreatedAt: time.Now(),
	}
	if err := l.store.SaveMessage(ctx, msg); err != nil {
		l.logger.Error("failed to persist assistant message", "session_id", sessionID, "error", err)
	}
}

func (l *Loop) persistToolMessage(ctx context.Context, sessionID string, results []models.ToolResult) {
	if len(results) == 0 {
		return
	}
	msg := &models.Message{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   time.Now(),
	}
	if err := l.store.SaveMessage(ctx, msg); err != nil {
		l.logger.Error("failed to persist tool results", "session_id", sessionID, "error", err)
	}
}
