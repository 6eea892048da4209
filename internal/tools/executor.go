package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/safety"
	"github.com/jarvishq/jarvis/internal/store"
	"github.com/jarvishq/jarvis/pkg/models"
)

// defaultToolTimeout bounds a single tool execution.
const defaultToolTimeout = 30 * time.Second

var (
	toolExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jarvis",
		Subsystem: "tools",
		Name:      "executions_total",
		Help:      "Tool invocations by tool, source, and outcome.",
	}, []string{"tool", "source", "outcome"})

	toolDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jarvis",
		Subsystem: "tools",
		Name:      "execution_duration_seconds",
		Help:      "Tool execution latency by tool.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"tool"})
)

// Executor runs tool calls through schema validation and the safety policy,
// audits every decision, and enforces a per-call deadline. It is the single
// choke point: LLM, API, and monitor invocations all pass through here.
type Executor struct {
	registry *Registry
	policy   *safety.Policy
	store    store.Store
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	refresh func()
}

// NewExecutor wires the executor. st may be nil in tests; audit events are
// then skipped.
func NewExecutor(registry *Registry, policy *safety.Policy, st store.Store, logger *slog.Logger) *Executor {
	return &Executor{
		registry: registry,
		policy:   policy,
		store:    st,
		timeout:  defaultToolTimeout,
		logger:   logger.With("component", "executor"),
	}
}

// Specs exposes the registry's LLM tool specs.
func (e *Executor) Specs() []agent.ToolSpec { return e.registry.Specs() }

// SetRefreshHook installs a callback invoked after any successful mutating
// tool, so telemetry can re-poll immediately instead of waiting out a tick.
func (e *Executor) SetRefreshHook(fn func()) {
	e.mu.Lock()
	e.refresh = fn
	e.mu.Unlock()
}

func (e *Executor) fireRefresh(tier safety.Tier) {
	if tier == safety.TierGreen {
		return
	}
	e.mu.Lock()
	fn := e.refresh
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Execute routes one call: parse and validate arguments, evaluate the safety
// policy, then run with a deadline. The disposition tells the caller whether
// the result is usable, the call was denied, or a confirmation is required.
func (e *Executor) Execute(ctx context.Context, call models.ToolCall, opts agent.ExecOptions) agent.ExecOutcome {
	source := string(opts.Source)
	if source == "" {
		source = string(models.SourceLLM)
	}

	tool, schema, ok := e.registry.Get(call.Name)
	if !ok {
		// Unknown tools are BLACK by construction.
		e.audit(ctx, call, opts, safety.TierBlack, "denied", "unknown tool")
		toolExecutions.WithLabelValues(call.Name, source, "denied").Inc()
		return agent.ExecOutcome{
			Disposition: agent.DispositionBlocked,
			Tier:        safety.TierBlack,
			Reason:      fmt.Sprintf("unknown tool %q", call.Name),
		}
	}
	tier := tool.Tier()

	args := map[string]any{}
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			toolExecutions.WithLabelValues(call.Name, source, "invalid_args").Inc()
			return errOutcome(call, tier, fmt.Sprintf("invalid arguments: %v", err))
		}
	}
	var generic any
	if err := json.Unmarshal(normalizeInput(call.Input), &generic); err == nil {
		if err := schema.Validate(generic); err != nil {
			toolExecutions.WithLabelValues(call.Name, source, "invalid_args").Inc()
			return errOutcome(call, tier, fmt.Sprintf("arguments do not match schema: %v", err))
		}
	}

	decision := e.policy.Evaluate(call.Name, args, safety.EvalOptions{
		Confirmed:      opts.Confirmed,
		OverrideActive: opts.OverrideActive,
		KeywordPresent: opts.KeywordPresent,
	})

	if !decision.Allowed {
		if decision.RequiresConfirmation {
			if opts.VoiceMode {
				// Voice sessions cannot confirm mid-stream; decline and
				// let the model say so out loud.
				e.audit(ctx, call, opts, decision.Tier, "denied", "confirmation unavailable in voice mode")
				toolExecutions.WithLabelValues(call.Name, source, "denied").Inc()
				return agent.ExecOutcome{
					Disposition: agent.DispositionBlocked,
					Tier:        decision.Tier,
					Reason:      "this operation needs an explicit confirmation, which voice mode cannot collect; ask me again from the dashboard",
				}
			}
			e.audit(ctx, call, opts, decision.Tier, "held", decision.Reason)
			toolExecutions.WithLabelValues(call.Name, source, "held").Inc()
			return agent.ExecOutcome{
				Disposition: agent.DispositionNeedsConfirmation,
				Tier:        decision.Tier,
				Reason:      decision.Reason,
			}
		}
		e.audit(ctx, call, opts, decision.Tier, "denied", decision.Reason)
		toolExecutions.WithLabelValues(call.Name, source, "denied").Inc()
		return agent.ExecOutcome{
			Disposition: agent.DispositionBlocked,
			Tier:        decision.Tier,
			Reason:      decision.Reason,
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	output, err := tool.Execute(execCtx, args)
	elapsed := time.Since(start)
	toolDuration.WithLabelValues(call.Name).Observe(elapsed.Seconds())

	if err != nil {
		e.audit(ctx, call, opts, tier, "failed", err.Error())
		toolExecutions.WithLabelValues(call.Name, source, "failed").Inc()
		e.logger.Warn("tool execution failed",
			"tool", call.Name, "source", source, "took_ms", elapsed.Milliseconds(), "error", err)
		return agent.ExecOutcome{
			Disposition: agent.DispositionExecuted,
			Tier:        tier,
			Result: models.ToolResult{
				ToolCallID: call.ID,
				Content:    err.Error(),
				IsError:    true,
			},
		}
	}

	e.audit(ctx, call, opts, tier, "succeeded", "")
	toolExecutions.WithLabelValues(call.Name, source, "succeeded").Inc()
	e.fireRefresh(tier)
	e.logger.Info("tool executed",
		"tool", call.Name, "source", source, "tier", tier, "took_ms", elapsed.Milliseconds())
	return agent.ExecOutcome{
		Disposition: agent.DispositionExecuted,
		Tier:        tier,
		Result: models.ToolResult{
			ToolCallID: call.ID,
			Content:    output,
		},
	}
}

func errOutcome(call models.ToolCall, tier safety.Tier, reason string) agent.ExecOutcome {
	return agent.ExecOutcome{
		Disposition: agent.DispositionExecuted,
		Tier:        tier,
		Result: models.ToolResult{
			ToolCallID: call.ID,
			Content:    reason,
			IsError:    true,
		},
	}
}

// normalizeInput treats an absent body as an empty object so schemas with no
// required fields validate.
func normalizeInput(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

func (e *Executor) audit(ctx context.Context, call models.ToolCall, opts agent.ExecOptions, tier safety.Tier, outcome, detail string) {
	if e.store == nil {
		return
	}
	event := &models.Event{
		Type:     "tool_invocation",
		Severity: "info",
		Detail: map[string]any{
			"tool":       call.Name,
			"source":     string(opts.Source),
			"session_id": opts.SessionID,
			"tier":       string(tier),
			"outcome":    outcome,
		},
		OccurredAt: time.Now(),
	}
	if detail != "" {
		event.Detail["reason"] = detail
	}
	if outcome == "denied" {
		event.Severity = "warning"
	}
	if err := e.store.SaveEvent(ctx, event); err != nil {
		e.logger.Warn("failed to audit tool invocation", "tool", call.Name, "error", err)
	}
}
