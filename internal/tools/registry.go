// Package tools holds the tool registry and the safety-gated executor that
// routes every invocation, regardless of origin, through the same policy
// checks.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jarvishq/jarvis/internal/agent"
	"github.com/jarvishq/jarvis/internal/safety"
)

// Tool is one executable capability. Implementations declare their own safety
// tier; the registry freezes the set at startup so tiers cannot change at
// runtime.
type Tool interface {
	Name() string
	Description() string
	Tier() safety.Tier
	Schema() json.RawMessage
	Execute(ctx context.Context, args map[string]any) (string, error)
}

type entry struct {
	tool     Tool
	compiled *jsonschema.Schema
}

// Registry is the frozen tool catalog. Register before Freeze; lookups and
// spec listings only after.
type Registry struct {
	mu     sync.Mutex
	tools  map[string]entry
	frozen bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]entry)}
}

// Register adds a tool, compiling its argument schema. Registering after
// Freeze or re-registering a name is a programming error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %q", tool.Name())
	}
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	if !tool.Tier().Known() {
		return fmt.Errorf("tool %q has unknown tier %q", tool.Name(), tool.Tier())
	}
	compiled, err := jsonschema.CompileString(tool.Name()+".json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %q schema: %w", tool.Name(), err)
	}
	r.tools[tool.Name()] = entry{tool: tool, compiled: compiled}
	return nil
}

// Freeze locks the catalog.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the tool and its compiled schema.
func (r *Registry) Get(name string) (Tool, *jsonschema.Schema, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, nil, false
	}
	return e.tool, e.compiled, true
}

// TierOf reports the declared tier for a tool name. Feeds the safety policy.
func (r *Registry) TierOf(name string) (safety.Tier, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.tools[name]
	if !ok {
		return "", false
	}
	return e.tool.Tier(), true
}

// Specs lists all tools as LLM tool specs, sorted by name for stable prompts.
func (r *Registry) Specs() []agent.ToolSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	specs := make([]agent.ToolSpec, 0, len(r.tools))
	for _, e := range r.tools {
		specs = append(specs, agent.ToolSpec{
			Name:        e.tool.Name(),
			Description: e.tool.Description(),
			Schema:      e.tool.Schema(),
		})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Names lists registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
