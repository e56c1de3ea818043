// Package tools provides the tool executor consumed by the agent loop.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gigbridge/engine/internal/llm"
)

// CallerContext identifies who is invoking a tool, for scoping and audit.
type CallerContext struct {
	UserID         string
	ConversationID string
}

// Executor runs a named tool with JSON-encoded arguments and returns a
// text result. Results and errors are opaque to the loop; an execution
// error becomes tool-result content so the model can react to it.
type Executor interface {
	Execute(ctx context.Context, name, arguments string, caller CallerContext) (string, error)
	Schemas() []llm.ToolSchema
}

// Func is one registered tool implementation.
type Func func(ctx context.Context, arguments string, caller CallerContext) (string, error)

// Registry is an in-process Executor keyed by tool name.
type Registry struct {
	mu      sync.RWMutex
	funcs   map[string]Func
	schemas map[string]llm.ToolSchema
}

var _ Executor = (*Registry)(nil)

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:   make(map[string]Func),
		schemas: make(map[string]llm.ToolSchema),
	}
}

// Register adds a tool under its schema name, replacing any previous one.
func (r *Registry) Register(schema llm.ToolSchema, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[schema.Name] = fn
	r.schemas[schema.Name] = schema
}

// Execute runs the named tool.
func (r *Registry) Execute(ctx context.Context, name, arguments string, caller CallerContext) (string, error) {
	r.mu.RLock()
	fn, ok := r.funcs[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool not found: %s", name)
	}
	return fn(ctx, arguments, caller)
}

// Schemas returns the registered tool schemas in a stable order.
func (r *Registry) Schemas() []llm.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.schemas))
	for name := range r.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]llm.ToolSchema, 0, len(names))
	for _, name := range names {
		out = append(out, r.schemas[name])
	}
	return out
}
