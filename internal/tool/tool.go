// Package tool defines the tool contract the sampling loop dispatches
// against: a Tool interface, a tagged Result, and a Registry that fronts
// every invocation with validation and panic recovery.
package tool

import (
	"context"
	"fmt"
	"log"

	"github.com/zulandar/conductor/internal/llm"
)

// Result is the outcome of one tool invocation. Exactly one of Output or
// Error is normally set; ImageData optionally carries a base64 PNG alongside
// Output. System is an out-of-band note surfaced to the orchestrator but kept
// apart from the model-visible output. Cancelled marks that a nested wait
// observed this agent being told to stop; the loop treats it as an immediate
// unwind signal, never as ordinary output.
type Result struct {
	Output    string
	ImageData string
	Error     string
	System    string
	Cancelled bool
}

// IsError reports whether the result carries an error.
func (r Result) IsError() bool { return r.Error != "" }

// Errorf builds an error-flagged result.
func Errorf(format string, args ...interface{}) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Tool is one callable capability exposed to the model.
type Tool interface {
	Name() string
	Definition() llm.ToolDefinition
	Invoke(ctx context.Context, input map[string]interface{}) (Result, error)
}

// Registry is the tool gateway. It owns dispatch: inputs are auto-fixed and
// validated first, unknown tools and tool errors become error-flagged results,
// and a panicking tool never crashes the loop.
type Registry struct {
	projectDir string
	tools      map[string]Tool
	order      []string
}

// NewRegistry creates an empty registry. projectDir anchors relative-path
// auto-fixes.
func NewRegistry(projectDir string) *Registry {
	return &Registry{
		projectDir: projectDir,
		tools:      make(map[string]Tool),
	}
}

// Register adds a tool. Registering the same name twice replaces the earlier
// tool but keeps its position.
func (r *Registry) Register(t Tool) {
	name := t.Name()
	if _, ok := r.tools[name]; !ok {
		r.order = append(r.order, name)
	}
	r.tools[name] = t
}

// Definitions returns the tool definitions in registration order, for the
// outbound model request.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Run dispatches one tool call. It never returns a Go error: faults of every
// kind (unknown tool, invalid input, tool error, panic) come back as
// error-flagged results the model can react to.
func (r *Registry) Run(ctx context.Context, name string, input map[string]interface{}) (result Result) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("tool: %s panicked: %v", name, rec)
			result = Errorf("tool %s panicked: %v", name, rec)
		}
	}()

	t, ok := r.tools[name]
	if !ok {
		return Errorf("unknown tool: %s", name)
	}

	fixed, invalid := fixAndValidate(r.projectDir, name, input)
	if invalid != nil {
		return *invalid
	}

	res, err := t.Invoke(ctx, fixed)
	if err != nil {
		return Errorf("tool %s failed: %v", name, err)
	}
	return res
}
