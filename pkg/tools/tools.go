// Package tools implements the hosted tool registry. Hosted tools carry
// canonical "@" names, reflected input schemas and a per-tool timeout;
// external tools declared on a version are never executed here.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/modelgateway/relay/pkg/observability"
	"github.com/modelgateway/relay/pkg/protocol"
	"github.com/modelgateway/relay/pkg/providers"
	"github.com/modelgateway/relay/pkg/schema"
)

// Tool is one hosted tool implementation.
type Tool interface {
	// Name is the canonical tool name, starting with "@".
	Name() string
	Description() string
	InputSchema() map[string]any
	Timeout() time.Duration
	Execute(ctx context.Context, input map[string]any) (any, error)
}

const defaultToolTimeout = 30 * time.Second

// Registry maps canonical names to hosted tools.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	metrics *observability.Metrics
}

func NewRegistry(metrics *observability.Metrics) *Registry {
	return &Registry{tools: make(map[string]Tool), metrics: metrics}
}

// Register adds a tool. Names must be canonical hosted names.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if !protocol.IsHostedToolName(name) {
		return fmt.Errorf("hosted tool name %q must start with %q", name, "@")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q is already registered", name)
	}
	r.tools[name] = tool
	return nil
}

// Get looks up a tool by canonical name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Has reports whether a hosted tool with the name exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns the registered tools in name order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Definitions resolves the enabled hosted tool names into provider tool
// definitions. Unknown names are skipped here; they fail at invocation time
// instead so the model sees the error.
func (r *Registry) Definitions(names []string) []providers.ToolDefinition {
	var out []providers.ToolDefinition
	for _, name := range names {
		tool, ok := r.Get(name)
		if !ok {
			continue
		}
		out = append(out, providers.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	return out
}

// Invoke runs one hosted tool call and always returns a ToolCall record:
// unknown tools, invalid input and execution errors all land in the Error
// field, which is fed back to the model rather than surfaced to the client.
func (r *Registry) Invoke(ctx context.Context, req protocol.ToolCallRequest) protocol.ToolCall {
	start := time.Now()
	call := protocol.ToolCall{ID: req.ID, ToolName: req.ToolName, Input: req.Input}

	tracer := observability.GetTracer("relay.tools")
	ctx, span := tracer.Start(ctx, observability.SpanToolExecution,
		trace.WithAttributes(attribute.String(observability.AttrToolName, req.ToolName)))
	defer span.End()

	tool, ok := r.Get(req.ToolName)
	if !ok {
		call.Error = fmt.Sprintf("unknown tool %q", req.ToolName)
		r.finish(span, &call, start, "unknown")
		return call
	}

	if inputSchema := tool.InputSchema(); inputSchema != nil {
		if err := schema.Validate(inputSchema, req.Input); err != nil {
			call.Error = fmt.Sprintf("invalid input: %v", err)
			r.finish(span, &call, start, "invalid_input")
			return call
		}
	}

	timeout := tool.Timeout()
	if timeout <= 0 {
		timeout = defaultToolTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := tool.Execute(execCtx, req.Input)
	call.DurationSeconds = time.Since(start).Seconds()
	if err != nil {
		call.Error = err.Error()
		r.finish(span, &call, start, "error")
		return call
	}
	call.Result = result
	r.finish(span, &call, start, "success")
	return call
}

func (r *Registry) finish(span trace.Span, call *protocol.ToolCall, start time.Time, outcome string) {
	call.DurationSeconds = time.Since(start).Seconds()
	if call.Error != "" {
		span.SetStatus(codes.Error, call.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.Float64("tool.duration_seconds", call.DurationSeconds))
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(call.ToolName, outcome).Inc()
	}
}
