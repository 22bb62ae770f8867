package gateway

import (
	"context"
	"sync"

	"github.com/ai-icarus/icarus/internal/azure"
	"github.com/ai-icarus/icarus/internal/cloud"
	"github.com/ai-icarus/icarus/internal/identity"
)

// Invocation carries one tool call through the gateway phases. The client
// matching the tool's declared service is populated before the handler runs;
// the other stays nil.
type Invocation struct {
	Caller    identity.CallerIdentity
	RequestID string
	Tool      string
	Args      map[string]interface{}

	ResourceGraph *azure.ResourceGraphClient
	LogAnalytics  *azure.LogAnalyticsClient
}

// ToolHandler executes one tool invocation.
type ToolHandler func(ctx context.Context, inv *Invocation) (CallToolResult, error)

// RegisteredTool couples a tool definition with its execution requirements.
type RegisteredTool struct {
	Definition Tool

	// Service names the downstream service the tool calls. Empty means the
	// tool runs locally and the gateway skips the credential exchange.
	Service cloud.ServiceKind

	// ReadOnly marks the tool safe to retry once after a transient
	// upstream failure.
	ReadOnly bool

	Handler ToolHandler

	// Validate runs after schema validation and before any exchange. A
	// returned error fails the invocation as an invalid argument.
	Validate func(args map[string]interface{}) error
}

// Registry is the closed catalog of tools the gateway exposes.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]RegisteredTool
	order []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]RegisteredTool),
	}
}

// Register adds a tool to the registry. Re-registering a name replaces the
// tool and keeps its original catalog position.
func (r *Registry) Register(tool RegisteredTool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Definition.Name
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = tool
}

// Lookup returns the registered tool for a name.
func (r *Registry) Lookup(name string) (RegisteredTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, ok := r.tools[name]
	return tool, ok
}

// List returns the tool definitions in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		tools = append(tools, r.tools[name].Definition)
	}
	return tools
}
