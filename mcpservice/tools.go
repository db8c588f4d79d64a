package mcpservice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/mcp-authbroker/internal/jsonrpc"
	"github.com/ggoodman/mcp-authbroker/mcp"
)

// ErrToolNotFound is returned by ToolsContainer.Call for an unknown tool name.
var ErrToolNotFound = errors.New("mcpservice: tool not found")

// ToolHandler is the function signature used to handle a tool invocation.
// Returning a *jsonrpc.Error fails the call with that protocol error.
type ToolHandler func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error)

// StaticTool pairs an MCP tool descriptor with its handler.
type StaticTool struct {
	Descriptor mcp.Tool
	Handler    ToolHandler
}

// ToolRequest is the container for tool call input. It is generic over the
// typed argument struct A.
type ToolRequest[A any] struct {
	name string
	raw  json.RawMessage
	args A
}

func (r *ToolRequest[A]) Name() string                  { return r.name }
func (r *ToolRequest[A]) RawArguments() json.RawMessage { return r.raw }
func (r *ToolRequest[A]) Args() A                       { return r.args }

// ToolOption configures NewTool behavior.
type ToolOption func(*toolConfig)

type toolConfig struct {
	description               string
	allowAdditionalProperties bool // default false (strict)
}

// WithToolDescription sets the tool description used in listings.
func WithToolDescription(desc string) ToolOption {
	return func(c *toolConfig) { c.description = desc }
}

// WithToolAllowAdditionalProperties controls whether unknown argument fields
// are accepted.
func WithToolAllowAdditionalProperties(allow bool) ToolOption {
	return func(c *toolConfig) { c.allowAdditionalProperties = allow }
}

// InvalidParams builds the -32602 error a handler returns for bad arguments.
func InvalidParams(format string, args ...any) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.ErrorCodeInvalidParams, Message: "Invalid params: " + fmt.Sprintf(format, args...)}
}

// NewTool constructs a tool with typed input A. The input schema is reflected
// from A and arguments are decoded into it before fn runs.
func NewTool[A any](name string, fn func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[A]) error, opts ...ToolOption) StaticTool {
	cfg := toolConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	desc := mcp.Tool{
		Name:        name,
		Description: cfg.description,
		InputSchema: reflectToMCPInputSchema[A](cfg.allowAdditionalProperties),
	}

	handler := func(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
		var a A
		if len(req.Arguments) > 0 && !bytes.Equal(req.Arguments, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(req.Arguments))
			if !cfg.allowAdditionalProperties {
				dec.DisallowUnknownFields()
			}
			if err := dec.Decode(&a); err != nil {
				return nil, InvalidParams("invalid arguments for %s tool: %v", name, err)
			}
		}
		w := newToolResponseWriter(ctx)
		r := &ToolRequest[A]{name: req.Name, raw: req.Arguments, args: a}
		if err := fn(ctx, w, r); err != nil {
			return nil, err
		}
		return w.Result(), nil
	}

	return StaticTool{Descriptor: desc, Handler: handler}
}

// ToolsContainer owns a threadsafe set of tool descriptors and handlers.
type ToolsContainer struct {
	mu       sync.RWMutex
	tools    []mcp.Tool             // descriptors for listing, in registration order
	handlers map[string]ToolHandler // name -> handler
}

// NewToolsContainer constructs a new ToolsContainer with the given tool definitions.
func NewToolsContainer(defs ...StaticTool) *ToolsContainer {
	tc := &ToolsContainer{}
	tc.Replace(defs...)
	return tc
}

// Replace swaps the full set of tools. Later definitions win on duplicate names.
func (tc *ToolsContainer) Replace(defs ...StaticTool) {
	tools := make([]mcp.Tool, 0, len(defs))
	handlers := make(map[string]ToolHandler, len(defs))
	for _, d := range defs {
		if _, dup := handlers[d.Descriptor.Name]; !dup {
			tools = append(tools, d.Descriptor)
		} else {
			for i := range tools {
				if tools[i].Name == d.Descriptor.Name {
					tools[i] = d.Descriptor
				}
			}
		}
		handlers[d.Descriptor.Name] = d.Handler
	}
	tc.mu.Lock()
	tc.tools = tools
	tc.handlers = handlers
	tc.mu.Unlock()
}

// List returns a snapshot of the tool descriptors.
func (tc *ToolsContainer) List() []mcp.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return append([]mcp.Tool{}, tc.tools...)
}

// Call dispatches to the named tool's handler.
func (tc *ToolsContainer) Call(ctx context.Context, req *mcp.CallToolRequestReceived) (*mcp.CallToolResult, error) {
	tc.mu.RLock()
	h, ok := tc.handlers[req.Name]
	tc.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, req.Name)
	}
	return h(ctx, req)
}
