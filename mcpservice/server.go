package mcpservice

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/ggoodman/mcp-authbroker/internal/jsonrpc"
	"github.com/ggoodman/mcp-authbroker/internal/logctx"
	"github.com/ggoodman/mcp-authbroker/mcp"
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// Server answers MCP requests. It is safe for concurrent use.
type Server struct {
	info         mcp.ImplementationInfo
	instructions string
	tools        *ToolsContainer
	log          *slog.Logger
}

// WithServerInfo sets the implementation info returned from initialize.
func WithServerInfo(info mcp.ImplementationInfo) ServerOption {
	return func(s *Server) { s.info = info }
}

// WithInstructions sets the instructions returned from initialize.
func WithInstructions(text string) ServerOption {
	return func(s *Server) { s.instructions = text }
}

// WithTools registers the served tools.
func WithTools(defs ...StaticTool) ServerOption {
	return func(s *Server) { s.tools.Replace(defs...) }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// NewServer builds a Server.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		info:  mcp.ImplementationInfo{Name: "mcp-authbroker", Version: "dev"},
		tools: NewToolsContainer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logctx.Wrap(s.log)
	return s
}

// Handle dispatches one request and always returns a response.
func (s *Server) Handle(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})

	var (
		result any
		err    error
	)
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		result = s.initialize(req.Params)
	case mcp.PingMethod:
		result = struct{}{}
	case mcp.ToolsListMethod:
		result = mcp.ListToolsResult{Tools: s.tools.List()}
	case mcp.ToolsCallMethod:
		result, err = s.callTool(ctx, req.Params)
	default:
		err = &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Method not found: " + req.Method}
	}

	if err != nil {
		var rpcErr *jsonrpc.Error
		if !errors.As(err, &rpcErr) {
			s.log.ErrorContext(ctx, "mcp.handle.fail", slog.String("err", err.Error()))
			rpcErr = &jsonrpc.Error{Code: jsonrpc.ErrorCodeInternalError, Message: "Internal error"}
		} else {
			s.log.InfoContext(ctx, "mcp.handle.error", slog.Int("code", int(rpcErr.Code)), slog.String("message", rpcErr.Message))
		}
		return jsonrpc.NewErrorResponse(req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		s.log.ErrorContext(ctx, "mcp.handle.marshal.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "Internal error", nil)
	}
	s.log.InfoContext(ctx, "mcp.handle.ok")
	return res
}

func (s *Server) initialize(params json.RawMessage) mcp.InitializeResult {
	version := mcp.LatestProtocolVersion
	var in mcp.InitializeRequest
	if len(params) > 0 && json.Unmarshal(params, &in) == nil && in.ProtocolVersion != "" {
		version = in.ProtocolVersion
	}
	return mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    mcp.ServerCapabilities{Tools: &mcp.ToolsCapability{}},
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}
}

func (s *Server) callTool(ctx context.Context, params json.RawMessage) (*mcp.CallToolResult, error) {
	var call mcp.CallToolRequestReceived
	if len(params) == 0 || json.Unmarshal(params, &call) != nil || call.Name == "" {
		return nil, InvalidParams("tool name is required")
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name})

	res, err := s.tools.Call(ctx, &call)
	if errors.Is(err, ErrToolNotFound) {
		return nil, &jsonrpc.Error{Code: jsonrpc.ErrorCodeMethodNotFound, Message: "Tool not found: " + call.Name}
	}
	return res, err
}
