// Package mcpservice implements the MCP methods served behind the bearer
// protected /mcp endpoint: the initialize handshake, ping, and tool listing
// and invocation over a static set of tools.
//
// Quick start:
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithTools(mcpservice.NewEchoTool()),
//	)
//	res := srv.Handle(ctx, req) // req is a parsed *jsonrpc.Request
//
// Tools are declared with NewTool, which reflects the input schema from a Go
// struct. Handlers compose results through a ToolResponseWriter and return a
// *jsonrpc.Error (see InvalidParams) to fail the call at the protocol level.
package mcpservice
