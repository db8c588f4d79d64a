// Package mcp contains the Model Context Protocol wire types used by the
// protected resource: method names, the initialize handshake and the tools
// listing and invocation shapes.
//
// The package is free of transport logic. mcpservice builds results from
// these types and the HTTP layer frames them as JSON-RPC responses.
package mcp
