// Package resourcehttp serves the protected MCP resource: a bearer-guarded
// JSON-RPC endpoint and the OAuth protected resource metadata that tells
// clients which authorization server to use.
package resourcehttp
