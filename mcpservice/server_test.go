package mcpservice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ggoodman/mcp-authbroker/internal/jsonrpc"
	"github.com/ggoodman/mcp-authbroker/mcp"
)

func handle(t *testing.T, srv *Server, body string) map[string]any {
	t.Helper()
	req, err := jsonrpc.ParseRequest([]byte(body))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b, err := json.Marshal(srv.Handle(context.Background(), req))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func rpcError(t *testing.T, res map[string]any) (float64, string) {
	t.Helper()
	e, ok := res["error"].(map[string]any)
	if !ok {
		t.Fatalf("want error response, got %v", res)
	}
	return e["code"].(float64), e["message"].(string)
}

func TestToolsList_EchoSchema(t *testing.T) {
	srv := NewServer(WithTools(NewEchoTool()))
	req, err := jsonrpc.ParseRequest([]byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	res := srv.Handle(context.Background(), req)
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("want single echo tool, got %+v", list.Tools)
	}
	tool := list.Tools[0]
	if tool.Description != "Echo back the input message" {
		t.Fatalf("unexpected description %q", tool.Description)
	}
	prop, ok := tool.InputSchema.Properties["message"]
	if !ok || prop.Type != "string" || prop.Description != "The message to echo back" {
		t.Fatalf("unexpected message property %+v", prop)
	}
	if len(tool.InputSchema.Required) != 1 || tool.InputSchema.Required[0] != "message" {
		t.Fatalf("want message required, got %v", tool.InputSchema.Required)
	}
}

func TestToolsCall(t *testing.T) {
	srv := NewServer(WithTools(NewEchoTool()))

	res := handle(t, srv, `{"jsonrpc":"2.0","method":"tools/call","id":"a","params":{"name":"echo","arguments":{"message":"hello"}}}`)
	if res["id"] != "a" {
		t.Fatalf("want id echoed, got %v", res["id"])
	}
	result, _ := json.Marshal(res["result"])
	if string(result) != `{"content":[{"text":"hello","type":"text"}]}` {
		t.Fatalf("unexpected result %s", result)
	}

	tests := []struct {
		name string
		body string
		code float64
		msg  string
	}{
		{"no params", `{"jsonrpc":"2.0","method":"tools/call","id":1}`, -32602, "Invalid params: tool name is required"},
		{"no name", `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{}}`, -32602, "Invalid params: tool name is required"},
		{"unknown tool", `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"nope"}}`, -32601, "Tool not found: nope"},
		{"no message", `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"echo","arguments":{}}}`, -32602, "Invalid params: message is required for echo tool"},
		{"no arguments", `{"jsonrpc":"2.0","method":"tools/call","id":1,"params":{"name":"echo"}}`, -32602, "Invalid params: message is required for echo tool"},
		{"unknown method", `{"jsonrpc":"2.0","method":"resources/list","id":1}`, -32601, "Method not found: resources/list"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := rpcError(t, handle(t, srv, tt.body))
			if code != tt.code || msg != tt.msg {
				t.Fatalf("want %v %q, got %v %q", tt.code, tt.msg, code, msg)
			}
		})
	}
}

func TestInitializeAndPing(t *testing.T) {
	srv := NewServer(WithServerInfo(mcp.ImplementationInfo{Name: "demo", Version: "1.2.3"}))

	res := handle(t, srv, `{"jsonrpc":"2.0","method":"initialize","id":1,"params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"c","version":"1"}}}`)
	result := res["result"].(map[string]any)
	if result["protocolVersion"] != "2025-03-26" {
		t.Fatalf("want negotiated version, got %v", result["protocolVersion"])
	}
	if info := result["serverInfo"].(map[string]any); info["name"] != "demo" {
		t.Fatalf("unexpected server info %v", info)
	}

	res = handle(t, srv, `{"jsonrpc":"2.0","method":"ping","id":2}`)
	if _, ok := res["result"]; !ok {
		t.Fatalf("want ping result, got %v", res)
	}
}

func TestToolResponseWriter_Finalized(t *testing.T) {
	w := newToolResponseWriter(context.Background())
	if err := w.AppendText("a"); err != nil {
		t.Fatalf("append: %v", err)
	}
	first := w.Result()
	if err := w.AppendText("b"); err != ErrFinalized {
		t.Fatalf("want ErrFinalized, got %v", err)
	}
	if len(first.Content) != 1 || len(w.Result().Content) != 1 {
		t.Fatalf("writes after Result must be ignored")
	}
}
