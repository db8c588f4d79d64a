package mcpservice

import "context"

// EchoArgs is the input of the echo tool.
type EchoArgs struct {
	Message string `json:"message" jsonschema:"description=The message to echo back"`
}

// NewEchoTool returns the "echo" tool, which replies with its message as a
// single text block.
func NewEchoTool() StaticTool {
	return NewTool("echo", func(ctx context.Context, w ToolResponseWriter, r *ToolRequest[EchoArgs]) error {
		msg := r.Args().Message
		if msg == "" {
			return InvalidParams("message is required for echo tool")
		}
		return w.AppendText(msg)
	}, WithToolDescription("Echo back the input message"))
}
