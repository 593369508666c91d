// Package session runs built MCP servers as child processes and keeps the
// registry of live sessions. A session exists in the registry exactly as
// long as its child's transport is open: an explicit delete closes it first,
// and a child that exits on its own is removed by the registry's event loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpforge/internal/sandbox"
)

// JSON-RPC codes carried by in-band tool errors.
const (
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

var (
	// ErrNotFound is returned for an unknown or already removed session id.
	ErrNotFound = errors.New("server not found")

	// ErrConnect wraps failures to spawn a child or complete the MCP handshake.
	ErrConnect = errors.New("connecting to server failed")

	// ErrExited is returned by calls on a session whose child has gone away.
	ErrExited = errors.New("server process exited")

	// ErrTooManySessions is returned by Create when the configured limit is reached.
	ErrTooManySessions = errors.New("too many running servers")
)

// Builder provisions a sandbox and produces the command that runs it.
type Builder interface {
	Build(ctx context.Context, serverID, code string, lang sandbox.Language, deps map[string]string) (*sandbox.LaunchSpec, error)
	Teardown(serverID string)
}

// Connector starts a built server and completes the MCP handshake with it.
type Connector interface {
	Connect(ctx context.Context, serverID string, spec *sandbox.LaunchSpec) (Conn, error)
}

// Conn is an initialized client session with one child server.
type Conn interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Close terminates the child. It is safe to call more than once.
	Close() error

	// Done is closed once the child has exited, for whatever reason.
	Done() <-chan struct{}

	// Err reports why the child exited. Valid after Done is closed.
	Err() error
}

// Info describes a live session.
type Info struct {
	ID         string           `json:"id"`
	Language   sandbox.Language `json:"language"`
	SandboxDir string           `json:"sandboxDir"`
	SourcePath string           `json:"sourcePath"`
	CreatedAt  time.Time        `json:"createdAt"`
}

// RPCError is the error object of an in-band tool error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	JSONRPC string    `json:"jsonrpc"`
	Error   *RPCError `json:"error"`
}

// toolError builds a tool result that reports a JSON-RPC error without
// failing the surrounding request.
func toolError(code int, message string) *mcp.CallToolResult {
	data, _ := json.Marshal(rpcEnvelope{
		JSONRPC: "2.0",
		Error:   &RPCError{Code: code, Message: message},
	})
	return mcp.NewToolResultError(string(data))
}

// ParseToolError extracts the JSON-RPC error from a result produced for an
// unknown tool or invalid arguments. It returns false for any other result,
// including error results produced by the child itself.
func ParseToolError(res *mcp.CallToolResult) (*RPCError, bool) {
	if res == nil || !res.IsError || len(res.Content) != 1 {
		return nil, false
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		return nil, false
	}
	var env rpcEnvelope
	if err := json.Unmarshal([]byte(tc.Text), &env); err != nil || env.JSONRPC != "2.0" || env.Error == nil {
		return nil, false
	}
	return env.Error, true
}

// inputSchema converts the schema advertised for a tool into the generic
// form the validator compiles. It returns nil when the tool declares none.
func inputSchema(s mcp.ToolInputSchema) map[string]any {
	if s.Type == "" {
		return nil
	}
	result := map[string]any{
		"type": s.Type,
	}
	if s.Properties != nil {
		result["properties"] = s.Properties
	}
	if len(s.Required) > 0 {
		reqAny := make([]any, len(s.Required))
		for i, r := range s.Required {
			reqAny[i] = r
		}
		result["required"] = reqAny
	}
	return result
}
