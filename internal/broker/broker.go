// Package broker exposes the session engine as an MCP server. Each
// operation is a tool; every failure is reported in-band as a text
// payload of the form {"error": "..."} so a bad request never takes the
// broker down.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/mcpforge/internal/sandbox"
)

// Sessions is the registry surface the broker drives.
type Sessions interface {
	Sources
	Tools(ctx context.Context, id string) ([]mcp.Tool, error)
	CallTool(ctx context.Context, id, name string, args map[string]any) (*mcp.CallToolResult, error)
	Update(ctx context.Context, id, code string) (string, error)
	Delete(ctx context.Context, id string) error
	List() []string
}

// Config names the outer server.
type Config struct {
	Name    string
	Version string
}

// Broker owns the outer MCP server.
type Broker struct {
	sessions  Sessions
	library   *Library
	templates *Templates
	logger    *slog.Logger
	server    *server.MCPServer
}

// New creates a Broker with every tool registered.
func New(cfg Config, sessions Sessions, library *Library, templates *Templates, logger *slog.Logger) *Broker {
	if cfg.Name == "" {
		cfg.Name = "mcp-create"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if templates == nil {
		templates = NewTemplates("")
	}
	b := &Broker{
		sessions:  sessions,
		library:   library,
		templates: templates,
		logger:    logger,
	}
	b.server = server.NewMCPServer(
		cfg.Name,
		cfg.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	b.server.AddTools(b.tools()...)
	return b
}

// MCPServer returns the server for a transport to serve.
func (b *Broker) MCPServer() *server.MCPServer {
	return b.server
}

// ServeStdio serves the broker over newline-delimited JSON-RPC on in and
// out until in closes or ctx is canceled.
func (b *Broker) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	err := server.NewStdioServer(b.server).Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// HTTPHandler returns the streamable HTTP transport for the broker.
func (b *Broker) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(b.server)
}

type handlerFunc func(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error)

func (b *Broker) tools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool: mcp.NewTool("create-server",
				mcp.WithDescription("Create a new MCP server from source code and start it."),
				mcp.WithString("code", mcp.Required(), mcp.Description("The server source code")),
				mcp.WithString("language", mcp.Required(),
					mcp.Enum(languageNames(sandbox.Languages)...),
					mcp.Description("The programming language of the server code")),
			),
			Handler: b.wrap("create-server", b.createServer),
		},
		{
			Tool: mcp.NewTool("create-server-from-template",
				mcp.WithDescription(b.templateDescription()),
				mcp.WithString("language", mcp.Required(),
					mcp.Enum(languageNames(TemplateLanguages)...),
					mcp.Description("The programming language of the template")),
				mcp.WithString("code",
					mcp.Description("Custom server code based on the template. The default template is used when omitted.")),
				mcp.WithObject("dependencies",
					mcp.Description(`Packages to install and their versions, e.g. {"axios": "^1.0.0"}`)),
			),
			Handler: b.wrap("create-server-from-template", b.createFromTemplate),
		},
		{
			Tool: mcp.NewTool("execute-tool",
				mcp.WithDescription("Run a tool on a server."),
				mcp.WithString("serverId", mcp.Required(), mcp.Description("The server id")),
				mcp.WithString("toolName", mcp.Required(), mcp.Description("The tool to run")),
				mcp.WithObject("args", mcp.Description("Arguments passed to the tool")),
			),
			Handler: b.wrap("execute-tool", b.executeTool),
		},
		{
			Tool: mcp.NewTool("get-server-tools",
				mcp.WithDescription("List the tools a server provides."),
				mcp.WithString("serverId", mcp.Required(), mcp.Description("The server id")),
			),
			Handler: b.wrap("get-server-tools", b.getServerTools),
		},
		{
			Tool: mcp.NewTool("update-server",
				mcp.WithDescription("Replace a server's code. The server restarts under a new id."),
				mcp.WithString("serverId", mcp.Required(), mcp.Description("The server id")),
				mcp.WithString("code", mcp.Required(), mcp.Description("The new server code")),
			),
			Handler: b.wrap("update-server", b.updateServer),
		},
		{
			Tool: mcp.NewTool("delete-server",
				mcp.WithDescription("Stop a server and remove its sandbox."),
				mcp.WithString("serverId", mcp.Required(), mcp.Description("The server id")),
			),
			Handler: b.wrap("delete-server", b.deleteServer),
		},
		{
			Tool: mcp.NewTool("list-servers",
				mcp.WithDescription("List the ids of all running servers."),
			),
			Handler: b.wrap("list-servers", b.listServers),
		},
		{
			Tool: mcp.NewTool("save-server",
				mcp.WithDescription("Save a running server so it can be loaded again later."),
				mcp.WithString("serverId", mcp.Required(), mcp.Description("The id of the server to save")),
				mcp.WithString("name", mcp.Required(), mcp.Description("A descriptive name for the saved server")),
			),
			Handler: b.wrap("save-server", b.saveServer),
		},
		{
			Tool: mcp.NewTool("list-saved-servers",
				mcp.WithDescription("List all saved servers."),
			),
			Handler: b.wrap("list-saved-servers", b.listSavedServers),
		},
		{
			Tool: mcp.NewTool("load-saved-server",
				mcp.WithDescription("Start a saved server again. It runs under a new server id."),
				mcp.WithString("savedServerId", mcp.Required(), mcp.Description("The id of the saved server to load")),
			),
			Handler: b.wrap("load-saved-server", b.loadSavedServer),
		},
		{
			Tool: mcp.NewTool("delete-saved-server",
				mcp.WithDescription("Permanently delete a saved server."),
				mcp.WithString("savedServerId", mcp.Required(), mcp.Description("The id of the saved server to delete")),
			),
			Handler: b.wrap("delete-saved-server", b.deleteSavedServer),
		},
	}
}

// wrap converts handler errors into the in-band error payload.
func (b *Broker) wrap(name string, fn handlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		res, err := fn(ctx, args)
		if err != nil {
			b.logger.Warn("tool failed",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return errorResult(err), nil
		}
		return res, nil
	}
}

func (b *Broker) createServer(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	code, err := requireString(args, "code")
	if err != nil {
		return nil, err
	}
	name, err := requireString(args, "language")
	if err != nil {
		return nil, err
	}
	lang, err := sandbox.ParseLanguage(name)
	if err != nil {
		return nil, err
	}
	id, err := b.sessions.Create(ctx, code, lang, nil)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"serverId": id})
}

func (b *Broker) createFromTemplate(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	name, err := requireString(args, "language")
	if err != nil {
		return nil, err
	}
	lang, err := sandbox.ParseLanguage(name)
	if err != nil || !isTemplateLanguage(lang) {
		return nil, fmt.Errorf("invalid language %q: must be one of %s",
			name, strings.Join(languageNames(TemplateLanguages), ", "))
	}
	deps, err := optionalStringMap(args, "dependencies")
	if err != nil {
		return nil, err
	}

	code, _ := args["code"].(string)
	message := fmt.Sprintf("Server created from custom %s code", lang)
	if code == "" {
		if code, err = b.templates.Source(lang); err != nil {
			return nil, err
		}
		message = fmt.Sprintf("Server created from the %s template", lang)
	}

	id, err := b.sessions.Create(ctx, code, lang, deps)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"serverId": id, "message": message})
}

func (b *Broker) executeTool(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	id, err := requireString(args, "serverId")
	if err != nil {
		return nil, err
	}
	tool, err := requireString(args, "toolName")
	if err != nil {
		return nil, err
	}
	toolArgs := map[string]any{}
	if raw, ok := args["args"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("invalid argument: args (must be an object)")
		}
		toolArgs = m
	}

	res, err := b.sessions.CallTool(ctx, id, tool, toolArgs)
	if err != nil {
		return nil, err
	}
	return jsonResult(res)
}

func (b *Broker) getServerTools(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	id, err := requireString(args, "serverId")
	if err != nil {
		return nil, err
	}
	tools, err := b.sessions.Tools(ctx, id)
	if err != nil {
		return nil, err
	}
	if tools == nil {
		tools = []mcp.Tool{}
	}
	return jsonResult(map[string]any{"tools": tools})
}

func (b *Broker) updateServer(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	id, err := requireString(args, "serverId")
	if err != nil {
		return nil, err
	}
	code, err := requireString(args, "code")
	if err != nil {
		return nil, err
	}
	newID, err := b.sessions.Update(ctx, id, code)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"success":  true,
		"message":  fmt.Sprintf("Server %s updated and restarted as %s", id, newID),
		"serverId": newID,
	})
}

func (b *Broker) deleteServer(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	id, err := requireString(args, "serverId")
	if err != nil {
		return nil, err
	}
	if err := b.sessions.Delete(ctx, id); err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{
		"success": true,
		"message": fmt.Sprintf("Server %s deleted", id),
	})
}

func (b *Broker) listServers(_ context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	servers := b.sessions.List()
	if servers == nil {
		servers = []string{}
	}
	return jsonResult(map[string]any{"servers": servers})
}

func (b *Broker) saveServer(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	id, err := requireString(args, "serverId")
	if err != nil {
		return nil, err
	}
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}
	saved, err := b.library.Save(ctx, id, name)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("Server %s saved as %q (saved id: %s)", id, name, saved.ID)), nil
}

func (b *Broker) listSavedServers(ctx context.Context, _ map[string]any) (*mcp.CallToolResult, error) {
	saved, err := b.library.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(saved) == 0 {
		return mcp.NewToolResultText("No saved servers found"), nil
	}
	var sb strings.Builder
	sb.WriteString("Saved servers:")
	for _, s := range saved {
		fmt.Fprintf(&sb, "\n- %s (ID: %s, Language: %s, Saved: %s)",
			s.Name, s.ID, s.Language, s.SavedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

func (b *Broker) loadSavedServer(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	savedID, err := requireString(args, "savedServerId")
	if err != nil {
		return nil, err
	}
	id, err := b.library.Load(ctx, savedID)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText("Saved server loaded as new server: " + id), nil
}

func (b *Broker) deleteSavedServer(ctx context.Context, args map[string]any) (*mcp.CallToolResult, error) {
	savedID, err := requireString(args, "savedServerId")
	if err != nil {
		return nil, err
	}
	if err := b.library.Delete(ctx, savedID); err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(fmt.Sprintf("Saved server %s deleted", savedID)), nil
}

func (b *Broker) templateDescription() string {
	var sb strings.Builder
	sb.WriteString("Create a new MCP server from a template.\n\n")
	sb.WriteString("Implement a server that fits the user's needs starting from the template below. ")
	sb.WriteString("Pick the template for the language and add or change tools as needed, keeping the overall structure.")
	for _, lang := range TemplateLanguages {
		src, err := b.templates.Source(lang)
		if err != nil {
			continue
		}
		fmt.Fprintf(&sb, "\n\n%s template:\n```%s\n%s```", lang, lang, src)
	}
	return sb.String()
}

func errorResult(err error) *mcp.CallToolResult {
	data, mErr := json.Marshal(map[string]string{"error": err.Error()})
	if mErr != nil {
		return mcp.NewToolResultText(`{"error":"internal error"}`)
	}
	return mcp.NewToolResultText(string(data))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requireString(args map[string]any, key string) (string, error) {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("missing or invalid required argument: %s (must be a string)", key)
	}
	return s, nil
}

// optionalStringMap reads a {name: version} object. Absent means nil.
func optionalStringMap(args map[string]any, key string) (map[string]string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("invalid argument: %s (must be an object)", key)
	}
	out := make(map[string]string, len(m))
	for name, v := range m {
		version, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("invalid argument: %s.%s (version must be a string)", key, name)
		}
		out[name] = version
	}
	return out, nil
}

func isTemplateLanguage(lang sandbox.Language) bool {
	for _, l := range TemplateLanguages {
		if l == lang {
			return true
		}
	}
	return false
}

func languageNames(langs []sandbox.Language) []string {
	out := make([]string, len(langs))
	for i, l := range langs {
		out[i] = l.String()
	}
	return out
}
