package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/mcpforge/internal/resolver"
)

const (
	manifestName     = "package.json"
	requirementsName = "requirements.txt"
)

// nodeManifest is the package.json written into a sandbox.
type nodeManifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Type         string            `json:"type"`
	Dependencies map[string]string `json:"dependencies"`
}

// Installer writes a dependency manifest into a sandbox and runs the
// language's package manager against it.
type Installer struct {
	exec         Sandbox
	resolver     *resolver.Resolver
	hostManifest string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewInstaller creates an Installer. hostManifest is the broker's own
// package.json; protocol-library entries are copied from it so isolated
// sandboxes can still import the MCP SDK.
func NewInstaller(exec Sandbox, res *resolver.Resolver, hostManifest string, timeout time.Duration, logger *slog.Logger) *Installer {
	return &Installer{
		exec:         exec,
		resolver:     res,
		hostManifest: hostManifest,
		timeout:      timeout,
		logger:       logger,
	}
}

// Install writes the manifest for lang into dir and installs deps,
// returning a *BuildError on a non-zero exit.
func (i *Installer) Install(ctx context.Context, dir string, lang Language, deps map[string]string) error {
	switch {
	case lang.NodeFamily():
		return i.installNode(ctx, dir, deps)
	case lang == Python:
		return i.installPython(ctx, dir, deps)
	default:
		return fmt.Errorf("installing dependencies: %w: %q", ErrUnsupportedLanguage, lang)
	}
}

func (i *Installer) installNode(ctx context.Context, dir string, deps map[string]string) error {
	manifest := nodeManifest{
		Name:         "mcp-dynamic-server",
		Version:      "1.0.0",
		Type:         "module",
		Dependencies: i.protocolDeps(),
	}
	// Caller entries win over the seeded protocol entries.
	for name, version := range deps {
		manifest.Dependencies[name] = version
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", manifestName, err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestName), data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", manifestName, err)
	}

	cmd := append(i.resolver.Resolve("npm"), "install")
	return i.run(ctx, dir, "npm install", cmd)
}

func (i *Installer) installPython(ctx context.Context, dir string, deps map[string]string) error {
	if err := os.WriteFile(filepath.Join(dir, requirementsName), []byte(Requirements(deps)), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", requirementsName, err)
	}
	cmd := append(i.resolver.Resolve("pip"), "install", "-r", requirementsName)
	return i.run(ctx, dir, "pip install", cmd)
}

func (i *Installer) run(ctx context.Context, dir, step string, cmd []string) error {
	res, err := i.exec.Execute(ctx, ExecutionRequest{
		Command:    cmd,
		WorkingDir: dir,
		Timeout:    i.timeout,
	})
	if err != nil {
		return fmt.Errorf("%s: %w", step, err)
	}
	if err := buildError(step, res); err != nil {
		i.logger.Error("dependency installation failed",
			slog.String("step", step),
			slog.String("dir", dir),
			slog.Int("exit_code", res.ExitCode),
		)
		return err
	}
	i.logger.Info("dependencies installed",
		slog.String("step", step),
		slog.String("dir", dir),
		slog.Duration("duration", res.Duration),
	)
	return nil
}

// protocolDeps returns the MCP SDK entries of the host manifest. A missing
// or unreadable manifest yields an empty set.
func (i *Installer) protocolDeps() map[string]string {
	out := make(map[string]string)
	if i.hostManifest == "" {
		return out
	}
	data, err := os.ReadFile(i.hostManifest)
	if err != nil {
		i.logger.Warn("reading host manifest",
			slog.String("path", i.hostManifest),
			slog.String("error", err.Error()),
		)
		return out
	}
	var host struct {
		Dependencies map[string]string `json:"dependencies"`
	}
	if err := json.Unmarshal(data, &host); err != nil {
		i.logger.Warn("parsing host manifest",
			slog.String("path", i.hostManifest),
			slog.String("error", err.Error()),
		)
		return out
	}
	for name, version := range host.Dependencies {
		if strings.HasPrefix(name, "@modelcontextprotocol") || name == "mcp" {
			out[name] = version
		}
	}
	return out
}

// Requirements renders deps as requirements.txt lines of name+constraint,
// sorted by name.
func Requirements(deps map[string]string) string {
	names := make([]string, 0, len(deps))
	for name := range deps {
		names = append(names, name)
	}
	sort.Strings(names)
	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, name+deps[name])
	}
	return strings.Join(lines, "\n")
}
