package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/mcpforge/internal/resolver"
	"github.com/jkaninda/mcpforge/internal/workspace"
)

// tscFlags is the fixed compiler configuration for TypeScript servers.
var tscFlags = []string{
	"--target", "ES2020",
	"--module", "NodeNext",
	"--moduleResolution", "NodeNext",
	"--esModuleInterop",
	"--skipLibCheck",
	"--resolveJsonModule",
}

// BuilderConfig locates the host toolchain shared with sandboxes.
type BuilderConfig struct {
	HostModulesDir  string        // Linked into sandboxes without dependencies; exported as NODE_PATH.
	CompilerWorkdir string        // Working directory for tsc. Falls back to the sandbox when missing.
	BuildTimeout    time.Duration // Zero = wait indefinitely.
	InheritEnv      bool          // Children start from the broker's environment.
	ExtraEnv        []string      // KEY=VALUE pairs added to every child.
}

// LaunchSpec is everything needed to spawn a built server.
type LaunchSpec struct {
	Command    string
	Args       []string
	Env        []string
	Dir        string
	SourcePath string
}

// Builder provisions sandboxes and turns source code into a LaunchSpec.
type Builder struct {
	ws        *workspace.Workspace
	exec      Sandbox
	installer *Installer
	resolver  *resolver.Resolver
	cfg       BuilderConfig
	logger    *slog.Logger
}

// NewBuilder creates a Builder.
func NewBuilder(ws *workspace.Workspace, exec Sandbox, installer *Installer, res *resolver.Resolver, cfg BuilderConfig, logger *slog.Logger) *Builder {
	return &Builder{
		ws:        ws,
		exec:      exec,
		installer: installer,
		resolver:  res,
		cfg:       cfg,
		logger:    logger,
	}
}

// Build creates the sandbox for serverID, installs dependencies or links
// the host modules, writes the source and compiles it when needed. On any
// error the sandbox is removed before returning.
func (b *Builder) Build(ctx context.Context, serverID, code string, lang Language, deps map[string]string) (spec *LaunchSpec, err error) {
	dir, err := b.ws.CreateServerDir(serverID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.Teardown(serverID)
		}
	}()

	if len(deps) > 0 {
		if err := b.installer.Install(ctx, dir, lang, deps); err != nil {
			return nil, err
		}
	} else {
		b.linkHostModules(dir)
	}

	src := filepath.Join(dir, lang.SourceFile())
	if err := os.WriteFile(src, []byte(code), 0644); err != nil {
		return nil, fmt.Errorf("writing source: %w", err)
	}

	env := b.environment()

	entry := src
	if lang.Compiled() {
		if err := b.compile(ctx, dir, src); err != nil {
			return nil, err
		}
		entry = filepath.Join(dir, "index.js")
	}

	var command string
	var args []string
	switch {
	case lang.NodeFamily():
		command = b.resolver.Path("node")
		args = []string{entry}
	case lang == Python:
		command = b.resolver.Path("python3")
		args = []string{src}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}

	b.logger.Info("sandbox built",
		slog.String("server_id", serverID),
		slog.String("language", lang.String()),
		slog.String("command", command),
		slog.Int("dependencies", len(deps)),
	)

	return &LaunchSpec{
		Command:    command,
		Args:       args,
		Env:        env,
		Dir:        dir,
		SourcePath: src,
	}, nil
}

// Teardown removes a server's sandbox. Failures are logged only.
func (b *Builder) Teardown(serverID string) {
	if err := b.ws.RemoveServerDir(serverID); err != nil {
		b.logger.Warn("sandbox teardown failed",
			slog.String("server_id", serverID),
			slog.String("error", err.Error()),
		)
	}
}

// linkHostModules symlinks the host node_modules into dir so the protocol
// library resolves without an install. Failure is tolerated.
func (b *Builder) linkHostModules(dir string) {
	if b.cfg.HostModulesDir == "" {
		return
	}
	if err := os.Symlink(b.cfg.HostModulesDir, filepath.Join(dir, "node_modules")); err != nil {
		b.logger.Warn("linking host node_modules",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Builder) compile(ctx context.Context, dir, src string) error {
	cmd := append(b.resolver.Resolve("npx"), "tsc", "--allowJs", src, "--outDir", dir)
	cmd = append(cmd, tscFlags...)

	workdir := b.cfg.CompilerWorkdir
	if info, err := os.Stat(workdir); workdir == "" || err != nil || !info.IsDir() {
		workdir = dir
	}

	res, err := b.exec.Execute(ctx, ExecutionRequest{
		Command:    cmd,
		WorkingDir: workdir,
		Env:        b.toolEnv(),
		Timeout:    b.cfg.BuildTimeout,
	})
	if err != nil {
		return fmt.Errorf("tsc: %w", err)
	}
	if err := buildError("tsc", res); err != nil {
		b.logger.Error("typescript compilation failed",
			slog.String("dir", dir),
			slog.Int("exit_code", res.ExitCode),
		)
		return err
	}
	return nil
}

// toolEnv is the PATH and NODE_PATH every child and compiler receives.
func (b *Builder) toolEnv() map[string]string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	env := map[string]string{"PATH": path}
	if b.cfg.HostModulesDir != "" {
		env["NODE_PATH"] = b.cfg.HostModulesDir
	}
	return env
}

// environment assembles the child's environment.
func (b *Builder) environment() []string {
	var base []string
	if b.cfg.InheritEnv {
		base = os.Environ()
	}
	extra := b.toolEnv()
	for _, kv := range b.cfg.ExtraEnv {
		if k, v, ok := cutEnv(kv); ok {
			extra[k] = v
		}
	}
	return MergeEnv(base, extra)
}

func cutEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], i > 0
		}
	}
	return "", "", false
}
