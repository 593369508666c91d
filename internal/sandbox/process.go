package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"
)

const (
	// defaultMaxOutputBytes caps stdout/stderr to prevent OOM from chatty installers.
	defaultMaxOutputBytes = 1 << 20 // 1 MB

	defaultPath = "/usr/local/bin:/usr/bin:/bin"
)

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration  // Zero = no timeout.
	DefaultLimits  ResourceLimits // Zero = unlimited.
	MaxOutputBytes int            // Zero = 1 MiB.

	// InheritEnv passes the broker's environment to build commands. Package
	// managers need HOME, proxies and registry credentials from it.
	InheritEnv bool
}

// ProcessSandbox executes build commands as OS processes.
//
//   - Process runs in its own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - Resource limits enforced via ulimit when configured
//   - stdout/stderr capped to prevent OOM
type ProcessSandbox struct {
	defaultTimeout time.Duration
	defaultLimits  ResourceLimits
	maxOutput      int
	inheritEnv     bool
	logger         *slog.Logger
}

// NewProcessSandbox creates a process-based sandbox.
func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutputBytes
	}
	return &ProcessSandbox{
		defaultTimeout: cfg.DefaultTimeout,
		defaultLimits:  cfg.DefaultLimits,
		maxOutput:      maxOutput,
		inheritEnv:     cfg.InheritEnv,
		logger:         logger,
	}
}

// Execute runs a command and waits for it. A non-zero exit is reported in
// the result, not as an error.
func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	// 1. Apply timeout.
	timeout := req.Timeout
	if timeout == 0 {
		timeout = s.defaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// 2. Working directory: use caller's dir or an isolated temp dir.
	dir := req.WorkingDir
	if dir == "" {
		tmpDir, err := os.MkdirTemp("", "mcpforge-exec-*")
		if err != nil {
			return nil, fmt.Errorf("creating sandbox temp dir: %w", err)
		}
		defer func() {
			if rmErr := os.RemoveAll(tmpDir); rmErr != nil {
				s.logger.Warn("failed to remove sandbox temp dir",
					slog.String("dir", tmpDir),
					slog.String("error", rmErr.Error()),
				)
			}
		}()
		dir = tmpDir
	}

	// 3. Build the command, wrapped with ulimit when limits are set.
	limits := s.resolveLimits(req.Limits)
	argv := req.Command
	if script := ulimitScript(limits); script != "" {
		// exec "$@" with positional parameters keeps the command out of the
		// shell string.
		argv = make([]string, 0, 4+len(req.Command))
		argv = append(argv, "/bin/sh", "-c", script, "_")
		argv = append(argv, req.Command...)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir

	// 4. Process group isolation, the whole group is killed on cancel.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	cmd.Env = s.buildEnv(dir, req.Env)

	// 5. Capture stdout/stderr with size cap.
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: s.maxOutput}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: s.maxOutput}

	s.logger.Info("sandbox executing",
		slog.Any("command", req.Command),
		slog.String("dir", dir),
		slog.Int("memory_limit_mb", limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", limits.MaxCPUSeconds),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			s.logger.Warn("sandbox execution interrupted",
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
				slog.String("reason", ctx.Err().Error()),
			)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("execution timed out after %s", timeout)
			}
			return nil, fmt.Errorf("execution cancelled: %w", ctx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	s.logger.Info("sandbox execution completed",
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// resolveLimits merges request-level overrides with sandbox defaults.
func (s *ProcessSandbox) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := s.defaultLimits
	if req.MaxCPUSeconds > 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB > 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

func ulimitScript(l ResourceLimits) string {
	var parts []string
	if l.MaxMemoryMB > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -v %d 2>/dev/null", l.MaxMemoryMB*1024))
	}
	if l.MaxCPUSeconds > 0 {
		parts = append(parts, fmt.Sprintf("ulimit -t %d 2>/dev/null", l.MaxCPUSeconds))
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "; ") + "; exec \"$@\""
}

// buildEnv returns the host environment (or a minimal one) with extra
// variables applied on top.
func (s *ProcessSandbox) buildEnv(dir string, extra map[string]string) []string {
	var base []string
	if s.inheritEnv {
		base = os.Environ()
	} else {
		base = []string{
			"PATH=" + defaultPath,
			"HOME=" + dir,
			"TMPDIR=" + dir,
			"LANG=en_US.UTF-8",
			"TERM=dumb",
		}
	}
	return MergeEnv(base, extra)
}

// MergeEnv overlays extra onto a KEY=VALUE list. Later keys replace earlier
// ones; the result is deterministic.
func MergeEnv(base []string, extra map[string]string) []string {
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, overridden := extra[k]; overridden {
			continue
		}
		out = append(out, kv)
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+extra[k])
	}
	return out
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
