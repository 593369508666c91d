package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/mcpforge/internal/sandbox"
)

// stderrTail is how much child stderr is kept for connect error messages.
const stderrTail = 2048

// exitSettle bounds how long a failed handshake or call waits for the
// child's exit status before reporting.
const exitSettle = 500 * time.Millisecond

// ProcessConfig configures how child servers are spawned and greeted.
type ProcessConfig struct {
	ClientName     string
	ClientVersion  string
	ConnectTimeout time.Duration // Zero = no timeout.
	KillGrace      time.Duration // Delay between SIGTERM and SIGKILL on close.
}

// ProcessConnector spawns child servers as local processes and talks MCP
// to them over their stdin and stdout.
type ProcessConnector struct {
	cfg    ProcessConfig
	logger *slog.Logger
}

// NewProcessConnector creates a ProcessConnector.
func NewProcessConnector(cfg ProcessConfig, logger *slog.Logger) *ProcessConnector {
	if cfg.ClientName == "" {
		cfg.ClientName = "mcp-create-client"
	}
	if cfg.ClientVersion == "" {
		cfg.ClientVersion = "1.0.0"
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 2 * time.Second
	}
	return &ProcessConnector{cfg: cfg, logger: logger}
}

// Connect starts the child described by spec and performs the MCP
// initialize handshake. On failure the child is killed before returning.
func (p *ProcessConnector) Connect(ctx context.Context, serverID string, spec *sandbox.LaunchSpec) (Conn, error) {
	c, err := p.spawn(serverID, spec)
	if err != nil {
		return nil, err
	}
	if err := c.initialize(ctx, p.cfg); err != nil {
		_ = c.Close()
		return nil, err
	}
	p.logger.Info("server connected",
		slog.String("server_id", serverID),
		slog.String("command", spec.Command),
		slog.Int("pid", c.cmd.Process.Pid),
	)
	return c, nil
}

func (p *ProcessConnector) spawn(serverID string, spec *sandbox.LaunchSpec) (*processConn, error) {
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = p.cfg.KillGrace

	stderr := newLineLogger(p.logger.With(slog.String("server_id", serverID)))
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// The read end stays with the transport so Wait never closes it
	// under a pending read.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Command, err)
	}
	stdoutW.Close()

	c := &processConn{
		id:        serverID,
		cmd:       cmd,
		stdout:    stdoutR,
		stderr:    stderr,
		killGrace: p.cfg.KillGrace,
		exited:    make(chan struct{}),
		logger:    p.logger,
	}
	c.client = mcpclient.NewClient(transport.NewIO(stdoutR, stdin, io.NopCloser(strings.NewReader(""))))

	go c.supervise()
	return c, nil
}

// processConn is one running child and the MCP client attached to it.
type processConn struct {
	id        string
	cmd       *exec.Cmd
	client    *mcpclient.Client
	stdout    *os.File
	stderr    *lineLogger
	killGrace time.Duration
	logger    *slog.Logger

	exited  chan struct{}
	exitErr error

	closeOnce sync.Once
}

// supervise waits for the child and records why it went away.
func (c *processConn) supervise() {
	err := c.cmd.Wait()
	if err == nil {
		err = io.EOF
	}
	c.exitErr = err
	close(c.exited)
}

func (c *processConn) initialize(ctx context.Context, cfg ProcessConfig) error {
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	ctx, release := c.bind(ctx)
	defer release()

	// The transport's reader outlives the handshake.
	if err := c.client.Start(context.WithoutCancel(ctx)); err != nil {
		return c.connectError(err)
	}

	req := mcp.InitializeRequest{}
	req.Params.ClientInfo = mcp.Implementation{
		Name:    cfg.ClientName,
		Version: cfg.ClientVersion,
	}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.client.Initialize(ctx, req); err != nil {
		return c.connectError(err)
	}
	return nil
}

func (c *processConn) connectError(err error) error {
	if c.settle() {
		msg := c.exitErr.Error()
		if tail := c.stderr.Tail(); tail != "" {
			msg += ": " + tail
		}
		return fmt.Errorf("%w: %s: %s", ErrConnect, c.id, msg)
	}
	return fmt.Errorf("%w: %s: %w", ErrConnect, c.id, err)
}

// settle reports whether the child has exited, waiting up to exitSettle.
// The transport usually notices a dead pipe before Wait returns.
func (c *processConn) settle() bool {
	timer := time.NewTimer(exitSettle)
	defer timer.Stop()
	select {
	case <-c.exited:
		return true
	case <-timer.C:
		return false
	}
}

// bind derives a context that is also cancelled when the child exits, so
// a call never waits on a process that can no longer answer.
func (c *processConn) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(ctx)
	go func() {
		select {
		case <-c.exited:
			cancel(ErrExited)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

func (c *processConn) callError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if c.settle() {
		return fmt.Errorf("%s: %w", op, ErrExited)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *processConn) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	ctx, release := c.bind(ctx)
	defer release()

	resp, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, c.callError("list tools", err)
	}
	return resp.Tools, nil
}

func (c *processConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	ctx, release := c.bind(ctx)
	defer release()

	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return nil, c.callError("call tool "+name, err)
	}
	return res, nil
}

// Close shuts the client down, then terminates the child's process group:
// SIGTERM first and SIGKILL once the grace period runs out.
func (c *processConn) Close() error {
	c.closeOnce.Do(func() {
		if err := c.client.Close(); err != nil {
			c.logger.Debug("closing client",
				slog.String("server_id", c.id),
				slog.String("error", err.Error()),
			)
		}
		c.terminate()
		c.stdout.Close()
	})
	return nil
}

func (c *processConn) terminate() {
	pgid := -c.cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	timer := time.NewTimer(c.killGrace)
	defer timer.Stop()
	select {
	case <-c.exited:
		return
	case <-timer.C:
	}

	c.logger.Warn("server ignored SIGTERM, killing",
		slog.String("server_id", c.id),
		slog.Duration("grace", c.killGrace),
	)
	_ = syscall.Kill(pgid, syscall.SIGKILL)
	<-c.exited
}

func (c *processConn) Done() <-chan struct{} { return c.exited }

func (c *processConn) Err() error {
	select {
	case <-c.exited:
		return c.exitErr
	default:
		return nil
	}
}

var _ Conn = (*processConn)(nil)

// lineLogger forwards a child's stderr to the logger line by line and
// keeps the most recent output for error reports.
type lineLogger struct {
	logger *slog.Logger

	mu   sync.Mutex
	buf  bytes.Buffer
	tail []byte
}

func newLineLogger(logger *slog.Logger) *lineLogger {
	return &lineLogger{logger: logger}
}

func (l *lineLogger) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tail = append(l.tail, p...)
	if over := len(l.tail) - stderrTail; over > 0 {
		l.tail = l.tail[over:]
	}

	l.buf.Write(p)
	for {
		line, err := l.buf.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// Keep the partial line for the next write.
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			l.logger.Debug("server stderr", slog.String("line", line))
		}
	}
	return len(p), nil
}

// Tail returns the last few lines the child wrote to stderr.
func (l *lineLogger) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.TrimSpace(string(l.tail))
}
