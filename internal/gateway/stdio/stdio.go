// Package stdio serves the broker over the process's standard streams.
package stdio

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// Server serves newline-delimited JSON-RPC on a reader and writer.
type Server interface {
	ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error
}

// Gateway is the stdio transport. Start returns when the input closes,
// Stop is called or the context is canceled.
type Gateway struct {
	server Server
	in     io.Reader
	out    io.Writer
	logger *slog.Logger

	stopOnce sync.Once
	done     chan struct{} // closed by Stop to signal shutdown
}

// NewGateway creates a stdio gateway reading from in and writing to out.
func NewGateway(server Server, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		server: server,
		in:     in,
		out:    out,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start serves until the input reaches EOF or the gateway is stopped.
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-g.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	g.logger.Info("stdio gateway serving")
	err := g.server.ServeStdio(ctx, g.in, g.out)
	g.logger.Info("stdio gateway closed")
	return err
}

// Stop signals Start to return.
func (g *Gateway) Stop(_ context.Context) error {
	g.stopOnce.Do(func() { close(g.done) })
	return nil
}
