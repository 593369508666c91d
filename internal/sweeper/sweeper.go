// Package sweeper removes sandbox directories that no live session owns.
// Crashed children leave their sandbox behind on purpose so it can be
// inspected; the sweeper reclaims them on a cron schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/mcpforge/internal/observability"
	"github.com/jkaninda/mcpforge/internal/workspace"
)

// defaultMinAge keeps directories younger than this regardless of ownership.
const defaultMinAge = time.Minute

// Owner reports whether a sandbox directory is in use.
type Owner interface {
	Owns(dir string) bool
}

// Config configures a Sweeper.
type Config struct {
	Schedule string        // Cron spec or descriptor, e.g. "@every 10m" or "*/5 * * * *".
	MinAge   time.Duration // Default: 1m.
}

// Sweeper periodically removes orphaned sandboxes.
type Sweeper struct {
	ws       *workspace.Workspace
	owner    Owner
	metrics  *observability.MetricsCollector
	logger   *slog.Logger
	schedule cron.Schedule
	spec     string
	minAge   time.Duration
	now      func() time.Time
}

// New creates a Sweeper. It fails on an unparsable schedule.
func New(cfg Config, ws *workspace.Workspace, owner Owner, metrics *observability.MetricsCollector, logger *slog.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	minAge := cfg.MinAge
	if minAge <= 0 {
		minAge = defaultMinAge
	}
	return &Sweeper{
		ws:       ws,
		owner:    owner,
		metrics:  metrics,
		logger:   logger,
		schedule: sched,
		spec:     cfg.Schedule,
		minAge:   minAge,
		now:      time.Now,
	}, nil
}

// Start runs the sweep loop in the background. The returned function
// stops it.
func (s *Sweeper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "sandbox sweeper started",
			slog.String("schedule", s.spec),
			slog.String("workspace", s.ws.Root),
		)
		for {
			next := s.schedule.Next(s.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				s.logger.Info("sandbox sweeper stopped")
				return
			case <-timer.C:
				if _, err := s.Sweep(); err != nil {
					s.logger.ErrorContext(ctx, "sandbox sweep failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}()

	return cancel
}

// Sweep removes every unowned sandbox older than the minimum age and
// returns how many were removed. A failure to remove one directory is
// logged and does not stop the sweep.
func (s *Sweeper) Sweep() (int, error) {
	ids, err := s.ws.ServerIDs()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, id := range ids {
		dir := s.ws.ServerDir(id)
		if s.owner.Owns(dir) {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || s.now().Sub(info.ModTime()) < s.minAge {
			continue
		}
		if err := s.ws.RemoveServerDir(id); err != nil {
			s.logger.Warn("removing orphaned sandbox",
				slog.String("server_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed++
		s.logger.Debug("orphaned sandbox removed", slog.String("server_id", id))
	}

	s.metrics.RecordSwept(removed)
	if removed > 0 {
		s.logger.Info("sandbox sweep complete", slog.Int("removed", removed))
	}
	return removed, nil
}
