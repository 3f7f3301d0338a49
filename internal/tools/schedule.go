package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRefreshSchedule re-discovers tools every ten minutes unless
// configured otherwise.
const DefaultRefreshSchedule = "@every 10m"

// refreshTimeout bounds one scheduled discovery sweep across all servers.
const refreshTimeout = 2 * time.Minute

// Scheduler drives periodic registry refreshes from a cron expression.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler schedules Refresh on the given cron spec (standard five-field
// expressions plus the @every form). An empty spec disables scheduling and
// returns a nil Scheduler, which Stop tolerates.
func NewScheduler(registry *Registry, spec string, logger *slog.Logger) (*Scheduler, error) {
	if spec == "" {
		return nil, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tools_schedule")

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := registry.Refresh(ctx); err != nil {
			logger.Warn("scheduled refresh failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}

	c.Start()
	logger.Info("scheduled tool refresh", "spec", spec)
	return &Scheduler{cron: c, logger: logger}, nil
}

// Stop halts the schedule and waits for a running refresh to finish.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	<-s.cron.Stop().Done()
}
