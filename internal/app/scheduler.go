package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// sweepBudget bounds one scheduled sweep so a slow pass cannot overlap the next.
const sweepBudget = 2 * time.Minute

// NewScheduler registers the stuck-intent sweep on the configured schedule (six fields,
// seconds first). The caller starts and stops it.
func (a *App) NewScheduler() (*cron.Cron, error) {
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(a.Config.Sweep.Schedule, func() {
		a.Logger.Debug("Running: stuck intent sweep")
		ctx, cancel := context.WithTimeout(context.Background(), sweepBudget)
		defer cancel()
		if _, err := a.Sweeper.Sweep(ctx); err != nil {
			a.Logger.Error("Sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid SWEEP_SCHEDULE %q: %w", a.Config.Sweep.Schedule, err)
	}
	return c, nil
}
