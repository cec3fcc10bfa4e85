package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Sweeper runs a job on a cron schedule, typically a backfill of every
// sync-enabled user to pick up posts whose live publish was missed.
type Sweeper struct {
	cron string
	job  func(ctx context.Context)
}

// NewSweeper validates the cron expression.
func NewSweeper(cronExpr string, job func(ctx context.Context)) (*Sweeper, error) {
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid backfill cron expression: %q", cronExpr)
	}
	return &Sweeper{cron: cronExpr, job: job}, nil
}

// Next returns the first tick strictly after t.
func (s *Sweeper) Next(t time.Time) (time.Time, error) {
	return gronx.NextTickAfter(s.cron, t, false)
}

// Run blocks, invoking the job at every tick until ctx is done. Runs do
// not overlap: a tick that arrives while the job is running is skipped.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("backfill sweeper started", "cron", s.cron)
	for {
		next, err := s.Next(time.Now().UTC())
		if err != nil {
			slog.Error("backfill sweeper next tick failed", "cron", s.cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			slog.Info("backfill sweep starting")
			s.job(ctx)
		case <-ctx.Done():
			slog.Info("backfill sweeper stopping")
			return
		}
	}
}
