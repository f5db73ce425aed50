// Package audit reports execution records stuck in processing. Records are
// never reclaimed: a stuck key stays blocked until an operator intervenes.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ramiqadoumi/go-messenger/pkg/telemetry"
)

// StaleCounter counts records still processing that were claimed before
// olderThan.
type StaleCounter interface {
	CountStale(ctx context.Context, olderThan time.Time) (int, error)
}

// Auditor periodically counts stale processing records.
type Auditor struct {
	counter    StaleCounter
	staleAfter time.Duration
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewAuditor creates an Auditor flagging records older than staleAfter.
func NewAuditor(counter StaleCounter, staleAfter time.Duration, logger *slog.Logger) *Auditor {
	return &Auditor{
		counter:    counter,
		staleAfter: staleAfter,
		timeout:    30 * time.Second,
		logger:     logger,
		now:        time.Now,
	}
}

// RunOnce performs a single audit and updates the stale records gauge.
func (a *Auditor) RunOnce(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	cutoff := a.now().Add(-a.staleAfter)
	n, err := a.counter.CountStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("count stale execution records: %w", err)
	}
	telemetry.IdempotencyStaleRecords.Set(float64(n))
	if n > 0 {
		a.logger.Warn("execution records stuck in processing",
			slog.Int("count", n),
			slog.Duration("older_than", a.staleAfter),
		)
	}
	return n, nil
}

// Start schedules RunOnce on schedule (standard cron or "@every" syntax) until
// ctx is cancelled. Overlapping runs are skipped.
func (a *Auditor) Start(ctx context.Context, schedule string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(schedule, func() {
		if _, err := a.RunOnce(ctx); err != nil {
			a.logger.Error("stale record audit failed", slog.String("error", err.Error()))
		}
	})
	if err != nil {
		return fmt.Errorf("parse audit schedule %q: %w", schedule, err)
	}
	c.Start()
	a.logger.Info("stale record audit scheduled", slog.String("schedule", schedule))

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
	return nil
}
