package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/spotkeeper/internal/spot/domain"
)

// MaxSweepInterval bounds how stale an unswept expiration can get.
const MaxSweepInterval = 5 * time.Minute

type sweepRunner interface {
	SweepExpiredReservations(ctx context.Context, now time.Time) (SweepResult, error)
}

// Sweeper invokes the expiry sweep on a fixed cadence.
type Sweeper struct {
	runner   sweepRunner
	clock    domain.Clock
	interval time.Duration
	logger   *zap.Logger
}

// NewSweeper constructs a sweeper; intervals outside (0, MaxSweepInterval] are clamped.
func NewSweeper(runner sweepRunner, clock domain.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 || interval > MaxSweepInterval {
		interval = MaxSweepInterval
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{runner: runner, clock: clock, interval: interval, logger: logger}
}

// Interval returns the effective cadence.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps immediately and then on every tick until ctx is cancelled. A
// failed sweep is retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.runner.SweepExpiredReservations(ctx, s.clock.Now()); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
