package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const sweepTimeout = time.Minute

// Sweeper periodically removes expired records so memory-backed stores stay bounded.
type Sweeper struct {
	guard     *Guard
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
}

// NewSweeper constructs a Sweeper. A nil logger discards output.
func NewSweeper(guard *Guard, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{guard: guard, interval: interval, batchSize: batchSize, logger: logger}
}

// Run sweeps on every tick until ctx is cancelled. A non-positive interval disables sweeping.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.guard == nil || s.interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// SweepOnce performs a single cleanup pass and returns the number of removed records.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	runCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	removed, err := s.guard.CleanupExpired(runCtx, s.batchSize)
	if err != nil {
		s.logger.Error("idempotency cleanup error", zap.Error(err))
		return 0
	}
	if removed > 0 {
		s.logger.Info("idempotency cleanup removed records", zap.Int("count", removed))
	}
	return removed
}
