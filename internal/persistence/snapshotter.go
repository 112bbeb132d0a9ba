package persistence

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Snapshotter takes engine snapshots of one chain every interval commands
// and promotes them to verified once persistence has caught up.
type Snapshotter struct {
	sm       *SnapshotManager
	proc     *core.Processor
	chain    string
	interval int64
	check    time.Duration
	metrics  *observability.Metrics
	logger   zerolog.Logger

	lastSeq atomic.Int64
}

func NewSnapshotter(sm *SnapshotManager, proc *core.Processor, chainName string, interval int64, metrics *observability.Metrics, logger zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 10_000
	}
	return &Snapshotter{
		sm:       sm,
		proc:     proc,
		chain:    chainName,
		interval: interval,
		check:    10 * time.Second,
		metrics:  metrics,
		logger:   logger.With().Str("chain", chainName).Logger(),
	}
}

// Run checks every 10s whether interval commands were applied since the
// last snapshot.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.check)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.verify(ctx)

			var head int64
			if err := s.proc.Read(ctx, func(e *core.Engine) { head = e.GetSequence() - 1 }); err != nil {
				continue
			}
			if head-s.lastSeq.Load() < s.interval {
				continue
			}
			if _, err := s.Take(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}

// Take captures the engine state on the processor goroutine and stores it.
// Returns the snapshot sequence.
func (s *Snapshotter) Take(ctx context.Context) (int64, error) {
	start := time.Now()

	var snap *core.SnapshotState
	err := s.proc.Exec(ctx, func(e *core.Engine) error {
		var err error
		snap, err = e.CreateSnapshotState()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("capture snapshot: %w", err)
	}
	return s.save(ctx, snap, start)
}

// TakeFrom snapshots an engine directly. Only valid once its processor has stopped.
func (s *Snapshotter) TakeFrom(ctx context.Context, engine *core.Engine) (int64, error) {
	start := time.Now()
	snap, err := engine.CreateSnapshotState()
	if err != nil {
		return 0, fmt.Errorf("capture snapshot: %w", err)
	}
	return s.save(ctx, snap, start)
}

func (s *Snapshotter) save(ctx context.Context, snap *core.SnapshotState, start time.Time) (int64, error) {
	if snap.Sequence == 0 {
		return 0, nil
	}
	size, err := s.sm.SaveSnapshot(ctx, EncodeSnapshot(snap, time.Now().UTC()))
	if err != nil {
		return 0, fmt.Errorf("save snapshot: %w", err)
	}
	s.lastSeq.Store(snap.Sequence)

	if s.metrics != nil {
		s.metrics.SnapshotTaken.Inc()
		s.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		s.metrics.SnapshotSizeBytes.Set(float64(size))
		s.metrics.SnapshotLastSeq.WithLabelValues(s.chain).Set(float64(snap.Sequence))
	}
	s.logger.Info().Int64("sequence", snap.Sequence).Int("size_bytes", size).Msg("snapshot saved")
	return snap.Sequence, nil
}

func (s *Snapshotter) verify(ctx context.Context) {
	n, err := s.sm.VerifyPending(ctx, s.chain)
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot verification failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("verified", n).Msg("snapshots verified")
	}
}

// VerifyPending promotes stored snapshots now that their events are logged.
func (s *Snapshotter) VerifyPending(ctx context.Context) {
	s.verify(ctx)
}
