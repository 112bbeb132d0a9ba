package persistence

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

const replayBatchSize = 1000

// RecoveryStats describes how an engine was brought back to the log head.
type RecoveryStats struct {
	SnapshotSequence int64 // 0 on a cold start
	Replayed         int64
	HeadSequence     int64
}

// Recover restores engine from the latest verified snapshot of its chain and
// replays the logged commands after it. The engine must be fresh and not yet
// owned by a running processor. Any replay divergence is returned as an
// error; the caller must not serve traffic from a diverged engine.
func Recover(ctx context.Context, sm *SnapshotManager, engine *core.Engine, metrics *observability.Metrics, logger zerolog.Logger) (RecoveryStats, error) {
	chainName := string(engine.Chain())
	start := time.Now()
	var stats RecoveryStats

	snap, err := sm.LoadLatestSnapshot(ctx, chainName)
	if err != nil {
		// A full replay from genesis reaches the same state
		logger.Warn().Err(err).Msg("failed to load snapshot, replaying from genesis")
		snap = nil
	}
	if snap != nil {
		st, err := snap.State()
		if err != nil {
			return stats, err
		}
		if err := engine.RestoreFromSnapshot(st); err != nil {
			return stats, err
		}
		stats.SnapshotSequence = snap.Sequence
		logger.Info().Int64("sequence", snap.Sequence).Int("idempotency_keys", len(snap.IdempotencyKeys)).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no snapshot found, cold start")
	}

	from := engine.GetSequence()
	for {
		rows, err := sm.LoadEventsFrom(ctx, chainName, from, replayBatchSize)
		if err != nil {
			return stats, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return stats, err
			}
			if err := engine.Replay(env); err != nil {
				return stats, err
			}
			stats.Replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	stats.HeadSequence = engine.GetSequence() - 1
	if metrics != nil {
		metrics.ReplayDuration.WithLabelValues(chainName).Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("snapshot_sequence", stats.SnapshotSequence).
		Int64("replayed", stats.Replayed).
		Int64("head_sequence", stats.HeadSequence).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return stats, nil
}
