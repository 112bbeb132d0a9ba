package core

import (
	"CoverLedger/internal/event"
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Upkeep runs one check/perform round on behalf of keeper. It returns nil
// when nothing is due.
func (e *Engine) Upkeep(keeper string, limit int) (*Result, error) {
	needed, ids := e.CheckUpkeep(limit)
	if !needed {
		return nil, nil
	}
	return e.Apply(&event.PerformUpkeep{
		Meta: event.Meta{
			Key:   "upkeep:" + uuid.NewString(),
			Chain: string(e.adapter.Chain()),
			From:  e.adapter.PrepareCaller(keeper),
		},
		CoverageIDs: ids,
	})
}

// Sweeper expires lapsed coverages on a fixed interval. Each round is a
// PerformUpkeep command, so it lands in the event log like any other.
type Sweeper struct {
	proc     *Processor
	keeper   string
	interval time.Duration
	limit    int
	logger   zerolog.Logger
}

func NewSweeper(proc *Processor, keeper string, interval time.Duration, limit int, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		proc:     proc,
		keeper:   keeper,
		interval: interval,
		limit:    limit,
		logger:   logger.With().Str("chain", string(proc.engine.Chain())).Logger(),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("upkeep round failed")
			}
		}
	}
}

// Sweep runs one upkeep round through the processor and returns the ids it expired.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	var result *Result
	err := s.proc.Exec(ctx, func(e *Engine) error {
		var err error
		result, err = e.Upkeep(s.keeper, s.limit)
		return err
	})
	if err != nil || result == nil {
		return nil, err
	}

	if len(result.Expired) > 0 || len(result.Skipped) > 0 {
		s.logger.Info().
			Int64("sequence", result.Sequence).
			Int("expired", len(result.Expired)).
			Int("skipped", len(result.Skipped)).
			Msg("upkeep performed")
	}
	return result.Expired, nil
}
