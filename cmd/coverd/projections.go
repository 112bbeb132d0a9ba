package main

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	rebuildChain        string
	rebuildBalancesOnly bool
)

var projectionsCmd = &cobra.Command{
	Use:   "projections",
	Short: "Maintain the read-model projections",
}

var projectionsRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-derive one chain's projections from the event log",
	Long: `Clears the chain's projection tables and replays its whole event log
through a fresh engine, writing every output to the projections.
With --balances-only, only the balance projection is recomputed from the
journal table. Run with coverd stopped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ch, err := chain.ParseChain(rebuildChain)
		if err != nil {
			return err
		}
		return rebuildProjections(context.Background(), cfg, ch)
	},
}

func init() {
	projectionsRebuildCmd.Flags().StringVar(&rebuildChain, "chain", string(chain.ChainEVM), "deployment to rebuild")
	projectionsRebuildCmd.Flags().BoolVar(&rebuildBalancesOnly, "balances-only", false, "only recompute balances from the journal")
	projectionsCmd.AddCommand(projectionsRebuildCmd)
}

func rebuildProjections(ctx context.Context, cfg *config.Config, ch chain.Chain) error {
	logger := observability.ChainLogger("rebuild", ch)
	start := time.Now()

	db, err := openDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if rebuildBalancesOnly {
		if err := projection.RebuildBalances(ctx, db, string(ch)); err != nil {
			return err
		}
		logger.Info().Dur("took", time.Since(start)).Msg("balances rebuilt")
		return nil
	}

	adapter, err := newAdapter(cfg, ch)
	if err != nil {
		return err
	}
	outputs := make(chan core.CoreOutput, 1)
	engine := core.NewEngine(cfg.CoreConfig(), adapter, nil, outputs, nil, nil)
	worker := projection.NewProjectionWorker(db, nil, nil, logger)
	sm := persistence.NewSnapshotManager(db)

	if err := projection.ResetChain(ctx, db, string(ch)); err != nil {
		return err
	}

	var replayed int64
	from := int64(1)
	for {
		rows, err := sm.LoadEventsFrom(ctx, string(ch), from, 1000)
		if err != nil {
			return fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return err
			}
			if err := engine.Replay(env); err != nil {
				return err
			}
			if err := worker.Apply(ctx, <-outputs); err != nil {
				return fmt.Errorf("project seq %d: %w", env.Sequence, err)
			}
			replayed++
		}
		from = rows[len(rows)-1].Sequence + 1
	}

	logger.Info().Int64("replayed", replayed).Dur("took", time.Since(start)).Msg("projections rebuilt")
	return nil
}
