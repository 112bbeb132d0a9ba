package main

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/evm"
	"CoverLedger/internal/chain/solana"
	"CoverLedger/internal/config"
	"CoverLedger/internal/core"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/projection"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const processorQueueSize = 1024

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the settlement engine and its APIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cfg)
	},
}

// deployment is one chain's engine and the goroutines that own it.
type deployment struct {
	chain       chain.Chain
	proc        *core.Processor
	sweeper     *core.Sweeper
	snapshotter *persistence.Snapshotter
}

func serve(cfg *config.Config) error {
	logger := observability.NewLogger("coverd")
	logger.Info().Str("version", version).Strs("chains", cfg.Chains).Msg("CoverLedger starting")

	if os.Getenv("GOGC") == "" {
		logger.Warn().Msg("GOGC not set, recommend GOGC=400 for production")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := openDB(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Info().Msg("Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.Migrations.Dir, observability.NewLogger("migrator"))
	if err := migrator.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops
	persistChan := make(chan core.CoreOutput, cfg.Channels.Persist)
	engineOut := make(chan core.CoreOutput, cfg.Channels.Projection)

	// Workers outlive ctx so they can drain what the processors emitted last
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	errChan := make(chan error, 16)
	var workers, loops sync.WaitGroup
	goRun := func(wg *sync.WaitGroup, name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				select {
				case errChan <- fmt.Errorf("%s: %w", name, err):
				default:
				}
			}
		}()
	}

	// --- NATS (optional) ---
	var nc *nats.Conn
	var js jetstream.JetStream
	projectionIn := (<-chan core.CoreOutput)(engineOut)
	if cfg.NATS.URL != "" {
		nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, observability.NewLogger("nats"))
		if err != nil {
			return err
		}
		defer nc.Close()

		if err := ingestion.EnsureStreams(ctx, js, cfg.Chains, logger); err != nil {
			return fmt.Errorf("ensure NATS streams: %w", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure outbound stream: %w", err)
		}

		projChan := make(chan core.CoreOutput, cfg.Channels.Projection)
		publishChan := make(chan core.CoreOutput, cfg.Channels.Projection)
		projectionIn = projChan

		publisher := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
		goRun(&workers, "publisher", func() error { return publisher.Run(workerCtx) })
		goRun(&workers, "bridge", func() error {
			bridgeOutputs(engineOut, projChan, publishChan, metrics)
			return nil
		})
	}

	// --- Persistence + projection workers ---
	persistWorker := persistence.NewPersistenceWorker(db, persistChan, cfg.Persist.BatchSize, cfg.Persist.FlushTimeout, metrics, observability.NewLogger("persistence"))
	goRun(&workers, "persistence", func() error { return persistWorker.Run(workerCtx) })

	projWorker := projection.NewProjectionWorker(db, projectionIn, metrics, observability.NewLogger("projection"))
	goRun(&workers, "projection", func() error { return projWorker.Run(workerCtx) })

	// --- Engines: recover, then hand each to its processor ---
	snapMgr := persistence.NewSnapshotManager(db)
	dbChecker := persistence.NewPostgresIdempotencyChecker(db)

	var deployments []*deployment
	ingestDeployments := make(map[string]ingestion.Deployment)
	for _, ch := range cfg.EnabledChains() {
		chainLog := observability.ChainLogger("engine", ch)

		adapter, err := newAdapter(cfg, ch)
		if err != nil {
			return err
		}
		engine := core.NewEngine(cfg.CoreConfig(), adapter, persistChan, engineOut, dbChecker, metrics)

		if n, err := snapMgr.VerifyPending(ctx, string(ch)); err != nil {
			chainLog.Warn().Err(err).Msg("snapshot verification failed")
		} else if n > 0 {
			chainLog.Info().Int64("verified", n).Msg("snapshots verified")
		}
		if _, err := persistence.Recover(ctx, snapMgr, engine, metrics, chainLog); err != nil {
			return fmt.Errorf("recover %s: %w", ch, err)
		}
		healthChecker.SetChainReady(string(ch), true)

		proc := core.NewProcessor(engine, processorQueueSize, chainLog)
		d := &deployment{
			chain:       ch,
			proc:        proc,
			sweeper:     core.NewSweeper(proc, cfg.Keeper(ch), cfg.Engine.SweepInterval, cfg.Engine.UpkeepBatch, observability.NewLogger("sweeper")),
			snapshotter: persistence.NewSnapshotter(snapMgr, proc, string(ch), cfg.Snapshot.Interval, metrics, observability.NewLogger("snapshotter")),
		}
		deployments = append(deployments, d)
		ingestDeployments[string(ch)] = ingestion.NewDeployment(proc)
	}
	ingestSvc := ingestion.NewIngestService(ingestDeployments, cfg.Server.RequireSignatures)

	var processors sync.WaitGroup
	for _, d := range deployments {
		goRun(&processors, "processor "+string(d.chain), func() error { return d.proc.Run(ctx) })
		goRun(&loops, "sweeper "+string(d.chain), func() error { return d.sweeper.Run(ctx) })
		goRun(&loops, "snapshotter "+string(d.chain), func() error { return d.snapshotter.Run(ctx) })
	}

	// --- NATS ingestion: oracle reports, upkeep triggers, signed commands ---
	var subscriber *ingestion.NATSSubscriber
	if nc != nil {
		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan, observability.NewLogger("nats"))
		for _, d := range deployments {
			if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects(string(d.chain))); err != nil {
				cancel()
				subscriber.Stop()
				return fmt.Errorf("nats subscribe: %w", err)
			}
		}
		ingestLoop := ingestion.NewLoop(ingestSvc, metrics, observability.NewLogger("ingestion"))
		goRun(&loops, "ingestion", func() error { return ingestLoop.Run(ctx, rawChan) })
	}

	// --- gRPC + HTTP gateway ---
	snapshotters := make(map[string]*persistence.Snapshotter, len(deployments))
	for _, d := range deployments {
		snapshotters[string(d.chain)] = d.snapshotter
	}
	grpcServer := server.NewGRPCServer(cfg.GRPC.Addr, cfg.HTTP.Addr, &server.ServerDeps{
		Commander: ingestSvc,
		Reader:    query.NewQueryService(db, cfg.Query.CacheTTL, metrics),
		Snapshot: func(ctx context.Context, chainName string) (int64, error) {
			s, ok := snapshotters[chainName]
			if !ok {
				return 0, errs.Validation("unknown_chain", "no deployment for chain %q", chainName)
			}
			return s.Take(ctx)
		},
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Logger:        observability.NewLogger("server"),
		RateLimit:     cfg.Server.WriteRate,
		RateBurst:     cfg.Server.WriteBurst,
	})
	goRun(&loops, "grpc", func() error { return grpcServer.StartGRPC(ctx) })
	goRun(&loops, "http", func() error { return grpcServer.StartHTTPGateway(ctx) })
	goRun(&loops, "metrics", func() error { return serveMetrics(ctx, cfg.Metrics.Addr, logger) })

	go reportChannels(ctx, metrics, map[string]chan core.CoreOutput{
		"persist":    persistChan,
		"projection": engineOut,
	})

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)
	logger.Info().
		Str("grpc", cfg.GRPC.Addr).
		Str("http", cfg.HTTP.Addr).
		Str("metrics", cfg.Metrics.Addr).
		Bool("nats", nc != nil).
		Msg("CoverLedger ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the processors return, then drain the workers and
	// take a final snapshot of each engine.
	healthChecker.SetReady(false)
	if subscriber != nil {
		subscriber.Stop()
	}
	cancel()
	processors.Wait()
	loops.Wait()

	close(persistChan)
	close(engineOut)

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("workers did not drain in time")
		workerCancel()
		<-drained
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, d := range deployments {
		seq, err := d.snapshotter.TakeFrom(shutdownCtx, d.proc.Engine())
		if err != nil {
			logger.Error().Err(err).Str("chain", string(d.chain)).Msg("final snapshot failed")
			continue
		}
		d.snapshotter.VerifyPending(shutdownCtx)
		logger.Info().Str("chain", string(d.chain)).Int64("sequence", seq).Msg("final snapshot saved")
	}

	logger.Info().Msg("CoverLedger shutdown complete")
	return nil
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func newAdapter(cfg *config.Config, ch chain.Chain) (chain.Adapter, error) {
	switch ch {
	case chain.ChainSolana:
		a, err := solana.New(solana.Config{
			ProgramID:       cfg.Solana.ProgramID,
			Admin:           cfg.Solana.Admin,
			Oracles:         cfg.Solana.Oracles,
			BlockhashWindow: cfg.Solana.BlockhashWindow,
			Genesis:         time.Unix(cfg.Solana.GenesisUnix, 0),
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	default:
		a, err := evm.New(evm.Config{
			ChainID: cfg.EVM.ChainID,
			Admin:   cfg.EVM.Admin,
			Oracles: cfg.EVM.Oracles,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	}
}

// bridgeOutputs fans engine outputs out to the projection worker and the
// outbound publisher. Both sends drop when their consumer falls behind.
func bridgeOutputs(in <-chan core.CoreOutput, projection, publish chan<- core.CoreOutput, metrics *observability.Metrics) {
	defer close(projection)
	defer close(publish)

	for out := range in {
		select {
		case projection <- out:
		default:
			metrics.ProjectionDrops.WithLabelValues(out.Envelope.Chain).Inc()
		}
		if out.Replayed {
			continue
		}
		select {
		case publish <- out:
		default:
			metrics.PublishDrops.Inc()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		srv.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func reportChannels(ctx context.Context, metrics *observability.Metrics, channels map[string]chan core.CoreOutput) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, ch := range channels {
				metrics.SetChannelMetrics(name, len(ch), cap(ch))
			}
		}
	}
}
