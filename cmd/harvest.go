package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gcsstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/api"
	"github.com/JakeFAU/race-results-harvester/internal/clock/system"
	"github.com/JakeFAU/race-results-harvester/internal/config"
	"github.com/JakeFAU/race-results-harvester/internal/coordinator"
	"github.com/JakeFAU/race-results-harvester/internal/fetcher"
	collyfetcher "github.com/JakeFAU/race-results-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/hash/sha256"
	"github.com/JakeFAU/race-results-harvester/internal/id/uuid"
	"github.com/JakeFAU/race-results-harvester/internal/logging"
	"github.com/JakeFAU/race-results-harvester/internal/metrics"
	csvwriter "github.com/JakeFAU/race-results-harvester/internal/output/csv"
	"github.com/JakeFAU/race-results-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/race-results-harvester/internal/progress"
	"github.com/JakeFAU/race-results-harvester/internal/progress/sinks"
	"github.com/JakeFAU/race-results-harvester/internal/source"
	"github.com/JakeFAU/race-results-harvester/internal/storage/gcs"
	"github.com/JakeFAU/race-results-harvester/internal/storage/local"
	"github.com/JakeFAU/race-results-harvester/internal/storage/memory"
	"github.com/JakeFAU/race-results-harvester/internal/storage/postgres"
)

const shutdownTimeout = 5 * time.Second

func newHarvestCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run one harvest over the selected sources and periods",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()
			zap.ReplaceGlobals(logger)

			_, err = runHarvest(cmd.Context(), cfg, logger)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&opts.sources, "source", nil, "source ids to harvest (repeatable)")
	cmd.Flags().IntSliceVar(&opts.periods, "period", nil, "explicit periods to harvest (repeatable)")
	cmd.Flags().IntVar(&opts.from, "from", 0, "first period of a range")
	cmd.Flags().IntVar(&opts.to, "to", 0, "last period of a range")
	return cmd
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	flags := cmd.Flags()
	if flags.Changed("source") {
		cfg.Harvest.Sources = opts.sources
	}
	if flags.Changed("period") {
		cfg.Harvest.Periods = opts.periods
	}
	if flags.Changed("from") {
		cfg.Harvest.FromPeriod = opts.from
		cfg.Harvest.Periods = nil
	}
	if flags.Changed("to") {
		cfg.Harvest.ToPeriod = opts.to
		cfg.Harvest.Periods = nil
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// runHarvest wires the components described by cfg, runs one harvest and writes its
// report. A partial report is still written when the run is canceled.
func runHarvest(ctx context.Context, cfg config.Config, logger *zap.Logger) (*harvest.Report, error) {
	registry, err := source.NewRegistry(cfg.SourceDefinitions())
	if err != nil {
		return nil, fmt.Errorf("build source registry: %w", err)
	}

	archive, closeArchive, err := buildArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}
	defer closeArchive()

	writer, closeWriter, err := buildWriter(ctx, cfg.Output, logger)
	if err != nil {
		return nil, err
	}
	defer closeWriter()

	hasher, err := sha256.New(cfg.Archive.HashLength)
	if err != nil {
		return nil, fmt.Errorf("init hasher: %w", err)
	}

	reg := prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	collectors, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	snapshots := sinks.NewSnapshotSink()
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.BatchWait(),
		Logger:         logger,
	}, sinks.NewLogSink(logger), promSink, snapshots)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := hub.Close(closeCtx); err != nil {
			logger.Warn("progress hub close failed", zap.Error(err))
		}
	}()

	stopServer := startStatusServer(cfg.Server.MetricsAddr, api.NewServer(snapshots, reg, collectors, logger), logger)
	defer stopServer()

	coord, err := coordinator.New(coordinator.Deps{
		Sources: registry,
		Fetcher: buildFetcher(cfg, collectors, logger),
		Archive: archive,
		Hasher:  hasher,
		IDs:     uuid.New(),
		Clock:   system.New(),
		Emitter: hub,
	}, coordinator.Config{
		Concurrency:        cfg.Harvest.Concurrency,
		EmptyPageThreshold: cfg.Harvest.EmptyPageThreshold,
		QueueCapacity:      cfg.Harvest.QueueDepth,
		ContentType:        cfg.Archive.ContentType,
		ArchivePrefix:      cfg.Archive.Prefix,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	ids := make([]harvest.SourceID, 0, len(cfg.Harvest.Sources))
	for _, id := range cfg.Harvest.Sources {
		ids = append(ids, harvest.SourceID(id))
	}
	report, runErr := coord.Harvest(ctx, ids, cfg.PeriodList())
	if report == nil {
		return nil, fmt.Errorf("harvest: %w", runErr)
	}
	logSummary(logger, report)

	if writer != nil {
		// The run context may already be canceled; the partial report is still kept.
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer cancel()
		if err := writer.WriteReport(writeCtx, report); err != nil {
			return report, errors.Join(runErr, fmt.Errorf("write report: %w", err))
		}
	}
	if runErr != nil {
		return report, fmt.Errorf("harvest: %w", runErr)
	}
	return report, nil
}

func buildFetcher(cfg config.Config, collectors *metrics.Collectors, logger *zap.Logger) *fetcher.HTTPFetcher {
	transport := collyfetcher.New(collyfetcher.Config{
		UserAgent:        cfg.HTTP.UserAgent,
		RespectRobots:    cfg.HTTP.RespectRobots,
		Timeout:          cfg.Timeout(),
		MaxBodySize:      cfg.HTTP.MaxBodyBytes,
		OnRobotsFallback: collectors.ObserveRobotsFallback,
	}, logger)
	retrying := fetcher.NewRetryTransport(transport, fetcher.RetryConfig{
		MaxRetries: cfg.HTTP.MaxRetries,
		BaseDelay:  time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		MaxDelay:   time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, logger)
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.HTTP.RatePerSecond,
		Burst:             cfg.HTTP.Burst,
		Observer:          collectors,
	}, logger)
	return fetcher.New(retrying, limiter, fetcher.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.Timeout(),
	}, logger)
}

func buildArchive(ctx context.Context, cfg config.ArchiveConfig) (harvest.Archive, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.ArchiveMemory:
		return memory.NewArchive(), noop, nil
	case config.ArchiveLocal:
		a, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, noop, fmt.Errorf("init local archive: %w", err)
		}
		return a, noop, nil
	case config.ArchiveGCS:
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, noop, fmt.Errorf("create gcs client: %w", err)
		}
		a, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			_ = client.Close()
			return nil, noop, fmt.Errorf("init gcs archive: %w", err)
		}
		return a, func() { _ = client.Close() }, nil
	default:
		return nil, noop, nil
	}
}

func buildWriter(ctx context.Context, cfg config.OutputConfig, logger *zap.Logger) (harvest.ReportWriter, func(), error) {
	noop := func() {}
	switch cfg.Format {
	case config.OutputCSV:
		w, err := csvwriter.New(csvwriter.Config{Dir: cfg.Dir, Pattern: cfg.Pattern}, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("init csv writer: %w", err)
		}
		return w, noop, nil
	case config.OutputPostgres:
		store, err := postgres.NewRecordStore(ctx, postgres.Config{
			DSN:        cfg.DSN,
			Table:      cfg.Table,
			PairsTable: cfg.PairsTable,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("init record store: %w", err)
		}
		if cfg.CreateTables {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, noop, fmt.Errorf("ensure schema: %w", err)
			}
		}
		return store, store.Close, nil
	default:
		return nil, noop, nil
	}
}

// startStatusServer serves health, metrics and progress on addr. An empty addr
// disables it.
func startStatusServer(addr string, status *api.Server, logger *zap.Logger) func() {
	if addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           status.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("status server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", zap.Error(err))
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("status server shutdown failed", zap.Error(err))
		}
	}
}

func logSummary(logger *zap.Logger, report *harvest.Report) {
	for _, pair := range report.Pairs() {
		c := report.Counts[pair]
		logger.Info("pair summary",
			zap.String("source", string(pair.Source)),
			zap.Int("period", pair.Period),
			zap.Int("units", c.Units),
			zap.Bool("estimated", c.Estimated),
			zap.Bool("discovery_failed", c.DiscoveryFailed),
			zap.Int("succeeded", c.Succeeded),
			zap.Int("failed", c.Failed),
			zap.Int("skipped", c.Skipped),
			zap.Int("records", c.Records),
		)
	}
	logger.Info("harvest finished",
		zap.String("run_id", report.RunID),
		zap.Int("records", len(report.Records)),
		zap.Int("failed_units", len(report.FailedUnits)),
		zap.Int("discovery_failures", len(report.DiscoveryFailures)),
		zap.Bool("complete", report.Complete()),
		zap.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)),
	)
}
