// Package coordinator drives a harvest run: it discovers every (source, period) pair,
// fans the resulting units out to a bounded worker pool and aggregates the outcome into
// a single report.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/race-results-harvester/internal/discovery"
	"github.com/JakeFAU/race-results-harvester/internal/dispatcher"
	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/progress"
	"github.com/JakeFAU/race-results-harvester/internal/queue/memory"
	"github.com/JakeFAU/race-results-harvester/internal/source"
	"github.com/JakeFAU/race-results-harvester/internal/worker"
)

// Defaults applied by New.
const (
	DefaultConcurrency        = 10
	DefaultEmptyPageThreshold = 2
)

// Resolver maps source ids to compiled sources.
type Resolver interface {
	Resolve(ids []harvest.SourceID) ([]*source.Source, error)
}

// Config tunes a Coordinator.
type Config struct {
	// Concurrency caps in-flight fetches, probes included.
	Concurrency int
	// EmptyPageThreshold is the number of consecutive empty units that ends an
	// estimated pair. Zero or less disables the rule.
	EmptyPageThreshold int
	// QueueCapacity bounds the unit queue; defaults to 2*Concurrency.
	QueueCapacity int
	ContentType   string
	ArchivePrefix string
}

// Deps are the collaborators of a Coordinator. Archive, Hasher and Emitter are optional.
type Deps struct {
	Sources Resolver
	Fetcher harvest.Fetcher
	Archive harvest.Archive
	Hasher  harvest.Hasher
	IDs     harvest.IDGenerator
	Clock   harvest.Clock
	Emitter progress.Emitter
}

// Coordinator runs harvests.
type Coordinator struct {
	deps       Deps
	cfg        Config
	discoverer *discovery.Discoverer
	logger     *zap.Logger
}

// New builds a Coordinator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Sources == nil {
		return nil, errors.New("source resolver is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if deps.IDs == nil {
		return nil, errors.New("id generator is required")
	}
	if deps.Clock == nil {
		return nil, errors.New("clock is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 2 * cfg.Concurrency
	}
	return &Coordinator{
		deps:       deps,
		cfg:        cfg,
		discoverer: discovery.New(deps.Fetcher, logger),
		logger:     logger.Named("coordinator"),
	}, nil
}

// run carries the per-harvest state shared by the feeder and the workers.
type run struct {
	id       string
	rawID    [16]byte
	agg      *harvest.Aggregator
	pipeline *worker.Pipeline
	tracker  *cutoffTracker
	slots    *semaphore.Weighted
	dispatch *dispatcher.Dispatcher
}

// Harvest discovers and fetches every (source, period) pair and returns the aggregated
// report. Only configuration errors are fatal; fetch and discovery failures are
// recorded in the report. If ctx ends early the partial report is returned with the
// context error.
func (c *Coordinator) Harvest(ctx context.Context, ids []harvest.SourceID, periods []int) (*harvest.Report, error) {
	ids = dedupe(ids)
	periods = dedupe(periods)
	if len(ids) == 0 {
		return nil, harvest.ErrNoSources
	}
	if len(periods) == 0 {
		return nil, harvest.ErrNoPeriods
	}
	if c.cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("%w: %d", harvest.ErrBadConcurrency, c.cfg.Concurrency)
	}
	srcs, err := c.deps.Sources.Resolve(ids)
	if err != nil {
		return nil, fmt.Errorf("resolve sources: %w", err)
	}
	r, err := c.newRun(srcs)
	if err != nil {
		return nil, err
	}

	started := c.deps.Clock.Now()
	c.emit(progress.Event{RunID: r.rawID, Stage: progress.StageRunStart, Units: len(srcs) * len(periods)})
	c.logger.Info("harvest started",
		zap.String("run_id", r.id),
		zap.Int("sources", len(srcs)),
		zap.Int("periods", len(periods)),
		zap.Int("concurrency", c.cfg.Concurrency),
	)

	queue := memory.NewQueue(c.cfg.QueueCapacity)
	runners := make([]dispatcher.Runner, 0, c.cfg.Concurrency)
	for i := 0; i < c.cfg.Concurrency; i++ {
		runners = append(runners, worker.New(i, queue, c.deps.Fetcher, r.slots, r.pipeline, c.deps.Clock, c.logger))
	}
	r.dispatch = dispatcher.New(queue, runners)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.dispatch.Run(ctx)
	}()
	feedErr := c.feed(ctx, r, srcs, periods)
	queue.Close()
	<-done

	report := r.agg.Finalize(r.id, started, c.deps.Clock.Now())
	c.finish(r, report, feedErr)
	if feedErr != nil {
		return report, feedErr
	}
	return report, nil
}

func (c *Coordinator) newRun(srcs []*source.Source) (*run, error) {
	id, err := c.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		parsed = uuid.NewSHA1(uuid.NameSpaceOID, []byte(id))
	}
	r := &run{
		id:      id,
		rawID:   progress.UUIDToBytes(parsed),
		agg:     harvest.NewAggregator(),
		tracker: newCutoffTracker(c.cfg.EmptyPageThreshold),
		slots:   semaphore.NewWeighted(int64(c.cfg.Concurrency)),
	}
	extractors := make(map[harvest.SourceID]harvest.Extractor, len(srcs))
	for _, src := range srcs {
		extractors[src.ID()] = src.Extractor()
		r.agg.SetSchema(src.ID(), src.Extractor().Schema())
	}
	r.pipeline = worker.NewPipeline(
		r.agg,
		extractors,
		c.deps.Archive,
		c.deps.Hasher,
		r.tracker,
		c.deps.Emitter,
		c.deps.Clock,
		worker.PipelineConfig{RunID: r.rawID, ContentType: c.cfg.ContentType, ArchivePrefix: c.cfg.ArchivePrefix},
		c.logger,
	)
	return r, nil
}

// feed discovers pairs one by one and enqueues their units. The probe fetch doubles as
// unit 1 so the first page is never fetched twice.
func (c *Coordinator) feed(ctx context.Context, r *run, srcs []*source.Source, periods []int) error {
	for _, src := range srcs {
		for _, period := range periods {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("harvest canceled: %w", err)
			}
			if err := c.feedPair(ctx, r, src, period); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Coordinator) feedPair(ctx context.Context, r *run, src *source.Source, period int) error {
	pair := harvest.PairKey{Source: src.ID(), Period: period}
	if err := r.slots.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire probe slot: %w", err)
	}
	start := c.deps.Clock.Now()
	probe, err := c.discoverer.Probe(ctx, src, period)
	elapsed := c.deps.Clock.Now().Sub(start)
	r.slots.Release(1)

	if err != nil {
		r.agg.AddDiscoveryFailure(pair, err)
		c.emit(progress.Event{
			RunID:  r.rawID,
			Stage:  progress.StagePairFailed,
			Source: string(pair.Source),
			Period: period,
			Cause:  string(harvest.CauseOf(err)),
			Dur:    nonNegative(elapsed),
			Note:   err.Error(),
		})
		return nil
	}

	r.agg.AddPlan(pair, probe.Plan)
	c.emit(progress.Event{
		RunID:     r.rawID,
		Stage:     progress.StagePairDiscovered,
		Source:    string(pair.Source),
		Period:    period,
		Units:     probe.Plan.Total,
		Estimated: probe.Plan.Estimated,
		Note:      probe.Plan.Reason,
	})
	if probe.Plan.Total == 0 {
		c.logger.Info("pair has no results",
			zap.String("pair", pair.String()),
			zap.String("reason", probe.Plan.Reason),
		)
		return nil
	}
	if probe.Plan.Estimated {
		r.tracker.track(pair)
	}

	r.pipeline.Complete(ctx, harvest.FetchOutcome{
		Unit:     probe.Unit,
		Markup:   probe.Markup,
		Duration: nonNegative(elapsed),
	}, probe.Records)

	units := src.Units(period, probe.Plan)
	for _, unit := range units[1:] {
		if err := r.dispatch.Enqueue(ctx, unit); err != nil {
			return fmt.Errorf("enqueue %s unit %d: %w", pair, unit.Index.Ordinal, err)
		}
	}
	return nil
}

func (c *Coordinator) finish(r *run, report *harvest.Report, feedErr error) {
	for _, pair := range report.Pairs() {
		count := report.Counts[pair]
		if count.Skipped == 0 {
			continue
		}
		c.emit(progress.Event{
			RunID:  r.rawID,
			Stage:  progress.StageUnitsSkipped,
			Source: string(pair.Source),
			Period: pair.Period,
			Units:  count.Skipped,
			Note:   fmt.Sprintf("empty pages through unit %d", r.tracker.cutoff(pair)),
		})
		c.logger.Info("estimated pair ended early",
			zap.String("pair", pair.String()),
			zap.Int("cutoff", r.tracker.cutoff(pair)),
			zap.Int("skipped", count.Skipped),
		)
	}

	done := progress.Event{
		RunID:   r.rawID,
		Stage:   progress.StageRunDone,
		Records: len(report.Records),
		Dur:     nonNegative(report.FinishedAt.Sub(report.StartedAt)),
	}
	switch {
	case feedErr != nil:
		done.Cause = "canceled"
		done.Note = feedErr.Error()
	case !report.Complete():
		done.Cause = "incomplete"
		done.Note = fmt.Sprintf("%d failed units, %d discovery failures", len(report.FailedUnits), len(report.DiscoveryFailures))
	}
	c.emit(done)

	c.logger.Info("harvest finished",
		zap.String("run_id", r.id),
		zap.Int("records", len(report.Records)),
		zap.Int("failed_units", len(report.FailedUnits)),
		zap.Int("discovery_failures", len(report.DiscoveryFailures)),
		zap.Duration("duration", report.FinishedAt.Sub(report.StartedAt)),
	)
}

func (c *Coordinator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = c.deps.Clock.Now()
	}
	c.deps.Emitter.Emit(evt)
}

func nonNegative[T ~int64](d T) T {
	if d < 0 {
		return 0
	}
	return d
}

func dedupe[T comparable](in []T) []T {
	seen := make(map[T]struct{}, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
