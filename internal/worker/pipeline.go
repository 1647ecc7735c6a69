package worker

import (
	"bytes"
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
	"github.com/JakeFAU/race-results-harvester/internal/progress"
)

// Gate decides whether queued units are still worth fetching.
type Gate interface {
	// Skip reports whether unit lies beyond its pair's termination cutoff.
	Skip(unit harvest.FetchUnit) bool
	// Observe records a completed unit.
	Observe(unit harvest.FetchUnit, success bool, records int)
}

// PipelineConfig controls how completed units are archived and reported.
type PipelineConfig struct {
	RunID         [16]byte
	ContentType   string
	ArchivePrefix string
}

// Pipeline turns fetch outcomes into aggregated records. It is shared by every worker
// of a run and by the coordinator, which records probe fetches through it.
type Pipeline struct {
	agg        *harvest.Aggregator
	extractors map[harvest.SourceID]harvest.Extractor
	archive    harvest.Archive
	hasher     harvest.Hasher
	gate       Gate
	emitter    progress.Emitter
	clock      harvest.Clock
	cfg        PipelineConfig
	logger     *zap.Logger
}

// NewPipeline wires a Pipeline. archive, hasher and gate are optional.
func NewPipeline(
	agg *harvest.Aggregator,
	extractors map[harvest.SourceID]harvest.Extractor,
	archive harvest.Archive,
	hasher harvest.Hasher,
	gate Gate,
	emitter progress.Emitter,
	clock harvest.Clock,
	cfg PipelineConfig,
	logger *zap.Logger,
) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = progress.Nop{}
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	return &Pipeline{
		agg:        agg,
		extractors: extractors,
		archive:    archive,
		hasher:     hasher,
		gate:       gate,
		emitter:    emitter,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("pipeline"),
	}
}

// Skip reports whether unit should not be dispatched and counts it when so.
func (p *Pipeline) Skip(unit harvest.FetchUnit) bool {
	if p.gate == nil || !p.gate.Skip(unit) {
		return false
	}
	p.agg.AddSkipped(unit.Pair(), 1)
	return true
}

// Extract runs the unit's source extractor over markup.
func (p *Pipeline) Extract(unit harvest.FetchUnit, markup []byte) []harvest.Record {
	ex, ok := p.extractors[unit.Source]
	if !ok {
		p.logger.Error("no extractor for source", zap.String("source", string(unit.Source)))
		return nil
	}
	return ex.Extract(markup, unit.Period)
}

// Complete records the outcome of one dispatched unit.
func (p *Pipeline) Complete(ctx context.Context, outcome harvest.FetchOutcome, records []harvest.Record) {
	unit := outcome.Unit
	if !outcome.Success() {
		records = nil
	}
	if err := p.agg.AddOutcome(outcome, records); err != nil {
		p.logger.Error("record outcome",
			zap.String("pair", unit.Pair().String()),
			zap.Int("ordinal", unit.Index.Ordinal),
			zap.Error(err),
		)
		return
	}
	if p.gate != nil {
		p.gate.Observe(unit, outcome.Success(), len(records))
	}

	evt := progress.Event{
		RunID:   p.cfg.RunID,
		TS:      p.clock.Now(),
		Source:  string(unit.Source),
		Period:  unit.Period,
		Ordinal: unit.Index.Ordinal,
		Dur:     outcome.Duration,
	}
	if !outcome.Success() {
		evt.Stage = progress.StageUnitFailed
		evt.Cause = string(outcome.Err.Cause)
		evt.StatusClass = progress.ClassifyStatus(outcome.Err.StatusCode)
		evt.Note = outcome.Err.Error()
		p.emitter.Emit(evt)
		p.logger.Warn("unit failed",
			zap.String("pair", unit.Pair().String()),
			zap.Int("ordinal", unit.Index.Ordinal),
			zap.Error(outcome.Err),
		)
		return
	}

	if uri := p.store(ctx, unit, outcome.Markup); uri != "" {
		evt.Note = uri
	}
	evt.Stage = progress.StageUnitDone
	evt.Records = len(records)
	evt.Bytes = int64(len(outcome.Markup))
	evt.StatusClass = progress.Status2xx
	p.emitter.Emit(evt)
	p.logger.Debug("unit done",
		zap.String("pair", unit.Pair().String()),
		zap.Int("ordinal", unit.Index.Ordinal),
		zap.Int("records", len(records)),
		zap.Duration("duration", outcome.Duration),
	)
}

// store archives markup; failures are logged and do not fail the unit.
func (p *Pipeline) store(ctx context.Context, unit harvest.FetchUnit, markup []byte) string {
	if p.archive == nil {
		return ""
	}
	path, err := p.archivePath(unit, markup)
	if err != nil {
		p.logger.Warn("hash markup", zap.Error(err))
		return ""
	}
	uri, err := p.archive.PutObject(ctx, path, p.cfg.ContentType, bytes.NewReader(markup))
	if err != nil {
		p.logger.Warn("archive markup",
			zap.String("path", path),
			zap.Error(err),
		)
		return ""
	}
	return uri
}

func (p *Pipeline) archivePath(unit harvest.FetchUnit, markup []byte) (string, error) {
	name := fmt.Sprintf("%05d", unit.Index.Ordinal)
	if p.hasher != nil {
		sum, err := p.hasher.Hash(markup)
		if err != nil {
			return "", fmt.Errorf("hash unit %d: %w", unit.Index.Ordinal, err)
		}
		name += "-" + sum
	}
	path := fmt.Sprintf("%s/%d/%s.html", unit.Source, unit.Period, name)
	if p.cfg.ArchivePrefix != "" {
		path = p.cfg.ArchivePrefix + "/" + path
	}
	return path, nil
}
