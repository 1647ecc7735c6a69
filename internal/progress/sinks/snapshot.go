package sinks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/race-results-harvester/internal/progress"
)

// Run states reported by snapshots.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateComplete = "complete"
	StatePartial  = "partial"
)

// PairSnapshot is the live tally of one (source, period) pair.
type PairSnapshot struct {
	Source          string `json:"source"`
	Period          int    `json:"period"`
	Units           int    `json:"units"`
	Estimated       bool   `json:"estimated"`
	DiscoveryFailed bool   `json:"discovery_failed"`
	Done            int    `json:"done"`
	Failed          int    `json:"failed"`
	Skipped         int    `json:"skipped"`
	Records         int    `json:"records"`
}

// RunSnapshot is the live view of the latest run.
type RunSnapshot struct {
	RunID      string         `json:"run_id,omitempty"`
	State      string         `json:"state"`
	StartedAt  time.Time      `json:"started_at,omitempty"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Records    int            `json:"records"`
	Bytes      int64          `json:"bytes"`
	Pairs      []PairSnapshot `json:"pairs"`
}

type pairKey struct {
	source string
	period int
}

// SnapshotSink folds events into an in-memory view of the latest run.
type SnapshotSink struct {
	mu    sync.RWMutex
	run   RunSnapshot
	pairs map[pairKey]*PairSnapshot
}

// NewSnapshotSink returns an idle sink.
func NewSnapshotSink() *SnapshotSink {
	return &SnapshotSink{run: RunSnapshot{State: StateIdle}, pairs: map[pairKey]*PairSnapshot{}}
}

// Consume applies each event to the view.
func (s *SnapshotSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.apply(evt)
	}
	return nil
}

func (s *SnapshotSink) apply(evt progress.Event) {
	if evt.Stage == progress.StageRunStart {
		s.run = RunSnapshot{RunID: evt.RunUUID().String(), State: StateRunning, StartedAt: evt.TS}
		s.pairs = map[pairKey]*PairSnapshot{}
		return
	}
	if evt.Stage == progress.StageRunDone {
		s.run.FinishedAt = evt.TS
		s.run.State = StateComplete
		if evt.Cause != "" {
			s.run.State = StatePartial
		}
		return
	}
	pair := s.pair(evt)
	switch evt.Stage {
	case progress.StagePairDiscovered:
		pair.Units = evt.Units
		pair.Estimated = evt.Estimated
	case progress.StagePairFailed:
		pair.DiscoveryFailed = true
	case progress.StageUnitDone:
		pair.Done++
		pair.Records += evt.Records
		s.run.Records += evt.Records
		s.run.Bytes += evt.Bytes
	case progress.StageUnitFailed:
		pair.Failed++
	case progress.StageUnitsSkipped:
		pair.Skipped += evt.Units
	}
}

func (s *SnapshotSink) pair(evt progress.Event) *PairSnapshot {
	key := pairKey{source: evt.Source, period: evt.Period}
	p, ok := s.pairs[key]
	if !ok {
		p = &PairSnapshot{Source: evt.Source, Period: evt.Period}
		s.pairs[key] = p
	}
	return p
}

// Snapshot returns a copy of the current view with pairs sorted by source then period.
func (s *SnapshotSink) Snapshot() RunSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.run
	out.Pairs = make([]PairSnapshot, 0, len(s.pairs))
	for _, p := range s.pairs {
		out.Pairs = append(out.Pairs, *p)
	}
	sort.Slice(out.Pairs, func(i, j int) bool {
		if out.Pairs[i].Source != out.Pairs[j].Source {
			return out.Pairs[i].Source < out.Pairs[j].Source
		}
		return out.Pairs[i].Period < out.Pairs[j].Period
	})
	return out
}

// Close implements progress.Sink.
func (s *SnapshotSink) Close(context.Context) error { return nil }
