package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/race-results-harvester/internal/progress"
)

// PrometheusSink exports harvest progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	pairsDiscovered   *prometheus.CounterVec
	discoveryFailures *prometheus.CounterVec
	units             *prometheus.CounterVec
	fetchFailures     *prometheus.CounterVec
	records           *prometheus.CounterVec
	fetchBytes        *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvest_runs_started_total",
			Help: "Harvest runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_runs_completed_total",
			Help: "Harvest runs completed partitioned by result (complete or partial).",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_runs_running",
			Help: "Harvest runs in progress.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_run_duration_seconds",
			Help:    "Wall time per harvest run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"result"}),
		pairsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_pairs_discovered_total",
			Help: "Source/period pairs discovered partitioned by plan kind.",
		}, []string{"source", "plan"}),
		discoveryFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_discovery_failures_total",
			Help: "Probe fetches that failed.",
		}, []string{"source"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_units_total",
			Help: "Units partitioned by outcome (success, failed, skipped).",
		}, []string{"source", "outcome"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_fetch_failures_total",
			Help: "Failed unit fetches partitioned by cause.",
		}, []string{"source", "cause"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_records_total",
			Help: "Records extracted per source.",
		}, []string{"source"}),
		fetchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvest_fetch_bytes_total",
			Help: "Markup bytes downloaded per source.",
		}, []string{"source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvest_fetch_duration_seconds",
			Help:    "Unit fetch duration partitioned by source and status class.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"source", "status_class"}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.pairsDiscovered,
		s.discoveryFailures,
		s.units,
		s.fetchFailures,
		s.records,
		s.fetchBytes,
		s.fetchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		if s.tracker.start(evt.RunID) {
			s.runsRunning.Inc()
		}
	case progress.StageRunDone:
		result := "complete"
		if evt.Cause != "" {
			result = "partial"
		}
		s.runsCompleted.WithLabelValues(result).Inc()
		if evt.Dur > 0 {
			s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID) {
			s.runsRunning.Dec()
		}
	case progress.StagePairDiscovered:
		plan := "exact"
		switch {
		case evt.Units == 0:
			plan = "empty"
		case evt.Estimated:
			plan = "estimated"
		}
		s.pairsDiscovered.WithLabelValues(evt.Source, plan).Inc()
	case progress.StagePairFailed:
		s.discoveryFailures.WithLabelValues(evt.Source).Inc()
	case progress.StageUnitDone:
		s.units.WithLabelValues(evt.Source, "success").Inc()
		s.records.WithLabelValues(evt.Source).Add(float64(evt.Records))
		s.observeFetch(evt)
	case progress.StageUnitFailed:
		s.units.WithLabelValues(evt.Source, "failed").Inc()
		s.fetchFailures.WithLabelValues(evt.Source, evt.Cause).Inc()
		s.observeFetch(evt)
	case progress.StageUnitsSkipped:
		s.units.WithLabelValues(evt.Source, "skipped").Add(float64(evt.Units))
	}
}

func (s *PrometheusSink) observeFetch(evt progress.Event) {
	if evt.Bytes > 0 {
		s.fetchBytes.WithLabelValues(evt.Source).Add(float64(evt.Bytes))
	}
	class := evt.StatusClass
	if class == "" {
		class = progress.StatusOther
	}
	if evt.Dur > 0 {
		s.fetchDuration.WithLabelValues(evt.Source, string(class)).Observe(evt.Dur.Seconds())
	}
}

// Close implements progress.Sink; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[[16]byte]struct{}
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[[16]byte]struct{})}
}

func (t *runTracker) start(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) complete(id [16]byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
