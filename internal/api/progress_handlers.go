package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/progress/sinks"
)

// Snapshotter yields the live view of the current run.
type Snapshotter interface {
	Snapshot() sinks.RunSnapshot
}

// ProgressHandler exposes read-only run progress endpoints.
type ProgressHandler struct {
	snapshots Snapshotter
	logger    *zap.Logger
}

// NewProgressHandler wires the snapshot source and logger.
func NewProgressHandler(snapshots Snapshotter, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{snapshots: snapshots, logger: logger}
}

// Run handles GET /v1/progress. It returns the full snapshot, or 503 when no
// snapshot source is wired.
func (h *ProgressHandler) Run(w http.ResponseWriter, _ *http.Request) {
	if h.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	writeJSON(w, http.StatusOK, h.snapshots.Snapshot())
}

// Source handles GET /v1/progress/{source}. It narrows the snapshot to one source's
// pairs and returns 404 when the run has not touched that source.
func (h *ProgressHandler) Source(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	source := strings.TrimSpace(chi.URLParam(r, "source"))
	snap := h.snapshots.Snapshot()
	pairs := make([]sinks.PairSnapshot, 0, len(snap.Pairs))
	records := 0
	for _, p := range snap.Pairs {
		if p.Source == source {
			pairs = append(pairs, p)
			records += p.Records
		}
	}
	if len(pairs) == 0 {
		h.logger.Debug("progress requested for unseen source", zap.String("source", source))
		writeError(w, http.StatusNotFound, "source not in current run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  snap.RunID,
		"state":   snap.State,
		"source":  source,
		"records": records,
		"pairs":   pairs,
	})
}
