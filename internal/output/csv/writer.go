// Package csvwriter writes harvest reports as one CSV file per source.
package csvwriter

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

// DefaultPattern names output files after their source.
const DefaultPattern = "{source}.csv"

// Config controls where files are written.
type Config struct {
	Dir string
	// Pattern is the file name template; {source} and {run_id} are substituted.
	Pattern string
}

// Writer implements harvest.ReportWriter.
type Writer struct {
	cfg    Config
	logger *zap.Logger
}

// New builds a Writer.
func New(cfg Config, logger *zap.Logger) (*Writer, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if cfg.Pattern == "" {
		cfg.Pattern = DefaultPattern
	}
	if !strings.Contains(cfg.Pattern, "{source}") {
		return nil, fmt.Errorf("output pattern %q must contain {source}", cfg.Pattern)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{cfg: cfg, logger: logger.Named("csv")}, nil
}

// WriteReport writes one file per source present in the report schemas.
func (w *Writer) WriteReport(ctx context.Context, report *harvest.Report) error {
	if report == nil {
		return fmt.Errorf("report is required")
	}
	if err := os.MkdirAll(w.cfg.Dir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	sources := make([]harvest.SourceID, 0, len(report.Schemas))
	for id := range report.Schemas {
		sources = append(sources, id)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })

	for _, id := range sources {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		path := w.pathFor(id, report.RunID)
		n, err := w.writeFile(path, report.Schemas[id], recordsOf(report, id))
		if err != nil {
			return err
		}
		w.logger.Info("wrote results",
			zap.String("source", string(id)),
			zap.String("path", path),
			zap.Int("rows", n),
		)
	}
	return nil
}

func (w *Writer) pathFor(id harvest.SourceID, runID string) string {
	name := strings.NewReplacer("{source}", string(id), "{run_id}", runID).Replace(w.cfg.Pattern)
	return filepath.Join(w.cfg.Dir, name)
}

func (w *Writer) writeFile(path string, schema []string, records []harvest.Record) (int, error) {
	// #nosec G304 -- path is built from configured output dir and source id.
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	if err := Write(f, schema, records); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", path, err)
	}
	return len(records), nil
}

// Write emits a header row of "period" followed by schema, then one row per record.
func Write(out io.Writer, schema []string, records []harvest.Record) error {
	cw := csv.NewWriter(out)
	header := append([]string{"period"}, schema...)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	row := make([]string, len(header))
	for _, rec := range records {
		row[0] = fmt.Sprint(rec.Period)
		copy(row[1:], rec.Values(schema))
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func recordsOf(report *harvest.Report, id harvest.SourceID) []harvest.Record {
	var out []harvest.Record
	for _, rec := range report.Records {
		if rec.Source == id {
			out = append(out, rec)
		}
	}
	return out
}
