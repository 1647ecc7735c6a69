// Package postgres persists harvest reports to Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Default table names.
const (
	DefaultRecordsTable = "race_results"
	DefaultPairsTable   = "race_result_pairs"
)

var recordColumns = []string{"run_id", "source", "period", "seq", "fields", "harvested_at"}

// Config controls the Postgres connection pool and target tables.
type Config struct {
	DSN             string
	Table           string
	PairsTable      string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type txBeginner interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// RecordStore writes harvested records and per-pair counts in one transaction per
// report.
type RecordStore struct {
	pool       txBeginner
	table      string
	pairsTable string
}

// NewRecordStore creates a Postgres-backed RecordStore using the provided config.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("output.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(pool, cfg.Table, cfg.PairsTable)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(pool txBeginner, table, pairsTable string) (*RecordStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultRecordsTable
	}
	if pairsTable == "" {
		pairsTable = DefaultPairsTable
	}
	for _, name := range []string{table, pairsTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	// COPY quotes the identifier while CREATE TABLE folds it; keep both lower case.
	table, pairsTable = strings.ToLower(table), strings.ToLower(pairsTable)
	return &RecordStore{pool: pool, table: table, pairsTable: pairsTable}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the target tables when they do not exist.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id      TEXT        NOT NULL,
	source      TEXT        NOT NULL,
	period      INTEGER     NOT NULL,
	seq         INTEGER     NOT NULL,
	fields      JSONB       NOT NULL,
	harvested_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (run_id, source, period, seq)
)`, s.table),
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id           TEXT    NOT NULL,
	source           TEXT    NOT NULL,
	period           INTEGER NOT NULL,
	units            INTEGER NOT NULL,
	estimated        BOOLEAN NOT NULL,
	discovery_failed BOOLEAN NOT NULL,
	dispatched       INTEGER NOT NULL,
	succeeded        INTEGER NOT NULL,
	failed           INTEGER NOT NULL,
	skipped          INTEGER NOT NULL,
	records          INTEGER NOT NULL,
	PRIMARY KEY (run_id, source, period)
)`, s.pairsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// WriteReport copies every record of report in bulk and inserts its pair counts, all in
// one transaction. Nothing is written when any step fails.
func (s *RecordStore) WriteReport(ctx context.Context, report *harvest.Report) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("record store is not configured")
	}
	if report == nil {
		return fmt.Errorf("report is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
	}()

	rows, err := recordRows(report)
	if err != nil {
		return err
	}
	if len(rows) > 0 {
		n, err := tx.CopyFrom(ctx, pgx.Identifier{s.table}, recordColumns, pgx.CopyFromRows(rows))
		if err != nil {
			return fmt.Errorf("copy records: %w", err)
		}
		if n != int64(len(rows)) {
			return fmt.Errorf("copy records: wrote %d of %d rows", n, len(rows))
		}
	}

	pairQuery := fmt.Sprintf(`
INSERT INTO %s (run_id, source, period, units, estimated, discovery_failed, dispatched, succeeded, failed, skipped, records)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`, s.pairsTable)
	for _, pair := range report.Pairs() {
		c := report.Counts[pair]
		if _, err := tx.Exec(ctx, pairQuery,
			report.RunID,
			string(pair.Source),
			pair.Period,
			c.Units,
			c.Estimated,
			c.DiscoveryFailed,
			c.Dispatched,
			c.Succeeded,
			c.Failed,
			c.Skipped,
			c.Records,
		); err != nil {
			return fmt.Errorf("insert pair count: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit report: %w", err)
	}
	return nil
}

// recordRows lays out report's records as COPY rows, numbering them per pair in
// report order.
func recordRows(report *harvest.Report) ([][]any, error) {
	rows := make([][]any, 0, len(report.Records))
	seq := make(map[harvest.PairKey]int)
	for _, rec := range report.Records {
		pair := harvest.PairKey{Source: rec.Source, Period: rec.Period}
		seq[pair]++
		fields, err := json.Marshal(rec.Fields)
		if err != nil {
			return nil, fmt.Errorf("marshal fields: %w", err)
		}
		rows = append(rows, []any{
			report.RunID,
			string(rec.Source),
			rec.Period,
			seq[pair],
			fields,
			report.FinishedAt,
		})
	}
	return rows, nil
}
