package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/race-results-harvester/internal/harvest"
)

func sampleReport() *harvest.Report {
	finished := time.Unix(1700000000, 0).UTC()
	pair := harvest.PairKey{Source: "boston", Period: 2019}
	return &harvest.Report{
		RunID:      "run-1",
		FinishedAt: finished,
		Records: []harvest.Record{
			{Source: "boston", Period: 2019, Fields: map[string]string{"full_name": "Doe, Jane", "bib_number": "101"}},
			{Source: "boston", Period: 2019, Fields: map[string]string{"full_name": "Roe, Rich", "bib_number": "N/A"}},
		},
		Counts: map[harvest.PairKey]harvest.PairCount{
			pair: {Units: 1, Dispatched: 1, Succeeded: 1, Records: 2},
		},
	}
}

func TestWriteReportCopiesRecordsInTransaction(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "", "")
	require.NoError(t, err)
	report := sampleReport()

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"race_results"}, recordColumns).WillReturnResult(2)
	mock.ExpectExec("INSERT INTO race_result_pairs").
		WithArgs("run-1", "boston", 2019, 1, false, false, 1, 1, 0, 0, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteReport(context.Background(), report))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteReportRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "results", "pairs")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"results"}, recordColumns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err = store.WriteReport(context.Background(), sampleReport())
	require.ErrorContains(t, err, "copy records: disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteReportRollsBackOnShortCopy(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "Results", "pairs")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectCopyFrom(pgx.Identifier{"results"}, recordColumns).WillReturnResult(1)
	mock.ExpectRollback()

	err = store.WriteReport(context.Background(), sampleReport())
	require.ErrorContains(t, err, "wrote 1 of 2 rows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteReportWithoutRecordsSkipsCopy(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "", "")
	require.NoError(t, err)
	report := sampleReport()
	report.Records = nil

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO race_result_pairs").
		WithArgs("run-1", "boston", 2019, 1, false, false, 1, 1, 0, 0, 2).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, store.WriteReport(context.Background(), report))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRowsNumberPerPair(t *testing.T) {
	t.Parallel()

	report := sampleReport()
	report.Records = append(report.Records, harvest.Record{Source: "boston", Period: 2018, Fields: map[string]string{"full_name": "Poe, Ed"}})

	rows, err := recordRows(report)
	require.NoError(t, err)
	require.Equal(t, [][]any{
		{"run-1", "boston", 2019, 1, []byte(`{"bib_number":"101","full_name":"Doe, Jane"}`), report.FinishedAt},
		{"run-1", "boston", 2019, 2, []byte(`{"bib_number":"N/A","full_name":"Roe, Rich"}`), report.FinishedAt},
		{"run-1", "boston", 2018, 1, []byte(`{"full_name":"Poe, Ed"}`), report.FinishedAt},
	}, rows)
}

func TestWriteReportBeginFailure(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectBegin().WillReturnError(errors.New("no connection"))
	err = store.WriteReport(context.Background(), sampleReport())
	require.ErrorContains(t, err, "begin transaction")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewRecordStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS race_results ").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS race_result_pairs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRecordStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRecordStoreWithPool(nil, "", "")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewRecordStoreWithPool(mock, "results; DROP TABLE x", "")
	require.Error(t, err)

	_, err = NewRecordStore(context.Background(), Config{})
	require.ErrorContains(t, err, "output.dsn is required")

	var store *RecordStore
	require.Error(t, store.WriteReport(context.Background(), sampleReport()))
	store.Close()
}
