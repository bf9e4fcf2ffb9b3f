package lob

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"dmsprep/internal/errlog"
	"dmsprep/internal/metrics"
	"dmsprep/internal/progress"
	"dmsprep/internal/sqlexec"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

var catalogColumns = []string{"SchemaName", "TableName", "ColumnName", "DataType", "CurrentLength", "RowCnt"}

var (
	dropLedger   = regexp.QuoteMeta("IF OBJECT_ID(N'[EJ].[dbo].[LOB_COLUMN_UPDATES]', N'U') IS NOT NULL")
	createLedger = regexp.QuoteMeta("CREATE TABLE [EJ].[dbo].[LOB_COLUMN_UPDATES]")
	listCatalog  = regexp.QuoteMeta("FROM [EJ].sys.tables t")
	insertLedger = regexp.QuoteMeta("INSERT INTO [EJ].[dbo].[LOB_COLUMN_UPDATES]")
	readQueue    = regexp.QuoteMeta("WHERE TableName NOT LIKE '%LOB_COL%'")
	savepoint    = regexp.QuoteMeta(savepointSQL)
	toSavepoint  = regexp.QuoteMeta(rollbackSQL)
)

type fixture struct {
	opt     *Optimizer
	session *sqlexec.Session
	mock    sqlmock.Sqlmock
	tally   *metrics.Tally
	ledger  *progress.Ledger
	logDir  string
	errLog  *errlog.Log
}

func newFixture(t *testing.T, batch int, policy InclusionPolicy) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	session, err := sqlexec.OpenSession(context.Background(), db, nil)
	require.NoError(t, err)

	f := &fixture{
		session: session,
		mock:    mock,
		tally:   metrics.NewTally(metrics.New()),
		ledger:  progress.NewLedger(progress.NewFileStore(filepath.Join(t.TempDir(), "lob.json")), nil, nil),
		logDir:  t.TempDir(),
	}
	f.errLog = errlog.Open(f.logDir, "LOBS", nil)
	t.Cleanup(func() { f.errLog.Close() })

	f.opt, err = New(session, sqlexec.NewExecutor(time.Second, nil), Options{
		Database:  "EJ",
		BatchSize: batch,
		Policy:    policy,
		Progress:  f.ledger,
		Tally:     f.tally,
		ErrLog:    f.errLog,
	}, nil)
	require.NoError(t, err)
	return f
}

func (f *fixture) errLogText(t *testing.T) string {
	t.Helper()
	require.NoError(t, f.errLog.Close())
	data, err := os.ReadFile(filepath.Join(f.logDir, "PreDMSErrorLog_LOBS.txt"))
	require.NoError(t, err)
	return string(data)
}

func (f *fixture) expectLedgerReset() {
	f.mock.ExpectExec(dropLedger).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectExec(createLedger).WillReturnResult(sqlmock.NewResult(0, 0))
}

func lengthQuery(table, column string) string {
	return regexp.QuoteMeta(fmt.Sprintf("SELECT MAX(LEN([%s])) AS MaxLen FROM [dbo].[%s]", column, table))
}

func (f *fixture) expectColumn(table, column string, maxLen driver.Value) {
	f.mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(lengthQuery(table, column)).
		WillReturnRows(sqlmock.NewRows([]string{"MaxLen"}).AddRow(maxLen))
	f.mock.ExpectExec(insertLedger).WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestAnalyzeBatchCommits(t *testing.T) {
	f := newFixture(t, 50, NewInclusionPolicy(false, nil))

	rows := sqlmock.NewRows(catalogColumns)
	for i := 1; i <= 120; i++ {
		rows.AddRow("dbo", "Cases", fmt.Sprintf("Col%d", i), "varchar", int64(-1), int64(10))
	}

	f.expectLedgerReset()
	f.mock.ExpectQuery(listCatalog).WillReturnRows(rows)
	f.mock.ExpectBegin()
	for i := 1; i <= 120; i++ {
		f.expectColumn("Cases", fmt.Sprintf("Col%d", i), int64(i))
		if i%50 == 0 {
			f.mock.ExpectCommit()
			f.mock.ExpectBegin()
		}
	}
	f.mock.ExpectCommit()

	res, err := f.opt.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, 120, res.Processed)
	require.Equal(t, 3, res.Commits)
	require.Equal(t, int64(120), f.tally.Successes())
	require.NoError(t, f.mock.ExpectationsWereMet())

	require.Equal(t, int64(120), f.ledger.Get(ProgressAnalyze))
	require.Equal(t, 100.0, f.ledger.Load()[ProgressAnalyze+"_percentage"])
}

func TestAnalyzeExactBatchMultiple(t *testing.T) {
	f := newFixture(t, 2, NewInclusionPolicy(false, nil))

	f.expectLedgerReset()
	f.mock.ExpectQuery(listCatalog).WillReturnRows(sqlmock.NewRows(catalogColumns).
		AddRow("dbo", "T", "A", "varchar", int64(-1), int64(1)).
		AddRow("dbo", "T", "B", "varchar", int64(-1), int64(1)))
	f.mock.ExpectBegin()
	f.expectColumn("T", "A", int64(5))
	f.expectColumn("T", "B", int64(6))
	f.mock.ExpectCommit()

	res, err := f.opt.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Commits)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAnalyzeRecordsDecision(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	f.expectLedgerReset()
	f.mock.ExpectQuery(listCatalog).WillReturnRows(sqlmock.NewRows(catalogColumns).
		AddRow("dbo", "Cases", "Notes", "text", nil, int64(42)))
	f.mock.ExpectBegin()
	f.mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(regexp.QuoteMeta("SELECT MAX(LEN(CAST([Notes] AS NVARCHAR(MAX)))) AS MaxLen FROM [dbo].[Cases]")).
		WillReturnRows(sqlmock.NewRows([]string{"MaxLen"}).AddRow(nil))
	f.mock.ExpectExec(insertLedger).
		WithArgs("dbo", "Cases", "Notes", "text", nil, int64(42), int64(0),
			"ALTER TABLE [dbo].[Cases] ALTER COLUMN [Notes] CHAR(1) NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	res, err := f.opt.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Processed)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAnalyzeContinuesPastColumnFailure(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	f.expectLedgerReset()
	f.mock.ExpectQuery(listCatalog).WillReturnRows(sqlmock.NewRows(catalogColumns).
		AddRow("dbo", "T", "A", "varchar", int64(-1), int64(1)).
		AddRow("dbo", "T", "B", "varchar", int64(-1), int64(1)).
		AddRow("dbo", "T", "C", "varchar", int64(-1), int64(1)))
	f.mock.ExpectBegin()
	f.expectColumn("T", "A", int64(10))

	f.mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(lengthQuery("T", "B")).WillReturnError(errors.New("arithmetic overflow"))
	f.mock.ExpectExec(toSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))

	f.mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectQuery(lengthQuery("T", "C")).WillReturnRows(sqlmock.NewRows([]string{"MaxLen"}).AddRow(int64(7)))
	f.mock.ExpectExec(insertLedger).WillReturnError(errors.New("string or binary data would be truncated"))
	f.mock.ExpectExec(toSavepoint).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectCommit()

	res, err := f.opt.Analyze(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Processed)
	require.Equal(t, 2, res.Failed)
	require.Equal(t, int64(1), f.tally.Successes())
	require.Equal(t, int64(2), f.tally.Failures())
	require.NoError(t, f.mock.ExpectationsWereMet())

	text := f.errLogText(t)
	require.Contains(t, text, "arithmetic overflow")
	require.Contains(t, text, "would be truncated")
}

func TestAnalyzeInclusionOverride(t *testing.T) {
	catalog := func() *sqlmock.Rows {
		return sqlmock.NewRows(catalogColumns).
			AddRow("dbo", "t", "c", "varchar", int64(-1), int64(0)).
			AddRow("dbo", "T", "", "varchar", int64(-1), int64(5))
	}

	t.Run("skipped without override", func(t *testing.T) {
		f := newFixture(t, 10, NewInclusionPolicy(false, nil))
		f.expectLedgerReset()
		f.mock.ExpectQuery(listCatalog).WillReturnRows(catalog())

		res, err := f.opt.Analyze(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, res.Skipped)
		require.Equal(t, 1, res.Invalid)
		require.Equal(t, 0, res.Processed)
		require.Equal(t, 0, res.Commits)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})

	t.Run("processed with override", func(t *testing.T) {
		f := newFixture(t, 10, NewInclusionPolicy(false, []string{"DBO.T"}))
		f.expectLedgerReset()
		f.mock.ExpectQuery(listCatalog).WillReturnRows(catalog())
		f.mock.ExpectBegin()
		f.expectColumn("t", "c", nil)
		f.mock.ExpectCommit()

		res, err := f.opt.Analyze(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, res.Processed)
		require.Equal(t, 0, res.Failed)
		require.NoError(t, f.mock.ExpectationsWereMet())
	})
}

func TestAnalyzeReplacesLedger(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	for run := 0; run < 2; run++ {
		f.expectLedgerReset()
		f.mock.ExpectQuery(listCatalog).WillReturnRows(sqlmock.NewRows(catalogColumns).
			AddRow("dbo", "T", "A", "nvarchar", int64(-1), int64(3)))
		f.mock.ExpectBegin()
		f.mock.ExpectExec(savepoint).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectQuery(lengthQuery("T", "A")).WillReturnRows(sqlmock.NewRows([]string{"MaxLen"}).AddRow(int64(12)))
		f.mock.ExpectExec(insertLedger).
			WithArgs("dbo", "T", "A", "nvarchar", int64(-1), int64(3), int64(12),
				"ALTER TABLE [dbo].[T] ALTER COLUMN [A] VARCHAR(12) NULL").
			WillReturnResult(sqlmock.NewResult(0, 1))
		f.mock.ExpectCommit()
	}

	first, err := f.opt.Analyze(context.Background())
	require.NoError(t, err)
	second, err := f.opt.Analyze(context.Background())
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAnalyzeLedgerCreationFailure(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))
	f.mock.ExpectExec(dropLedger).WillReturnError(errors.New("permission denied"))

	_, err := f.opt.Analyze(context.Background())
	require.ErrorContains(t, err, "drop ledger table")
	require.Equal(t, int64(1), f.tally.Failures())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAnalyzeCatalogFailureCounts(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))
	f.expectLedgerReset()
	f.mock.ExpectQuery(listCatalog).WillReturnError(errors.New("connection reset"))

	_, err := f.opt.Analyze(context.Background())
	require.ErrorContains(t, err, "list candidate columns")
	require.Equal(t, int64(1), f.tally.Failures())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestAnalyzeStopsWhenCancelled(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ledger := progress.NewLedger(progress.NewFileStore(filepath.Join(t.TempDir(), "lob.json")), func(u progress.Update) {
		if u.Key == ProgressAnalyze && u.Value == 1 {
			cancel()
		}
	}, nil)

	opt, err := New(f.session, sqlexec.NewExecutor(time.Second, nil), Options{
		Database:  "EJ",
		BatchSize: 10,
		Progress:  ledger,
		Tally:     f.tally,
		ErrLog:    f.errLog,
	}, nil)
	require.NoError(t, err)

	f.expectLedgerReset()
	f.mock.ExpectQuery(listCatalog).WillReturnRows(sqlmock.NewRows(catalogColumns).
		AddRow("dbo", "T", "A", "varchar", int64(-1), int64(1)).
		AddRow("dbo", "T", "B", "varchar", int64(-1), int64(1)))
	f.mock.ExpectBegin()
	f.expectColumn("T", "A", int64(4))
	f.mock.ExpectRollback()

	res, err := opt.Analyze(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, res.Processed)
	require.Equal(t, 0, res.Commits)
	require.Equal(t, int64(1), f.tally.Successes())
	require.Equal(t, int64(1), f.tally.Failures())
	require.False(t, f.session.InTransaction())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

var queueColumns = []string{"SchemaName", "TableName", "ColumnName", "DataType", "CurrentLength", "RowCnt", "MaxLen", "AlterStatement"}

func alter(column string, def string) string {
	return fmt.Sprintf("ALTER TABLE [dbo].[T] ALTER COLUMN [%s] %s", column, def)
}

func TestApplyOrder(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	f.mock.ExpectQuery(readQueue).WillReturnRows(sqlmock.NewRows(queueColumns).
		AddRow("dbo", "T", "Small", "varchar", int64(-1), int64(1), int64(50), alter("Small", "VARCHAR(50) NULL")).
		AddRow("dbo", "T", "Huge", "text", nil, int64(1), int64(9001), alter("Huge", "TEXT NULL")).
		AddRow("dbo", "T", "Mid", "varchar", int64(-1), int64(1), int64(200), alter("Mid", "VARCHAR(200) NULL")))

	for _, stmt := range []string{
		alter("Huge", "TEXT NULL"),
		alter("Mid", "VARCHAR(200) NULL"),
		alter("Small", "VARCHAR(50) NULL"),
	} {
		f.mock.ExpectBegin()
		f.mock.ExpectExec(regexp.QuoteMeta(stmt)).WillReturnResult(sqlmock.NewResult(0, 0))
		f.mock.ExpectCommit()
	}

	res, err := f.opt.Apply(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Applied)
	require.Equal(t, int64(3), f.tally.Successes())
	require.Equal(t, int64(3), f.ledger.Get(ProgressApply))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestApplyFailFast(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	f.mock.ExpectQuery(readQueue).WillReturnRows(sqlmock.NewRows(queueColumns).
		AddRow("dbo", "T", "A", "varchar", int64(-1), int64(1), int64(300), alter("A", "VARCHAR(300) NULL")).
		AddRow("dbo", "T", "B", "varchar", int64(-1), int64(1), int64(200), alter("B", "VARCHAR(200) NULL")).
		AddRow("dbo", "T", "C", "varchar", int64(-1), int64(1), int64(100), alter("C", "VARCHAR(100) NULL")))

	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta(alter("A", "VARCHAR(300) NULL"))).WillReturnResult(sqlmock.NewResult(0, 0))
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectExec(regexp.QuoteMeta(alter("B", "VARCHAR(200) NULL"))).
		WillReturnError(errors.New("The object 'IX_T_B' is dependent on column 'B'"))
	f.mock.ExpectRollback()

	res, err := f.opt.Apply(context.Background())

	var applyErr *ApplyError
	require.True(t, errors.As(err, &applyErr))
	require.Equal(t, 2, applyErr.Index)
	require.Equal(t, alter("B", "VARCHAR(200) NULL"), applyErr.Statement)
	require.Equal(t, 1, res.Applied)
	require.Equal(t, int64(1), f.tally.Successes())
	require.Equal(t, int64(1), f.tally.Failures())
	require.NoError(t, f.mock.ExpectationsWereMet())

	require.Contains(t, f.errLogText(t), "IX_T_B")
}

func TestApplyQueueReadFailureCounts(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))
	f.mock.ExpectQuery(readQueue).WillReturnError(errors.New("Invalid object name 'LOB_COLUMN_UPDATES'"))

	_, err := f.opt.Apply(context.Background())
	require.ErrorContains(t, err, "read ledger")
	require.Equal(t, int64(1), f.tally.Failures())
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestApplyRejectsTamperedIdentifiers(t *testing.T) {
	f := newFixture(t, 10, NewInclusionPolicy(false, nil))

	f.mock.ExpectQuery(readQueue).WillReturnRows(sqlmock.NewRows(queueColumns).
		AddRow("dbo", "T; DROP TABLE x", "A", "varchar", int64(-1), int64(1), int64(3), "DROP TABLE x"))

	_, err := f.opt.Apply(context.Background())
	require.ErrorIs(t, err, sqlexec.ErrInvalidIdentifier)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestSortForApply(t *testing.T) {
	ds := []Decision{
		{Column: "nil"},
		{Column: "50", MaxLen: nullInt(50)},
		{Column: "9001", MaxLen: nullInt(9001)},
		{Column: "200a", MaxLen: nullInt(200)},
		{Column: "200b", MaxLen: nullInt(200)},
	}
	sortForApply(ds)

	var got []string
	for _, d := range ds {
		got = append(got, d.Column)
	}
	require.Equal(t, []string{"9001", "200a", "200b", "50", "nil"}, got)
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: true}
}
