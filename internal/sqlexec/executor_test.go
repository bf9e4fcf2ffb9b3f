package sqlexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestExecutorQueryNormalizesRows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT SchemaName").WillReturnRows(
		sqlmock.NewRows([]string{"SchemaName", "RowCnt", "CurrentLength"}).
			AddRow([]byte("dbo"), int64(12), nil).
			AddRow("audit", []byte("7"), int64(-1)),
	)

	exec := NewExecutor(time.Second, nil)
	rs, err := exec.Query(context.Background(), db, "SELECT SchemaName, RowCnt, CurrentLength FROM x")
	require.NoError(t, err)
	require.Equal(t, []string{"SchemaName", "RowCnt", "CurrentLength"}, rs.Columns)
	require.Equal(t, 2, rs.Len())

	first := rs.Rows[0]
	require.Equal(t, "dbo", first.String("schemaname"))
	n, ok := first.Int64("RowCnt")
	require.True(t, ok)
	require.Equal(t, int64(12), n)
	require.False(t, first.NullInt64("CurrentLength").Valid)

	second := rs.Rows[1]
	n, ok = second.Int64("ROWCNT")
	require.True(t, ok)
	require.Equal(t, int64(7), n)
	require.Equal(t, int64(-1), second.NullInt64("CurrentLength").Int64)
	require.Equal(t, map[string]any{"SchemaName": "audit", "RowCnt": "7", "CurrentLength": int64(-1)}, second.Map())

	_, ok = second.Value("Missing")
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorQueryRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(int64(3)))
	mock.ExpectQuery("SELECT Name").WillReturnRows(sqlmock.NewRows([]string{"Name"}))

	exec := NewExecutor(time.Second, nil)
	row, ok, err := exec.QueryRow(context.Background(), db, "SELECT COUNT(*) AS n FROM x")
	require.NoError(t, err)
	require.True(t, ok)
	n, _ := row.Int64("n")
	require.Equal(t, int64(3), n)

	row, ok, err = exec.QueryRow(context.Background(), db, "SELECT Name FROM x")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "", row.String("Name"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorExecTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("WAITFOR DELAY").WillDelayFor(500 * time.Millisecond).WillReturnResult(sqlmock.NewResult(0, 0))

	exec := NewExecutor(20*time.Millisecond, nil)
	_, err = exec.Exec(context.Background(), db, "WAITFOR DELAY '00:01'")
	require.Error(t, err)
	require.True(t, IsTimeout(err))

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, "WAITFOR DELAY '00:01'", execErr.SQL)
}

func TestExecutorExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("Invalid object name 'nope'")
	mock.ExpectExec("DELETE FROM nope").WillReturnError(boom)

	exec := NewExecutor(time.Second, nil)
	_, err = exec.Exec(context.Background(), db, "DELETE FROM nope")
	require.ErrorIs(t, err, boom)
	require.False(t, IsTimeout(err))
	require.Contains(t, err.Error(), "SQL execution failed for statement")
}

func TestExecutorRunScript(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO a").WillReturnError(errors.New("constraint violation"))

	exec := NewExecutor(time.Second, nil)
	err = exec.RunScript(context.Background(), db, Script{
		Name: "seed",
		SQL:  "CREATE TABLE a (id INT)\nGO\nINSERT INTO a VALUES (1)\nGO\nINSERT INTO a VALUES (2)",
	})

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	require.Equal(t, "seed", execErr.Name)
	require.Equal(t, "INSERT INTO a VALUES (1)", execErr.SQL)
	require.NoError(t, mock.ExpectationsWereMet())
}
