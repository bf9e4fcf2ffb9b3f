package sqlexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout applies when no per-statement timeout is configured.
const DefaultTimeout = 300 * time.Second

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Executor runs statements and scripts with a per-statement timeout and
// normalizes every result set to ResultSet.
type Executor struct {
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecutor creates an executor. A non-positive timeout means DefaultTimeout.
func NewExecutor(timeout time.Duration, logger *zap.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{timeout: timeout, logger: logger}
}

// Timeout returns the per-statement timeout.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Exec runs a statement that returns no rows and reports rows affected.
// Drivers that cannot report rows affected yield 0.
func (e *Executor) Exec(ctx context.Context, q Querier, query string, args ...any) (int64, error) {
	return e.execNamed(ctx, q, "", query, args...)
}

func (e *Executor) execNamed(ctx context.Context, q Querier, name, query string, args ...any) (int64, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	res, err := q.ExecContext(stmtCtx, query, args...)
	if err != nil {
		return 0, e.wrap(ctx, stmtCtx, name, query, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Query runs a statement and reads the whole result into a ResultSet.
func (e *Executor) Query(ctx context.Context, q Querier, query string, args ...any) (*ResultSet, error) {
	stmtCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	rows, err := q.QueryContext(stmtCtx, query, args...)
	if err != nil {
		return nil, e.wrap(ctx, stmtCtx, "", query, err)
	}
	defer rows.Close()

	rs, err := scanAll(rows)
	if err != nil {
		return nil, e.wrap(ctx, stmtCtx, "", query, err)
	}
	return rs, nil
}

// QueryRow runs a statement and returns its first row. ok is false when the
// statement produced no rows.
func (e *Executor) QueryRow(ctx context.Context, q Querier, query string, args ...any) (row Row, ok bool, err error) {
	rs, err := e.Query(ctx, q, query, args...)
	if err != nil {
		return Row{}, false, err
	}
	row, ok = rs.First()
	return row, ok, nil
}

// RunScript executes each GO-separated batch of script in order. The first
// failing batch stops the script.
func (e *Executor) RunScript(ctx context.Context, q Querier, script Script) error {
	start := time.Now()
	batches := SplitBatches(script.SQL)

	e.logger.Info("Starting script",
		zap.String("script", script.Name),
		zap.Int("batches", len(batches)),
	)

	for i, batch := range batches {
		e.logger.Debug("Executing batch",
			zap.String("script", script.Name),
			zap.Int("batch", i+1),
			zap.Int("of", len(batches)),
		)
		if _, err := e.execNamed(ctx, q, script.Name, batch); err != nil {
			e.logger.Error("Batch failed",
				zap.String("script", script.Name),
				zap.Int("batch", i+1),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err),
			)
			return err
		}
	}

	e.logger.Info("Completed script",
		zap.String("script", script.Name),
		zap.Int("batches", len(batches)),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

func (e *Executor) wrap(parent, stmtCtx context.Context, name, query string, err error) error {
	if errors.Is(stmtCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrStatementTimeout, e.timeout, err)
	}
	return &ExecError{Name: name, SQL: query, Err: err}
}

func scanAll(rows *sql.Rows) (*ResultSet, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	rs := &ResultSet{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i := range values {
			values[i] = normalizeValue(values[i])
		}
		rs.Rows = append(rs.Rows, NewRow(cols, values))
	}
	return rs, rows.Err()
}
