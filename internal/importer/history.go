package importer

import (
	"context"
	"fmt"

	"dmsprep/internal/sqlexec"
)

// HistoryTable records scripts that have already been applied.
const HistoryTable = "MigrationHistory"

// History tracks applied scripts so a resumed run skips them. Keys are
// "<plan>/<stage>".
type History struct {
	exec  *sqlexec.Executor
	table string
}

// NewHistory returns the history for database db.
func NewHistory(exec *sqlexec.Executor, db string) (*History, error) {
	table, err := sqlexec.QuoteName(db, "dbo", HistoryTable)
	if err != nil {
		return nil, err
	}
	return &History{exec: exec, table: table}, nil
}

// Ensure creates the history table if it does not exist.
func (h *History) Ensure(ctx context.Context, q sqlexec.Querier) error {
	_, err := h.exec.Exec(ctx, q, fmt.Sprintf(`IF OBJECT_ID(N'%s', N'U') IS NULL
CREATE TABLE %s (
    ROWID INT IDENTITY(1,1) PRIMARY KEY,
    script_name NVARCHAR(255) NOT NULL,
    applied_at DATETIME NOT NULL DEFAULT GETDATE()
)`, h.table, h.table))
	if err != nil {
		return fmt.Errorf("ensure %s: %w", HistoryTable, err)
	}
	return nil
}

// Applied reports whether key has been recorded.
func (h *History) Applied(ctx context.Context, q sqlexec.Querier, key string) (bool, error) {
	row, ok, err := h.exec.QueryRow(ctx, q,
		fmt.Sprintf("SELECT COUNT(*) AS Applied FROM %s WHERE script_name = @p1", h.table), key)
	if err != nil || !ok {
		return false, err
	}
	n, _ := row.Int64("Applied")
	return n > 0, nil
}

// Record marks key as applied.
func (h *History) Record(ctx context.Context, q sqlexec.Querier, key string) error {
	_, err := h.exec.Exec(ctx, q,
		fmt.Sprintf("INSERT INTO %s (script_name) VALUES (@p1)", h.table), key)
	return err
}

// Clear forgets every script recorded for plan.
func (h *History) Clear(ctx context.Context, q sqlexec.Querier, plan string) error {
	_, err := h.exec.Exec(ctx, q,
		fmt.Sprintf("DELETE FROM %s WHERE script_name LIKE @p1", h.table), plan+"/%")
	return err
}

func historyKey(plan, stage string) string {
	return plan + "/" + stage
}
