package importer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dmsprep/internal/errlog"
	"dmsprep/internal/lob"
	"dmsprep/internal/progress"
	"dmsprep/internal/sqlexec"

	"go.uber.org/zap"
)

// Progress keys of the row-driven stages. A resumed run skips rows up to
// the stored index.
const (
	ProgressCopyTables  = "table_operations"
	ProgressPrimaryKeys = "pk_creation"
)

// TableStages implements the stages that run after the joins are in place:
// copying every table to convert, dropping copies that ended up empty and
// creating primary keys. Each row commits on its own.
type TableStages struct {
	session  *sqlexec.Session
	exec     *sqlexec.Executor
	plan     Plan
	db       string
	scripts  *sqlexec.ScriptSource
	pkScript string
	skipPK   bool
	policy   lob.InclusionPolicy
	progress *progress.Ledger
	errLog   *errlog.Log
	logger   *zap.Logger
}

func (t *TableStages) table(name string) (string, error) {
	return sqlexec.QuoteName(t.db, "dbo", name)
}

// names lists the spellings an always-include override may use for a table.
func (t *TableStages) names(schema, table string) []string {
	return []string{
		schema + "." + table,
		t.db + "." + schema + "." + table,
		strings.ToLower(t.plan.DBType) + "." + schema + "." + table,
	}
}

// CopyTables runs the DROP and SELECT INTO statements recorded for every
// table to convert that has joins, then writes the copied row count back.
func (t *TableStages) CopyTables(ctx context.Context, q sqlexec.Querier) error {
	convert, err := t.table(t.plan.ConvertTable())
	if err != nil {
		return err
	}
	selects, err := t.table(t.plan.SelectsTable())
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT S.RowID, S.DatabaseName, S.SchemaName, S.TableName, S.fConvert, S.ScopeRowCount,
    CAST(S.Drop_IfExists AS NVARCHAR(MAX)) AS Drop_IfExists,
    CAST(CAST(S.Select_Into AS NVARCHAR(MAX)) + CAST(ISNULL(S.Joins, N'') AS NVARCHAR(MAX)) AS NVARCHAR(MAX)) AS Select_Into
FROM %s S
INNER JOIN %s TUS
    ON S.DatabaseName = TUS.DatabaseName
    AND S.SchemaName = TUS.SchemaName
    AND S.TableName = TUS.TableName
WHERE S.fConvert = 1
ORDER BY S.DatabaseName, S.SchemaName, S.TableName`, convert, selects)

	rs, err := t.exec.Query(ctx, q, query)
	if err != nil {
		return fmt.Errorf("list tables to copy: %w", err)
	}

	start := t.progress.Get(ProgressCopyTables)
	if start > 0 {
		t.logger.Info("Resuming table copies", zap.Int64("after_row", start))
	}

	var copied, skipped int
	for i, row := range rs.Rows {
		idx := int64(i + 1)
		if idx <= start {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		done, err := t.copyTable(ctx, convert, row, idx)
		if err != nil {
			t.errLog.Record("Table copy failed", err, zap.Int64("row", idx))
			return err
		}
		if done {
			copied++
		} else {
			skipped++
		}

		t.progress.Update(progress.Update{
			Key:       ProgressCopyTables,
			Value:     idx,
			Total:     int64(rs.Len()),
			Operation: t.plan.DBType,
			Details:   row.String("SchemaName") + "." + row.String("TableName"),
		})
	}

	t.logger.Info("Table copies completed", zap.Int("copied", copied), zap.Int("skipped", skipped))
	return nil
}

// copyTable replays one row in its own transaction. It reports false when
// the row had nothing to run.
func (t *TableStages) copyTable(ctx context.Context, convert string, row sqlexec.Row, idx int64) (bool, error) {
	schema, table := row.String("SchemaName"), row.String("TableName")
	if err := sqlexec.ValidateIdentifier(schema); err != nil {
		return false, fmt.Errorf("row %d schema: %w", idx, err)
	}
	if err := sqlexec.ValidateIdentifier(table); err != nil {
		return false, fmt.Errorf("row %d table: %w", idx, err)
	}
	log := t.logger.With(zap.Int64("row", idx), zap.String("table", schema+"."+table))

	if f, _ := row.Int64("fConvert"); f != 1 {
		log.Info("Skipping table not marked for conversion")
		return false, nil
	}
	drop, selectInto := row.String("Drop_IfExists"), row.String("Select_Into")
	if strings.TrimSpace(drop) == "" {
		log.Debug("No drop statement recorded")
		return false, nil
	}

	target, err := sqlexec.QuoteName(t.db, schema, t.plan.CopyPrefix()+table)
	if err != nil {
		return false, err
	}

	rowCount := row.NullInt64("ScopeRowCount")
	err = t.session.Scope(ctx, func(ctx context.Context, q sqlexec.Querier) error {
		log.Info("Dropping table if it exists")
		if _, err := t.exec.Exec(ctx, q, drop); err != nil {
			return err
		}
		if strings.TrimSpace(selectInto) == "" {
			return nil
		}

		log.Info("Copying table")
		if _, err := t.exec.Exec(ctx, q, selectInto); err != nil {
			return err
		}
		counted, _, err := t.exec.QueryRow(ctx, q, fmt.Sprintf("SELECT COUNT_BIG(*) AS CopiedRows FROM %s", target))
		if err != nil {
			return err
		}
		rowCount = counted.NullInt64("CopiedRows")
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("copy %s.%s (row %d): %w", schema, table, idx, err)
	}

	t.recordRowCount(ctx, convert, row.NullInt64("RowID"), rowCount)
	return true, nil
}

// recordRowCount writes the copied row count back to the table list.
// Failures are logged; the copy itself has already been committed.
func (t *TableStages) recordRowCount(ctx context.Context, convert string, rowID, rowCount sql.NullInt64) {
	if !rowID.Valid || !rowCount.Valid {
		return
	}
	_, err := t.exec.Exec(ctx, t.session.Querier(),
		fmt.Sprintf("UPDATE %s SET ScopeRowCount = @p1 WHERE RowID = @p2", convert),
		rowCount.Int64, rowID.Int64)
	if err != nil {
		t.logger.Error("Failed to update row count", zap.Int64("row_id", rowID.Int64), zap.Error(err))
		t.errLog.Record("Failed to update row count", err, zap.Int64("row_id", rowID.Int64))
	}
}

// DropEmptyTables drops copies whose recorded row count is zero unless they
// are listed in the always-include overrides. A failed drop is logged and
// the next table is tried.
func (t *TableStages) DropEmptyTables(ctx context.Context, q sqlexec.Querier) error {
	convert, err := t.table(t.plan.ConvertTable())
	if err != nil {
		return err
	}

	rs, err := t.exec.Query(ctx, q, fmt.Sprintf(
		"SELECT SchemaName, TableName FROM %s WHERE fConvert = 1 AND ISNULL(ScopeRowCount, 0) = 0", convert))
	if err != nil {
		t.logger.Warn("Could not list empty tables, nothing dropped", zap.Error(err))
		return nil
	}

	var dropped, protected, failed int
	for _, row := range rs.Rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		schema, table := row.String("SchemaName"), row.String("TableName")
		target, err := sqlexec.QuoteName(t.db, schema, t.plan.CopyPrefix()+table)
		if err != nil {
			t.logger.Warn("Skipping empty table with invalid name", zap.String("table", schema+"."+table), zap.Error(err))
			continue
		}

		if t.policy.Overridden(append(t.names(schema, table), table)...) {
			t.logger.Info("Keeping protected empty table", zap.String("table", schema+"."+table))
			protected++
			continue
		}

		t.logger.Info("Dropping empty table", zap.String("table", target))
		err = t.session.Scope(ctx, func(ctx context.Context, q sqlexec.Querier) error {
			_, err := t.exec.Exec(ctx, q, "DROP TABLE IF EXISTS "+target)
			return err
		})
		if err != nil {
			t.logger.Error("Failed to drop empty table", zap.String("table", target), zap.Error(err))
			t.errLog.Record("Failed to drop empty table", err, zap.String("table", target))
			failed++
			continue
		}
		dropped++
	}

	t.logger.Info("Empty tables processed",
		zap.Int("dropped", dropped),
		zap.Int("protected", protected),
		zap.Int("failed", failed),
	)
	return nil
}

// CreatePrimaryKeys runs the primary key script, which fills the plan's
// PrimaryKeyScripts table, and then replays its NOT NULL and PK statements
// for every table kept by the inclusion policy.
func (t *TableStages) CreatePrimaryKeys(ctx context.Context, q sqlexec.Querier) error {
	if t.skipPK {
		t.logger.Info("Skipping primary key creation")
		return nil
	}

	script, err := t.scripts.Load(PrimaryKeysStage, t.pkScript)
	if err != nil {
		return err
	}
	if err := t.exec.RunScript(ctx, q, script); err != nil {
		return err
	}

	pkName := t.plan.PrimaryKeyTable()
	found, _, err := t.exec.QueryRow(ctx, q, fmt.Sprintf(
		"SELECT COUNT(*) AS Found FROM [%s].INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = 'dbo' AND TABLE_NAME = @p1", t.db),
		pkName)
	if err != nil {
		return fmt.Errorf("verify %s: %w", pkName, err)
	}
	if n, _ := found.Int64("Found"); n == 0 {
		return fmt.Errorf("%s was not created by %s", pkName, t.pkScript)
	}

	pkTable, err := t.table(pkName)
	if err != nil {
		return err
	}
	convert, err := t.table(t.plan.ConvertTable())
	if err != nil {
		return err
	}

	rs, err := t.exec.Query(ctx, q, fmt.Sprintf(`WITH CTE_PKS AS (
    SELECT 1 AS TYPEY, S.DatabaseName, S.SchemaName, S.TableName, S.Script
    FROM %[1]s S WHERE S.ScriptType = 'NOT_NULL'
    UNION
    SELECT 2 AS TYPEY, S.DatabaseName, S.SchemaName, S.TableName, S.Script
    FROM %[1]s S WHERE S.ScriptType = 'PK'
)
SELECT S.TYPEY, TTC.ScopeRowCount, S.DatabaseName, S.SchemaName, S.TableName,
    REPLACE(S.Script, 'FLAG NOT NULL', 'BIT NOT NULL') AS Script, TTC.fConvert
FROM CTE_PKS S
INNER JOIN %[2]s TTC ON S.SchemaName = TTC.SchemaName AND S.TableName = TTC.TableName
WHERE TTC.fConvert = 1
ORDER BY S.SchemaName, S.TableName, S.TYPEY`, pkTable, convert))
	if err != nil {
		return fmt.Errorf("list primary key statements: %w", err)
	}

	start := t.progress.Get(ProgressPrimaryKeys)
	if start > 0 {
		t.logger.Info("Resuming primary key creation", zap.Int64("after_row", start))
	}

	var applied int
	for i, row := range rs.Rows {
		idx := int64(i + 1)
		if idx <= start {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		schema, table := row.String("SchemaName"), row.String("TableName")
		if _, err := sqlexec.QuoteName(schema, table); err != nil {
			return fmt.Errorf("primary key row %d: %w", idx, err)
		}

		rowCount, _ := row.Int64("ScopeRowCount")
		if t.policy.IncludeTable(rowCount, t.names(schema, table)...) {
			stmt := row.String("Script")
			err := t.session.Scope(ctx, func(ctx context.Context, q sqlexec.Querier) error {
				_, err := t.exec.Exec(ctx, q, stmt)
				return err
			})
			if err != nil {
				err = fmt.Errorf("primary key statement %d (%s.%s): %w", idx, schema, table, err)
				t.errLog.Record("Primary key creation failed", err, zap.String("sql", stmt))
				return err
			}
			applied++
		} else {
			t.logger.Debug("Skipping primary key of empty table", zap.String("table", schema+"."+table))
		}

		t.progress.Update(progress.Update{
			Key:       ProgressPrimaryKeys,
			Value:     idx,
			Total:     int64(rs.Len()),
			Operation: t.plan.DBType,
			Details:   schema + "." + table,
		})
	}

	t.logger.Info("Primary key statements executed", zap.Int("applied", applied), zap.Int("rows", rs.Len()))
	return nil
}
