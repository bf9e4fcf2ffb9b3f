package lob

import (
	"database/sql"
	"fmt"

	"dmsprep/internal/sqlexec"
)

// LedgerTable is the tracking table analyze writes and apply reads.
const LedgerTable = "LOB_COLUMN_UPDATES"

// Decision is one analyzed column as recorded in the ledger.
type Decision struct {
	Schema         string
	Table          string
	Column         string
	DataType       string
	CurrentLength  sql.NullInt64
	RowCount       int64
	MaxLen         sql.NullInt64
	AlterStatement string
}

type ledgerSQL struct {
	drop   string
	create string
	insert string
	queue  string
}

func newLedgerSQL(db string) (ledgerSQL, error) {
	name, err := sqlexec.QuoteName(db, "dbo", LedgerTable)
	if err != nil {
		return ledgerSQL{}, err
	}

	return ledgerSQL{
		drop: fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NOT NULL DROP TABLE %s", name, name),
		create: fmt.Sprintf(`CREATE TABLE %s (
    SchemaName NVARCHAR(128) NOT NULL,
    TableName NVARCHAR(128) NOT NULL,
    ColumnName NVARCHAR(128) NOT NULL,
    DataType NVARCHAR(128) NOT NULL,
    CurrentLength INT NULL,
    RowCnt BIGINT NOT NULL,
    MaxLen BIGINT NULL,
    AlterStatement NVARCHAR(4000) NOT NULL
)`, name),
		insert: fmt.Sprintf(`INSERT INTO %s
    (SchemaName, TableName, ColumnName, DataType, CurrentLength, RowCnt, MaxLen, AlterStatement)
VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8)`, name),
		queue: fmt.Sprintf(`SELECT SchemaName, TableName, ColumnName, DataType, CurrentLength, RowCnt, MaxLen, AlterStatement
FROM %s
WHERE TableName NOT LIKE '%%LOB_COL%%'
ORDER BY MaxLen DESC`, name),
	}, nil
}

func (d Decision) insertArgs() []any {
	return []any{
		d.Schema, d.Table, d.Column, d.DataType,
		d.CurrentLength, d.RowCount, d.MaxLen, d.AlterStatement,
	}
}

func decisionFromRow(row sqlexec.Row) Decision {
	d := Decision{
		Schema:         row.String("SchemaName"),
		Table:          row.String("TableName"),
		Column:         row.String("ColumnName"),
		DataType:       row.String("DataType"),
		CurrentLength:  row.NullInt64("CurrentLength"),
		MaxLen:         row.NullInt64("MaxLen"),
		AlterStatement: row.String("AlterStatement"),
	}
	d.RowCount, _ = row.Int64("RowCnt")
	return d
}
